package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/achetronic/frameloom/api"
	"github.com/achetronic/frameloom/listeners/tcp"
	"github.com/achetronic/frameloom/transform"
)

const defaultConfigFile = "sample.yaml"

// buildChains loads every configured transform plugin once and assembles
// the two direction-scoped chains named by spec.Transforms.OnReceive and
// .OnResponse.
func buildChains(spec *api.Proxy) (onReceive, onResponse *transform.Chain, err error) {
	loaded := map[string]transform.Transform{}
	for _, plug := range spec.Transforms.Plugins {
		t, loadErr := transform.LoadPlugin(plug.Path)
		if loadErr != nil {
			return nil, nil, fmt.Errorf("loading transform plugin %q: %w", plug.Name, loadErr)
		}
		loaded[plug.Name] = t
	}

	build := func(names []string) (*transform.Chain, error) {
		chain := transform.NewChain()
		for _, name := range names {
			t, ok := loaded[name]
			if !ok {
				return nil, fmt.Errorf("transform %q referenced but not declared under transforms.plugins", name)
			}
			chain.Add(t)
		}
		return chain, nil
	}

	onReceive, err = build(spec.Transforms.OnReceive)
	if err != nil {
		return nil, nil, err
	}
	onResponse, err = build(spec.Transforms.OnResponse)
	if err != nil {
		return nil, nil, err
	}
	return onReceive, onResponse, nil
}

func main() {
	configFile := flag.String("config", defaultConfigFile, "path to the YAML configuration manifest")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	config, err := api.LoadYAMLConfig(*configFile)
	if err != nil {
		sugar.Fatalw("failed to load config", "path", *configFile, "error", err)
	}

	onReceive, onResponse, err := buildChains(&config.Spec)
	if err != nil {
		sugar.Fatalw("failed to build transform chains", "error", err)
	}

	proxy := tcp.NewProxy(&config.Spec, sugar, onReceive, onResponse)
	defer proxy.Close()

	if err := proxy.Launch(); err != nil {
		sugar.Fatalw("proxy exited", "error", err)
	}
}
