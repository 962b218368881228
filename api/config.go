package api

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAMLConfig reads and parses the configuration manifest at filePath.
func LoadYAMLConfig(filePath string) (config Config, err error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return config, fmt.Errorf("reading config %q: %w", filePath, err)
	}

	if err := yaml.Unmarshal(raw, &config); err != nil {
		return config, fmt.Errorf("parsing config %q: %w", filePath, err)
	}

	config.Spec.ApplyDefaults()
	return config, nil
}
