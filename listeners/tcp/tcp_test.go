package tcp

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/achetronic/frameloom/api"
	"github.com/achetronic/frameloom/frame"
	"github.com/achetronic/frameloom/transform"
)

// startEchoUpstream is a bare TCP echo server standing in for a real
// backend: it writes back whatever it reads, length-prefix and all,
// treating the stream as opaque bytes.
func startEchoUpstream(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()

	stop = func() {
		close(done)
		ln.Close()
	}
	return ln.Addr().String(), stop
}

// upperOnReceive is a test-local uppercase transform, standing in for an
// out-of-scope concrete transform plugin, used here only to exercise the
// engine's per-direction chain wiring.
type upperOnReceive struct{}

func (upperOnReceive) Apply(f *frame.Frame) {
	f.Payload = []byte(strings.ToUpper(string(f.Payload)))
}

type appendByteTransform struct{ b byte }

func (a appendByteTransform) Apply(f *frame.Frame) {
	f.Payload = append(f.Payload, a.b)
}

func newTestProxy(t *testing.T, backendAddr string, onReceive, onResponse *transform.Chain) *Proxy {
	t.Helper()
	host, portStr, err := net.SplitHostPort(backendAddr)
	require.NoError(t, err)
	backendPort, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	if onReceive == nil {
		onReceive = transform.NewChain()
	}
	if onResponse == nil {
		onResponse = transform.NewChain()
	}

	cfg := &api.Proxy{
		Listener: api.Listener{Host: "127.0.0.1", Port: 0},
		Backend:  api.Backend{Host: host, Port: backendPort},
	}
	cfg.ApplyDefaults()

	logger := zaptest.NewLogger(t).Sugar()
	proxy := NewProxy(cfg, logger, onReceive, onResponse)

	go func() {
		_ = proxy.Launch()
	}()

	// Launch binds synchronously before entering the blocking loop; poll
	// BoundPort briefly instead of racing a fixed sleep.
	require.Eventually(t, func() bool {
		return proxy.BoundPort() != 0
	}, time.Second, time.Millisecond)

	t.Cleanup(func() { proxy.Close() })
	return proxy
}

func encodeFrame(payload string) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func readFrame(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	header := make([]byte, 4)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)

	length := binary.BigEndian.Uint32(header)
	payload := make([]byte, length)
	if length > 0 {
		_, err = io.ReadFull(conn, payload)
		require.NoError(t, err)
	}
	return string(payload)
}

func dialProxy(t *testing.T, proxy *Proxy) net.Conn {
	t.Helper()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(proxy.BoundPort()))
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPlainEcho(t *testing.T) {
	backendAddr, stopBackend := startEchoUpstream(t)
	defer stopBackend()

	proxy := newTestProxy(t, backendAddr, nil, nil)
	conn := dialProxy(t, proxy)

	_, err := conn.Write(encodeFrame("hello"))
	require.NoError(t, err)

	require.Equal(t, "hello", readFrame(t, conn))
}

func TestUppercaseOnClientToServerOnly(t *testing.T) {
	backendAddr, stopBackend := startEchoUpstream(t)
	defer stopBackend()

	onReceive := transform.NewChain()
	onReceive.Add(upperOnReceive{})

	proxy := newTestProxy(t, backendAddr, onReceive, nil)
	conn := dialProxy(t, proxy)

	_, err := conn.Write(encodeFrame("abc"))
	require.NoError(t, err)

	// Upstream echoes whatever it received; since onReceive uppercased the
	// frame before it reached upstream, the echo comes back upper too.
	require.Equal(t, "ABC", readFrame(t, conn))
}

func TestChunkedArrivalYieldsOneCompleteFrame(t *testing.T) {
	backendAddr, stopBackend := startEchoUpstream(t)
	defer stopBackend()

	proxy := newTestProxy(t, backendAddr, nil, nil)
	conn := dialProxy(t, proxy)

	full := encodeFrame("ping")
	_, err := conn.Write(full[:len(full)-2])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(full[len(full)-2:])
	require.NoError(t, err)

	require.Equal(t, "ping", readFrame(t, conn))
}

func TestTwoFramesInOneWriteArriveInOrder(t *testing.T) {
	backendAddr, stopBackend := startEchoUpstream(t)
	defer stopBackend()

	proxy := newTestProxy(t, backendAddr, nil, nil)
	conn := dialProxy(t, proxy)

	_, err := conn.Write(append(encodeFrame("a"), encodeFrame("b")...))
	require.NoError(t, err)

	require.Equal(t, "a", readFrame(t, conn))
	require.Equal(t, "b", readFrame(t, conn))
}

func TestEmptyFrameIsDroppedWithoutTransform(t *testing.T) {
	backendAddr, stopBackend := startEchoUpstream(t)
	defer stopBackend()

	proxy := newTestProxy(t, backendAddr, nil, nil)
	conn := dialProxy(t, proxy)

	_, err := conn.Write(encodeFrame(""))
	require.NoError(t, err)
	// Follow with a real frame so the test has something deterministic to
	// wait for instead of racing absence-of-data.
	_, err = conn.Write(encodeFrame("next"))
	require.NoError(t, err)

	require.Equal(t, "next", readFrame(t, conn))
}

func TestEmptyFrameWithAppendingTransformIsForwarded(t *testing.T) {
	backendAddr, stopBackend := startEchoUpstream(t)
	defer stopBackend()

	onReceive := transform.NewChain()
	onReceive.Add(appendByteTransform{b: 'x'})

	proxy := newTestProxy(t, backendAddr, onReceive, nil)
	conn := dialProxy(t, proxy)

	_, err := conn.Write(encodeFrame(""))
	require.NoError(t, err)

	require.Equal(t, "x", readFrame(t, conn))
}

func TestUpstreamRefusesConnectClosesFlowButKeepsProxyRunning(t *testing.T) {
	// Bind a socket just to learn a free port, then close it immediately so
	// nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	proxy := newTestProxy(t, deadAddr, nil, nil)
	conn := dialProxy(t, proxy)

	_, err = conn.Write(encodeFrame("a"))
	require.NoError(t, err)

	// The flow should close promptly; the client sees EOF rather than a reply.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, readErr := conn.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, readErr)

	// The proxy itself must still accept new connections afterward, even
	// though its configured backend stays dead.
	conn2 := dialProxy(t, proxy)
	_, err = conn2.Write(encodeFrame("b"))
	require.NoError(t, err)
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	n2, readErr2 := conn2.Read(buf)
	require.Equal(t, 0, n2)
	require.Error(t, readErr2)
}
