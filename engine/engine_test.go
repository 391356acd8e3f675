package engine

import (
	"context"
	"io"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmnx/tunstack/core/device"
	"github.com/fmnx/tunstack/core/device/quic"
	"github.com/fmnx/tunstack/core/ipstack/netstack"
	"github.com/fmnx/tunstack/core/socket"
	"github.com/fmnx/tunstack/core/stack"
)

func useStack(t *testing.T) *stack.Stack {
	st := stack.New(netstack.New())
	prev := Stack
	Stack = func() *stack.Stack { return st }
	t.Cleanup(func() { Stack = prev })
	return st
}

func TestStartStopLoopback(t *testing.T) {
	st := useStack(t)

	require.NoError(t, Start(&Config{
		Device:   "loopback://",
		LogLevel: "silent",
		Metrics:  "127.0.0.1:0",
		Services: []Service{{Port: 7, Type: "echo"}},
		ICMP:     &ICMP{Enable: true},
	}))
	defer Stop()
	assert.Error(t, Start(&Config{Device: "loopback://"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := socket.Dial(ctx, st, netip.MustParseAddrPort("127.0.0.1:7"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	resp, err := http.Get("http://" + current.metrics.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "tunstack_tunnel_conns_total")

	Stop()
	assert.Nil(t, current)
}

func TestStartRejectsBadConfig(t *testing.T) {
	useStack(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"driver", Config{Device: "carrier-pigeon://coop"}},
		{"ipv4", Config{Device: "ws://127.0.0.1:1/", IPv4: "not-a-prefix"}},
		{"ipv6", Config{Device: "ws://127.0.0.1:1/", IPv6: []string{"::1"}}},
		{"service", Config{Device: "loopback://", Services: []Service{{Port: 1, Type: "chargen"}}}},
		{"forward", Config{Device: "loopback://", Services: []Service{{Port: 1, Type: "forward"}}}},
		{"level", Config{Device: "loopback://", LogLevel: "chatty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if cfg.LogLevel == "" {
				cfg.LogLevel = "silent"
			}
			assert.Error(t, Start(&cfg))
			assert.Nil(t, current)
		})
	}
}

func TestBuilderFromConfig(t *testing.T) {
	b, err := builder(&Config{
		MTU:  1420,
		IPv4: "10.7.0.1/24",
		IPv6: []string{"fd07::1/64"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1420, b.MTU)
	assert.Equal(t, "10.7.0.1/24", b.IPv4.String())
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("fd07::1/64")}, b.IPv6)
}

func TestQUICMTU(t *testing.T) {
	b := device.NewBuilder()
	require.NoError(t, quicMTU(&Config{}, b))
	assert.Equal(t, quic.MTU, b.MTU)

	b = device.NewBuilder()
	require.NoError(t, quicMTU(&Config{MTU: 1280}, b.WithMTU(1280)))
	assert.Equal(t, 1280, b.MTU)

	_, err := parseDevice(context.Background(), &Config{Device: "quic://127.0.0.1:1", MTU: device.DefaultMTU})
	assert.ErrorIs(t, err, device.ErrInvalidMTU)
}
