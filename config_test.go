package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmnx/tunstack/engine"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestParseConfigJSON(t *testing.T) {
	p := writeFile(t, "config.json", `{
  "engine": {
    "device": "tun://tun7",
    "mtu": 1420,
    "ipv4": "10.7.0.1/24",
    "ipv6": ["fd07::1/64"],
    "log-level": "debug",
    "services": [{"port": 7, "type": "echo"}, {"port": 80, "type": "forward", "upstream": "10.0.0.1:80"}],
    "icmp": {"enable": true}
  }
}`)

	cfg, err := parseConfig(p)
	require.NoError(t, err)
	assert.Equal(t, &engine.Config{
		Device:   "tun://tun7",
		MTU:      1420,
		IPv4:     "10.7.0.1/24",
		IPv6:     []string{"fd07::1/64"},
		LogLevel: "debug",
		Services: []engine.Service{
			{Port: 7, Type: "echo"},
			{Port: 80, Type: "forward", Upstream: "10.0.0.1:80"},
		},
		ICMP: &engine.ICMP{Enable: true},
	}, cfg)
}

func TestParseConfigYAML(t *testing.T) {
	p := writeFile(t, "config.yaml", `
engine:
  device: loopback://
  metrics: 127.0.0.1:9100
  services:
    - port: 25
      type: greet
  icmp:
    enable: true
    reply: true
`)

	cfg, err := parseConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "loopback://", cfg.Device)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics)
	assert.Equal(t, []engine.Service{{Port: 25, Type: "greet"}}, cfg.Services)
	assert.Equal(t, &engine.ICMP{Enable: true, Reply: true}, cfg.ICMP)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := parseConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = parseConfig(writeFile(t, "empty.json", ""))
	assert.ErrorContains(t, err, "is empty")

	_, err = parseConfig(writeFile(t, "bad.json", "{"))
	assert.Error(t, err)

	_, err = parseConfig(writeFile(t, "none.yml", "other: 1\n"))
	assert.ErrorContains(t, err, "no engine section")
}
