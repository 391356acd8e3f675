//go:build darwin

package tun

import (
	"fmt"

	"github.com/songgao/water"
)

type TUN struct {
	*water.Interface
	mtu uint32
}

func openPlatform(name string, mtu uint32) (*TUN, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name

	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create tun: %w", err)
	}
	return &TUN{Interface: iface, mtu: mtu}, nil
}

func (t *TUN) MTU() int {
	return int(t.mtu)
}
