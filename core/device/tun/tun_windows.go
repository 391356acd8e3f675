//go:build windows

package tun

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"
)

const (
	offset     = 0
	defaultMTU = 0 /* auto */
)

type TUN struct {
	device tun.Device
	mtu    uint32
	name   string

	sizes []int
	bufs  [][]byte
}

func openPlatform(name string, mtu uint32) (*TUN, error) {
	t := &TUN{
		name:  name,
		mtu:   uint32(defaultMTU),
		sizes: make([]int, 1),
		bufs:  make([][]byte, 1),
	}

	forcedMTU := defaultMTU
	if mtu > 0 {
		forcedMTU = int(mtu)
		t.mtu = mtu
	}

	nt, err := tun.CreateTUN(t.name, forcedMTU)
	if err != nil {
		return nil, fmt.Errorf("create tun: %w", err)
	}
	t.device = nt

	tunMTU, err := nt.MTU()
	if err != nil {
		nt.Close()
		return nil, fmt.Errorf("get mtu: %w", err)
	}
	t.mtu = uint32(tunMTU)

	return t, nil
}

func (t *TUN) Name() string {
	name, _ := t.device.Name()
	return name
}

func (t *TUN) Read(buf []byte) (int, error) {
	t.bufs[0] = buf
	if _, err := t.device.Read(t.bufs, t.sizes, offset); err != nil {
		return 0, err
	}
	return t.sizes[0], nil
}

func (t *TUN) Write(buf []byte) (int, error) {
	if _, err := t.device.Write([][]byte{buf}, offset); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (t *TUN) Close() error {
	return t.device.Close()
}

func (t *TUN) MTU() int {
	return int(t.mtu)
}
