// Package tun opens operating system TUN devices as frame streams.
package tun

import (
	"github.com/fmnx/tunstack/core/device"
)

const (
	// Driver is the driver name for TUN devices.
	Driver = "tun"
)

// Open creates the TUN device name. A zero mtu keeps the system
// default.
func Open(name string, mtu uint32) (*TUN, error) {
	return openPlatform(name, mtu)
}

// Device opens name and attaches the addressing in b.
func Device(name string, b *device.Builder) (device.Device, error) {
	t, err := Open(name, uint32(b.MTU))
	if err != nil {
		return nil, err
	}
	b.Name = t.Name()
	b.Type = Driver
	if mtu := t.MTU(); mtu > 0 {
		b.MTU = mtu
	}
	d, err := b.Build(t)
	if err != nil {
		t.Close()
		return nil, err
	}
	return d, nil
}
