package netif

import (
	"context"
	"errors"

	"github.com/fmnx/tunstack/core/device"
	"github.com/fmnx/tunstack/core/pump"
	"github.com/fmnx/tunstack/core/stack"
)

// NetDevice is a device together with the interface it is registered
// as.
type NetDevice struct {
	*NetIf
	dev device.Device
}

// NewDevice registers dev with st.
func NewDevice(st *stack.Stack, dev device.Device) (*NetDevice, error) {
	n, err := New(st, dev)
	if err != nil {
		return nil, err
	}
	return &NetDevice{NetIf: n, dev: dev}, nil
}

// Device returns the underlying device.
func (d *NetDevice) Device() device.Device {
	return d.dev
}

// Drive pumps frames between the interface and the device until either
// side ends or ctx is done.
func (d *NetDevice) Drive(ctx context.Context) (pump.Stats, error) {
	stats, err := pump.Transfer(ctx, d.NetIf, d.dev)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return stats, err
}

// Close removes the interface and closes the device.
func (d *NetDevice) Close() error {
	return errors.Join(d.NetIf.Close(), d.dev.Close())
}
