// Package loopback provides a device that hands every frame written to
// it back to its reader.
package loopback

import (
	"io"
	"net/netip"

	"github.com/fmnx/tunstack/core/device"
	"github.com/fmnx/tunstack/core/device/pipe"
)

const (
	// Driver is the driver name for loopback devices.
	Driver = "loopback"

	MTU = 65535
)

var (
	IPv4 = netip.MustParsePrefix("127.0.0.1/8")
	IPv6 = netip.MustParsePrefix("::1/8")
)

// New returns a bare frame loopback.
func New() io.ReadWriteCloser {
	return pipe.Loop()
}

// Device returns a loopback device carrying the usual loopback
// networks.
func Device() device.Device {
	b := device.NewBuilder().
		WithMTU(MTU).
		WithIPv4(IPv4).
		AddIPv6(IPv6).
		WithName("lo")
	b.Type = Driver
	d, err := b.Build(New())
	if err != nil {
		panic(err)
	}
	return d
}
