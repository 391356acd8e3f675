//go:build !windows

package engine

import (
	"net/url"

	"github.com/fmnx/tunstack/core/device"
	"github.com/fmnx/tunstack/core/device/tun"
)

func parseTUN(u *url.URL, b *device.Builder) (device.Device, error) {
	return tun.Device(u.Host, b)
}
