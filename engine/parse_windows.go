package engine

import (
	"net/url"

	"golang.org/x/sys/windows"
	wun "golang.zx2c4.com/wireguard/tun"

	"github.com/fmnx/tunstack/core/device"
	"github.com/fmnx/tunstack/core/device/tun"
)

func init() {
	wun.WintunTunnelType = "tunstack"
}

func parseTUN(u *url.URL, b *device.Builder) (device.Device, error) {
	guid := u.Query().Get("guid")
	if guid != "" {
		guidValue, err := windows.GUIDFromString(guid)
		if err != nil {
			return nil, err
		}
		wun.WintunStaticRequestedGUID = &guidValue
	}
	return tun.Device(u.Host, b)
}
