package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/fmnx/tunstack/core/device"
	"github.com/fmnx/tunstack/core/device/loopback"
	"github.com/fmnx/tunstack/core/device/quic"
	"github.com/fmnx/tunstack/core/device/tun"
	"github.com/fmnx/tunstack/core/device/ws"
)

func parseDevice(ctx context.Context, cfg *Config) (device.Device, error) {
	s := cfg.Device
	if !strings.Contains(s, "://") {
		s = fmt.Sprintf("%s://%s", tun.Driver /* default driver */, s)
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	driver := strings.ToLower(u.Scheme)
	if driver == loopback.Driver {
		return loopback.Device(), nil
	}

	b, err := builder(cfg)
	if err != nil {
		return nil, err
	}

	switch driver {
	case tun.Driver:
		return parseTUN(u, b)
	case "ws", "wss":
		return parseWebSocket(ctx, u, b)
	case quic.Driver:
		if err := quicMTU(cfg, b); err != nil {
			return nil, err
		}
		return parseQUIC(ctx, u, b)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
}

func builder(cfg *Config) (*device.Builder, error) {
	b := device.NewBuilder()
	if cfg.MTU > 0 {
		b.WithMTU(cfg.MTU)
	}
	if cfg.IPv4 != "" {
		p, err := netip.ParsePrefix(cfg.IPv4)
		if err != nil {
			return nil, fmt.Errorf("ipv4: %w", err)
		}
		b.WithIPv4(p)
	}
	for _, s := range cfg.IPv6 {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("ipv6: %w", err)
		}
		b.AddIPv6(p)
	}
	return b, nil
}

func parseWebSocket(ctx context.Context, u *url.URL, b *device.Builder) (device.Device, error) {
	header := make(http.Header)
	header.Set("User-Agent", "tunstack")
	c, err := ws.Dial(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	b.Name = u.Host
	b.Type = ws.Driver
	d, err := b.Build(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return d, nil
}

// quicMTU fits the device MTU to one datagram.
func quicMTU(cfg *Config, b *device.Builder) error {
	switch {
	case cfg.MTU <= 0:
		b.WithMTU(quic.MTU)
	case cfg.MTU > quic.MTU:
		return fmt.Errorf("%w: %d exceeds the %d bytes of a QUIC datagram", device.ErrInvalidMTU, cfg.MTU, quic.MTU)
	}
	return nil
}

// parseQUIC understands the query parameters sni and insecure.
func parseQUIC(ctx context.Context, u *url.URL, b *device.Builder) (device.Device, error) {
	q := u.Query()
	tlsConf := &tls.Config{ServerName: u.Hostname()}
	if sni := q.Get("sni"); sni != "" {
		tlsConf.ServerName = sni
	}
	if v := q.Get("insecure"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("insecure: %w", err)
		}
		tlsConf.InsecureSkipVerify = insecure
	}

	c, err := quic.Dial(ctx, u.Host, tlsConf)
	if err != nil {
		return nil, err
	}
	b.Name = u.Host
	b.Type = quic.Driver
	d, err := b.Build(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return d, nil
}
