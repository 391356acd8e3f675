// Package device defines the frame devices a virtual interface can be
// driven against. A device moves whole IP packets: every Read returns one
// frame and every Write submits one.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

const (
	// DefaultMTU is used when a builder is not given one.
	DefaultMTU = 1500

	// MaxMTU is the largest frame the engine can take in one buffer.
	MaxMTU = 0xffff
)

var (
	ErrInvalidMTU  = errors.New("device: mtu out of range")
	ErrInvalidIPv4 = errors.New("device: ipv4 network must be an IPv4 prefix")
	ErrInvalidIPv6 = errors.New("device: ipv6 network must be an IPv6 prefix")
)

// Device is a duplex frame device together with the addressing its
// interface is registered with.
type Device interface {
	io.ReadWriteCloser

	// MTU returns the maximum transmission unit.
	MTU() int

	// IPv4 returns the network the interface is registered with.
	IPv4() netip.Prefix

	// IPv6 returns the IPv6 networks added to the interface.
	IPv6() []netip.Prefix

	// Name returns the current name of the device.
	Name() string

	// Type returns the driver type of the device.
	Type() string
}

// ContextReader is implemented by devices whose reads can be
// interrupted.
type ContextReader interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

// Builder attaches addressing to a frame stream.
type Builder struct {
	MTU  int
	IPv4 netip.Prefix
	IPv6 []netip.Prefix
	Name string
	Type string
}

// NewBuilder returns a builder with the default MTU and the
// unspecified IPv4 network.
func NewBuilder() *Builder {
	return &Builder{
		MTU:  DefaultMTU,
		IPv4: netip.PrefixFrom(netip.IPv4Unspecified(), 0),
	}
}

func (b *Builder) WithMTU(mtu int) *Builder {
	b.MTU = mtu
	return b
}

func (b *Builder) WithIPv4(p netip.Prefix) *Builder {
	b.IPv4 = p
	return b
}

func (b *Builder) AddIPv6(p netip.Prefix) *Builder {
	b.IPv6 = append(b.IPv6, p)
	return b
}

func (b *Builder) WithName(name string) *Builder {
	b.Name = name
	return b
}

// Build wraps rwc into a Device.
func (b *Builder) Build(rwc io.ReadWriteCloser) (Device, error) {
	if b.MTU <= 0 || b.MTU > MaxMTU {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMTU, b.MTU)
	}
	if !b.IPv4.IsValid() || !b.IPv4.Addr().Is4() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIPv4, b.IPv4)
	}
	for _, p := range b.IPv6 {
		if !p.IsValid() || !p.Addr().Is6() || p.Addr().Is4In6() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidIPv6, p)
		}
	}
	typ := b.Type
	if typ == "" {
		typ = "custom"
	}
	return &built{
		ReadWriteCloser: rwc,
		mtu:             b.MTU,
		ipv4:            b.IPv4,
		ipv6:            append([]netip.Prefix(nil), b.IPv6...),
		name:            b.Name,
		typ:             typ,
	}, nil
}

type built struct {
	io.ReadWriteCloser

	mtu  int
	ipv4 netip.Prefix
	ipv6 []netip.Prefix
	name string
	typ  string
}

func (d *built) MTU() int             { return d.mtu }
func (d *built) IPv4() netip.Prefix   { return d.ipv4 }
func (d *built) IPv6() []netip.Prefix { return d.ipv6 }
func (d *built) Name() string         { return d.name }
func (d *built) Type() string         { return d.typ }

// ReadContext forwards to the wrapped stream when it supports
// interruptible reads.
func (d *built) ReadContext(ctx context.Context, p []byte) (int, error) {
	if cr, ok := d.ReadWriteCloser.(ContextReader); ok {
		return cr.ReadContext(ctx, p)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return d.Read(p)
}

// ReadContext reads from r, honoring ctx when r supports it.
func ReadContext(ctx context.Context, r io.Reader, p []byte) (int, error) {
	if cr, ok := r.(ContextReader); ok {
		return cr.ReadContext(ctx, p)
	}
	return r.Read(p)
}
