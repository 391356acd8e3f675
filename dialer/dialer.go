// Package dialer opens host connections for services that relay traffic
// out of the stack, optionally pinned to an interface or routing mark.
package dialer

import (
	"context"
	"net"
	"sync/atomic"
	"syscall"
)

var (
	DefaultInterfaceName  atomic.Value // string
	DefaultInterfaceIndex int32
	DefaultRoutingMark    int32
)

type Options struct {
	// InterfaceName is the name of interface/device to bind.
	// If a socket is bound to an interface, only packets received
	// from that particular interface are processed by the socket.
	InterfaceName string

	// InterfaceIndex is the index of interface/device to bind.
	// It is almost the same as InterfaceName except it uses the
	// index of the interface instead of the name.
	InterfaceIndex int

	// RoutingMark is the mark for each packet sent through this
	// socket. Changing the mark can be used for mark-based routing
	// without netfilter or for packet filtering.
	RoutingMark int
}

// SetDefaultInterface makes later default dials bind to iface.
func SetDefaultInterface(iface *net.Interface) {
	DefaultInterfaceName.Store(iface.Name)
	atomic.StoreInt32(&DefaultInterfaceIndex, int32(iface.Index))
}

// SetDefaultRoutingMark marks packets of later default dials.
func SetDefaultRoutingMark(mark int) {
	atomic.StoreInt32(&DefaultRoutingMark, int32(mark))
}

func defaultOptions() *Options {
	name, _ := DefaultInterfaceName.Load().(string)
	return &Options{
		InterfaceName:  name,
		InterfaceIndex: int(atomic.LoadInt32(&DefaultInterfaceIndex)),
		RoutingMark:    int(atomic.LoadInt32(&DefaultRoutingMark)),
	}
}

func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return DialContextWithOptions(ctx, network, address, defaultOptions())
}

func Dial(network, address string) (net.Conn, error) {
	return DialContext(context.Background(), network, address)
}

func DialContextWithOptions(ctx context.Context, network, address string, opts *Options) (net.Conn, error) {
	d := &net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			return setSocketOptions(network, address, c, opts)
		},
	}
	return d.DialContext(ctx, network, address)
}
