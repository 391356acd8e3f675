package socket

import (
	"context"
	"net"
	"net/netip"

	"github.com/fmnx/tunstack/core/netconn"
	"github.com/fmnx/tunstack/core/stack"
)

// Dial connects a stream socket to addr.
func Dial(ctx context.Context, st *stack.Stack, addr netip.AddrPort) (*Socket, error) {
	return DialFrom(ctx, st, netip.AddrPort{}, addr)
}

// DialFrom binds src before connecting to addr. An invalid src leaves
// the choice to the engine.
func DialFrom(ctx context.Context, st *stack.Stack, src, addr netip.AddrPort) (*Socket, error) {
	nc, err := netconn.NewTCP(st)
	if err != nil {
		return nil, err
	}
	opErr := func(err error) error {
		return &net.OpError{Op: "dial", Net: "tcp", Addr: net.TCPAddrFromAddrPort(addr), Err: err}
	}

	if src.IsValid() {
		if err := nc.Bind(src); err != nil {
			nc.Close()
			return nil, opErr(err)
		}
	}
	if err := nc.Connect(addr); err != nil {
		nc.Close()
		return nil, opErr(err)
	}
	// the first write readiness completes the handshake.
	if _, err := nc.WaitSend(ctx); err != nil {
		nc.Close()
		return nil, opErr(err)
	}
	return newSocket(nc), nil
}
