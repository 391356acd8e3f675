package socket

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/fmnx/tunstack/core/ipstack"
	"github.com/fmnx/tunstack/core/netconn"
	"github.com/fmnx/tunstack/core/stack"
)

var _ net.Listener = (*Listener)(nil)

// Listener accepts stream connections on the stack.
type Listener struct {
	nc *netconn.Netconn

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen binds addr and starts listening with the default backlog.
func Listen(st *stack.Stack, addr netip.AddrPort) (*Listener, error) {
	nc, err := netconn.NewTCP(st)
	if err != nil {
		return nil, err
	}
	if err := nc.Bind(addr); err != nil {
		nc.Close()
		return nil, &net.OpError{Op: "listen", Net: "tcp", Addr: net.TCPAddrFromAddrPort(addr), Err: err}
	}
	if err := nc.Listen(); err != nil {
		nc.Close()
		return nil, &net.OpError{Op: "listen", Net: "tcp", Addr: net.TCPAddrFromAddrPort(addr), Err: err}
	}
	return &Listener{nc: nc, closed: make(chan struct{})}, nil
}

// ListenPort listens on port on every local address.
func ListenPort(st *stack.Stack, port uint16) (*Listener, error) {
	return Listen(st, netip.AddrPortFrom(netip.IPv4Unspecified(), port))
}

// ListenAny listens on an engine-chosen port.
func ListenAny(st *stack.Stack) (*Listener, error) {
	return ListenPort(st, 0)
}

func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptContext(context.Background())
}

// AcceptContext waits for a pending connection and accepts it.
func (l *Listener) AcceptContext(ctx context.Context) (*Socket, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-l.closed:
			cancel(net.ErrClosed)
		case <-ctx.Done():
		}
	}()

	if _, err := l.nc.WaitRecv(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if isClosedChan(l.closed) {
			return nil, net.ErrClosed
		}
		return nil, err
	}

	nc, err := l.nc.Accept()
	if ipstack.IsWouldBlock(err) {
		panic("socket: accept would block right after a readiness notification")
	}
	if err != nil {
		return nil, err
	}
	return newSocket(nc), nil
}

func (l *Listener) Close() error {
	err := net.ErrClosed
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.nc.Close()
	})
	return err
}

func (l *Listener) Addr() net.Addr {
	ap, _ := l.nc.LocalAddr()
	return net.TCPAddrFromAddrPort(ap)
}

// AddrPort returns the bound address.
func (l *Listener) AddrPort() (netip.AddrPort, error) {
	return l.nc.LocalAddr()
}
