// Package socket builds net.Conn and net.Listener semantics on top of
// engine connections. Every operation first tries the engine call and,
// when it would block, waits for the matching readiness notification
// before trying again.
package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/fmnx/tunstack/core/adapter"
	"github.com/fmnx/tunstack/core/ipstack"
	"github.com/fmnx/tunstack/core/netconn"
)

var _ adapter.TCPConn = (*Socket)(nil)

// Socket is a stream or raw socket on the stack. Stream reads return
// whatever has arrived; raw reads return one IP packet per call and
// truncate it to the buffer.
type Socket struct {
	nc  *netconn.Netconn
	raw bool

	rmu     sync.Mutex
	pending []byte
	wmu     sync.Mutex

	readDeadline  deadline
	writeDeadline deadline

	closeOnce sync.Once
	closed    chan struct{}
}

func newSocket(nc *netconn.Netconn) *Socket {
	return &Socket{
		nc:            nc,
		raw:           nc.Type() == ipstack.Raw,
		readDeadline:  makeDeadline(),
		writeDeadline: makeDeadline(),
		closed:        make(chan struct{}),
	}
}

func (s *Socket) isClosed() bool {
	return isClosedChan(s.closed)
}

// wait runs fn with a context that also ends when the socket is closed
// or d expires, and reports which of those ended it.
func (s *Socket) wait(parent context.Context, d *deadline, fn func(context.Context) (int, error)) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	expired := d.wait()
	go func() {
		select {
		case <-expired:
			cancel(os.ErrDeadlineExceeded)
		case <-s.closed:
			cancel(net.ErrClosed)
		case <-ctx.Done():
		}
	}()

	_, err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if errors.Is(err, netconn.ErrClosed) && s.isClosed() {
		return net.ErrClosed
	}
	return err
}

func (s *Socket) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext reads like Read but also gives up when ctx ends. Peer
// termination reads as io.EOF.
func (s *Socket) ReadContext(ctx context.Context, p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	if len(p) == 0 {
		return 0, nil
	}

	var queueClosed bool
	for {
		if s.isClosed() {
			return 0, net.ErrClosed
		}

		b, err := s.nc.Recv()
		switch {
		case err == nil && (s.raw || len(b) > 0):
			n := copy(p, b)
			if !s.raw && n < len(b) {
				s.pending = b[n:]
			}
			return n, nil
		case err == nil:
			// empty stream read, nothing to report yet.
		case errors.Is(err, syscall.ENOTCONN):
			return 0, io.EOF
		case !ipstack.IsWouldBlock(err):
			return 0, err
		}

		err = s.wait(ctx, &s.readDeadline, s.nc.WaitRecv)
		if errors.Is(err, netconn.ErrClosed) && !queueClosed {
			// torn down without an error notification: try once more.
			queueClosed = true
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (s *Socket) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// WriteContext writes all of p, waiting for send space as needed. Raw
// sockets send p as one packet, even an empty one.
func (s *Socket) WriteContext(ctx context.Context, p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.raw {
		return s.writeSome(ctx, p)
	}

	var written int
	for written < len(p) {
		n, err := s.writeSome(ctx, p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// WriteSome performs one submission and returns how much the engine
// accepted, which may be less than len(p) on stream sockets. The caller
// resubmits the rest.
func (s *Socket) WriteSome(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if len(p) == 0 && !s.raw {
		return 0, nil
	}
	return s.writeSome(context.Background(), p)
}

func (s *Socket) writeSome(ctx context.Context, p []byte) (int, error) {
	var queueClosed bool
	for {
		if s.isClosed() {
			return 0, net.ErrClosed
		}

		n, err := s.nc.Send(p)
		if err == nil {
			return n, nil
		}
		if !ipstack.IsWouldBlock(err) {
			return 0, err
		}

		err = s.wait(ctx, &s.writeDeadline, s.nc.WaitSend)
		if errors.Is(err, netconn.ErrClosed) && !queueClosed {
			queueClosed = true
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

// CloseWrite shuts down the sending side.
func (s *Socket) CloseWrite() error {
	return s.nc.ShutdownWrite()
}

// Close releases the socket's reference to the connection and wakes
// every blocked call.
func (s *Socket) Close() error {
	err := net.ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.nc.Close()
	})
	return err
}

func (s *Socket) LocalAddr() net.Addr {
	ap, _ := s.nc.LocalAddr()
	return s.netAddr(ap)
}

func (s *Socket) RemoteAddr() net.Addr {
	ap, _ := s.nc.RemoteAddr()
	return s.netAddr(ap)
}

func (s *Socket) netAddr(ap netip.AddrPort) net.Addr {
	if s.raw {
		return &net.IPAddr{IP: ap.Addr().AsSlice()}
	}
	return net.TCPAddrFromAddrPort(ap)
}

// ID returns the socket's local and remote addresses.
func (s *Socket) ID() *adapter.EndpointID {
	local, _ := s.nc.LocalAddr()
	remote, _ := s.nc.RemoteAddr()
	return &adapter.EndpointID{Local: local, Remote: remote}
}

func (s *Socket) SetDeadline(t time.Time) error {
	s.readDeadline.set(t)
	s.writeDeadline.set(t)
	return nil
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	s.readDeadline.set(t)
	return nil
}

func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.set(t)
	return nil
}
