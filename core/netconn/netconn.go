// Package netconn wraps engine connections so they can be driven from
// goroutines: every engine call runs in non-blocking mode and readiness
// is delivered through two unbounded queues, one per direction.
package netconn

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/fmnx/tunstack/core/ipstack"
	"github.com/fmnx/tunstack/core/stack"
	"github.com/fmnx/tunstack/internal/fifo"
	"github.com/fmnx/tunstack/metrics"
)

const (
	// DefaultBacklog is the listen backlog used by Listen.
	DefaultBacklog = 0xff

	// MaxDatagramSize is the largest payload a raw connection can submit
	// in one piece.
	MaxDatagramSize = 0xffff
)

var (
	// ErrClosed is returned by the wait operations once the connection's
	// notification queues have been torn down.
	ErrClosed = errors.New("netconn: connection closed")

	// ErrTooLarge is returned when a datagram does not fit in one
	// submission. Nothing is sent.
	ErrTooLarge = fmt.Errorf("netconn: datagram larger than %d bytes", MaxDatagramSize)
)

// Netconn is a shared handle to one engine connection. The engine
// connection is deleted when the last reference is closed.
type Netconn struct {
	// mu serializes calls into the engine connection.
	mu      sync.Mutex
	conn    ipstack.Conn
	deleted bool
	typ     ipstack.ConnType
	ec      *eventContext

	refs atomic.Int32
}

// New creates an engine connection of type t on st.
func New(st *stack.Stack, t ipstack.ConnType, proto uint8) (*Netconn, error) {
	e, err := st.Engine()
	if err != nil {
		return nil, err
	}
	c, err := e.NewConn(t, proto, dispatch)
	if err != nil {
		return nil, fmt.Errorf("netconn: new %s connection: %w", t, err)
	}
	return wrap(c), nil
}

// NewTCP creates a stream connection.
func NewTCP(st *stack.Stack) (*Netconn, error) {
	return New(st, ipstack.TCP, 0)
}

// NewRaw creates a raw connection for IP protocol proto.
func NewRaw(st *stack.Stack, proto uint8) (*Netconn, error) {
	return New(st, ipstack.Raw, proto)
}

func wrap(c ipstack.Conn) *Netconn {
	nc := &Netconn{
		conn: c,
		typ:  c.Type(),
		ec:   newEventContext(),
	}
	nc.refs.Store(1)
	c.SetNonBlocking(true)
	c.SetCallbackArg(nc.ec)
	metrics.ConnsOpen.WithLabelValues(nc.typ.String()).Inc()
	return nc
}

// Type returns the connection type.
func (nc *Netconn) Type() ipstack.ConnType {
	return nc.typ
}

// Retain adds a reference.
func (nc *Netconn) Retain() *Netconn {
	nc.refs.Add(1)
	return nc
}

// Close drops a reference. The last one releases the callback context
// and deletes the engine connection.
func (nc *Netconn) Close() error {
	switch n := nc.refs.Add(-1); {
	case n > 0:
		return nil
	case n < 0:
		return ErrClosed
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.deleted = true
	nc.conn.SetCallbackArg(nil)
	nc.ec.release()
	nc.conn.SetNonBlocking(true)
	metrics.ConnsOpen.WithLabelValues(nc.typ.String()).Dec()
	return nc.conn.Delete()
}

func (nc *Netconn) Bind(addr netip.AddrPort) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return ErrClosed
	}
	return nc.conn.Bind(addr)
}

// BindPort binds port on every local address.
func (nc *Netconn) BindPort(port uint16) error {
	return nc.Bind(netip.AddrPortFrom(netip.IPv4Unspecified(), port))
}

// BindInterface restricts the connection to the interface with the
// given engine index.
func (nc *Netconn) BindInterface(index uint8) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return ErrClosed
	}
	return nc.conn.BindInterface(index)
}

func (nc *Netconn) Listen() error {
	return nc.ListenBacklog(DefaultBacklog)
}

func (nc *Netconn) ListenBacklog(backlog uint8) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return ErrClosed
	}
	nc.ec.listening.Store(true)
	if err := nc.conn.Listen(backlog); err != nil {
		nc.ec.listening.Store(false)
		return err
	}
	return nil
}

// Connect starts connecting to addr. It returns once the attempt is
// under way; WaitSend reports its outcome.
func (nc *Netconn) Connect(addr netip.AddrPort) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return ErrClosed
	}
	err := nc.conn.Connect(addr)
	if errors.Is(err, ipstack.ErrInProgress) {
		return nil
	}
	return err
}

// Accept returns the next pending connection. It reports ErrWouldBlock
// when none is queued.
func (nc *Netconn) Accept() (*Netconn, error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return nil, ErrClosed
	}
	c, err := nc.conn.Accept()
	if err != nil {
		return nil, err
	}
	return wrap(c), nil
}

// Recv returns everything received so far as one slice, draining the
// whole fragment chain.
func (nc *Netconn) Recv() ([]byte, error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return nil, ErrClosed
	}
	rb, err := nc.conn.Recv()
	if err != nil {
		return nil, err
	}
	defer rb.Delete()

	var b []byte
	for {
		b = append(b, rb.Data()...)
		if !rb.Next() {
			return b, nil
		}
	}
}

// Send submits p. Stream connections accept what fits and return the
// count; raw connections send p whole or not at all.
func (nc *Netconn) Send(p []byte) (int, error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return 0, ErrClosed
	}
	if nc.typ == ipstack.TCP {
		return nc.conn.WritePartly(p)
	}
	if len(p) > MaxDatagramSize {
		return 0, ErrTooLarge
	}
	if err := nc.conn.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ShutdownWrite closes the transmit direction.
func (nc *Netconn) ShutdownWrite() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return ErrClosed
	}
	return nc.conn.Shutdown(false, true)
}

func (nc *Netconn) LocalAddr() (netip.AddrPort, error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return netip.AddrPort{}, ErrClosed
	}
	return nc.conn.LocalAddr()
}

func (nc *Netconn) RemoteAddr() (netip.AddrPort, error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return netip.AddrPort{}, ErrClosed
	}
	return nc.conn.RemoteAddr()
}

// WaitRecv waits for the next read-side notification and returns its
// length. An error notification yields the connection's error.
func (nc *Netconn) WaitRecv(ctx context.Context) (int, error) {
	return nc.wait(ctx, nc.ec.rx)
}

// WaitSend waits for the next write-side notification.
func (nc *Netconn) WaitSend(ctx context.Context) (int, error) {
	return nc.wait(ctx, nc.ec.tx)
}

func (nc *Netconn) wait(ctx context.Context, q *fifo.Queue[Event]) (int, error) {
	ev, err := q.Pop(ctx)
	if errors.Is(err, fifo.ErrClosed) {
		return 0, ErrClosed
	}
	if err != nil {
		return 0, err
	}
	if ev.Err {
		return 0, nc.pendingError()
	}
	return ev.Len, nil
}

func (nc *Netconn) pendingError() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.deleted {
		return ErrClosed
	}
	if err := nc.conn.Err(); err != nil {
		return err
	}
	return ipstack.ErrAbrt
}
