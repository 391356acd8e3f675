// Package ipstack defines the contract of an embeddable, callback-driven
// TCP/IP engine: connections that are driven through blocking-style calls
// and report readiness through a single per-connection callback, virtual
// interfaces that hand outbound frames to an output hook, and the
// engine-owned packet buffers exchanged at the boundary.
package ipstack

import (
	"fmt"
	"net/netip"
)

// Event is the tag passed to a connection callback.
type Event uint8

const (
	// RecvPlus signals that data (or a pending connection, on a listener)
	// became available. A zero length on a non-listening connection means
	// the peer is gone.
	RecvPlus Event = iota
	// RecvMinus signals that received data was consumed.
	RecvMinus
	// SendPlus signals that send buffer space became available.
	SendPlus
	// SendMinus signals that send buffer space was consumed.
	SendMinus
	// Error signals a fatal connection error; Conn.Err returns it.
	Error
)

func (e Event) String() string {
	switch e {
	case RecvPlus:
		return "RCVPLUS"
	case RecvMinus:
		return "RCVMINUS"
	case SendPlus:
		return "SENDPLUS"
	case SendMinus:
		return "SENDMINUS"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// ConnType is the kind of an engine connection.
type ConnType uint8

const (
	TCP ConnType = iota + 1
	// Raw connections exchange whole IP packets, header included.
	Raw
)

func (t ConnType) String() string {
	switch t {
	case TCP:
		return "tcp"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("ConnType(%d)", uint8(t))
	}
}

// Callback is invoked by the engine on its own execution context. It
// must not block and must not call back into the engine.
type Callback func(c Conn, evt Event, length int)

// OutputFunc is the per-interface output hook. The engine keeps
// ownership of p; the hook must copy what it needs before returning.
type OutputFunc func(nif Interface, p Buffer) error

// InterfaceConfig describes a virtual interface to register.
type InterfaceConfig struct {
	Name string
	MTU  int
	IPv4 netip.Prefix
}

// Engine is the process-wide engine instance.
type Engine interface {
	// Init starts the engine's internal execution context. It must be
	// called exactly once, before anything else.
	Init() error

	// NewConn creates a connection of type t. proto selects the IP
	// protocol number for Raw connections and is ignored otherwise.
	// cb receives every event raised on the connection and on the
	// connections it accepts.
	NewConn(t ConnType, proto uint8, cb Callback) (Conn, error)

	// AddInterface registers a virtual interface. output is called for
	// every frame the engine transmits through it; onRemove is called
	// once, after the interface is removed and output can no longer run.
	AddInterface(cfg InterfaceConfig, output OutputFunc, onRemove func()) (Interface, error)

	// AllocBuffer allocates an engine-owned buffer of size bytes.
	AllocBuffer(size int) (Buffer, error)
}

// Buffer is an engine-owned packet buffer.
type Buffer interface {
	// Len returns the total logical length of the buffer.
	Len() int
	// CopyOut copies up to len(dst) bytes starting at offset and returns
	// the number of bytes copied.
	CopyOut(dst []byte, offset int) int
	// CopyIn fills the buffer from src, which must not exceed Len.
	CopyIn(src []byte) error
	// Free releases the buffer back to the engine.
	Free()
}

// Interface is a registered virtual interface.
type Interface interface {
	// Index returns the interface index assigned by the engine.
	Index() uint8
	SetLinkUp()
	SetUp()
	AddIPv6Address(p netip.Prefix) error
	// Input hands a received frame to the engine. On success the engine
	// owns p; on failure the caller still does.
	Input(p Buffer) error
	// Remove deregisters the interface.
	Remove() error
}

// Conn is an engine connection. Calls on one Conn must be serialized by
// the caller.
type Conn interface {
	Type() ConnType

	Bind(addr netip.AddrPort) error
	BindInterface(index uint8) error
	Listen(backlog uint8) error
	// Connect returns ErrInProgress in non-blocking mode while the
	// handshake runs.
	Connect(addr netip.AddrPort) error
	Accept() (Conn, error)
	Recv() (RecvBuf, error)
	// WritePartly queues as much of p as fits and returns the count.
	WritePartly(p []byte) (int, error)
	// Send submits p as one datagram.
	Send(p []byte) error
	Shutdown(rx, tx bool) error

	LocalAddr() (netip.AddrPort, error)
	RemoteAddr() (netip.AddrPort, error)
	// Err returns the pending connection error, or nil.
	Err() error

	SetNonBlocking(nonBlocking bool)
	// Delete closes the connection and releases it.
	Delete() error

	// SetCallbackArg stores the opaque value the callback uses to find
	// its context.
	SetCallbackArg(arg any)
	CallbackArg() any
}

// RecvBuf is a received chain of fragments, iterated with Data and Next.
type RecvBuf interface {
	// Data returns the current fragment. It is valid until Next or
	// Delete is called.
	Data() []byte
	// Next moves to the following fragment and reports whether one exists.
	Next() bool
	// Delete releases the whole chain.
	Delete()
}
