// Package ipstacktest provides a scriptable in-memory ipstack.Engine for
// exercising code that sits on top of the engine contract. Tests drive
// readiness by firing events by hand and stage data, accepts and write
// limits on each connection.
package ipstacktest

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/fmnx/tunstack/core/ipstack"
)

var _ ipstack.Engine = (*Engine)(nil)

type Engine struct {
	mu        sync.Mutex
	conns     []*Conn
	ifaces    []*Interface
	nextIndex uint8

	initCalls atomic.Int32

	// InitErr is returned by Init.
	InitErr error
	// AllocErr is returned by AllocBuffer.
	AllocErr error
	// NewConnErr is returned by NewConn.
	NewConnErr error
}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) Init() error {
	e.initCalls.Add(1)
	return e.InitErr
}

// InitCalls returns how many times Init ran.
func (e *Engine) InitCalls() int {
	return int(e.initCalls.Load())
}

func (e *Engine) NewConn(t ipstack.ConnType, proto uint8, cb ipstack.Callback) (ipstack.Conn, error) {
	if e.NewConnErr != nil {
		return nil, e.NewConnErr
	}
	return e.newConn(t, proto, cb), nil
}

func (e *Engine) newConn(t ipstack.ConnType, proto uint8, cb ipstack.Callback) *Conn {
	c := &Conn{
		engine:     e,
		typ:        t,
		proto:      proto,
		cb:         cb,
		writeLimit: -1,
		ConnectErr: ipstack.ErrInProgress,
	}
	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return c
}

// NewAccepted creates a connection that the listener l will hand out
// from Accept. It shares l's callback.
func (e *Engine) NewAccepted(l *Conn) *Conn {
	c := e.newConn(l.typ, l.proto, l.cb)
	l.mu.Lock()
	l.accepts = append(l.accepts, c)
	l.mu.Unlock()
	return c
}

// Conns returns every connection created so far, in creation order.
func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

// LastConn returns the most recently created connection.
func (e *Engine) LastConn() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	return e.conns[len(e.conns)-1]
}

func (e *Engine) AddInterface(cfg ipstack.InterfaceConfig, output ipstack.OutputFunc, onRemove func()) (ipstack.Interface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextIndex++
	nif := &Interface{
		Config:   cfg,
		index:    e.nextIndex,
		output:   output,
		onRemove: onRemove,
	}
	e.ifaces = append(e.ifaces, nif)
	return nif, nil
}

// Interfaces returns every interface registered so far.
func (e *Engine) Interfaces() []*Interface {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Interface(nil), e.ifaces...)
}

func (e *Engine) AllocBuffer(size int) (ipstack.Buffer, error) {
	if e.AllocErr != nil {
		return nil, e.AllocErr
	}
	return &Buffer{data: make([]byte, size)}, nil
}

// Buffer is a heap-backed ipstack.Buffer that remembers being freed.
type Buffer struct {
	data    []byte
	freed   atomic.Bool
	CopyErr error
}

// NewBuffer returns a buffer holding a copy of b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{data: append([]byte(nil), b...)}
}

func (b *Buffer) Len() int { return len(b.data) }

func (b *Buffer) CopyOut(dst []byte, offset int) int {
	if offset >= len(b.data) {
		return 0
	}
	return copy(dst, b.data[offset:])
}

func (b *Buffer) CopyIn(src []byte) error {
	if b.CopyErr != nil {
		return b.CopyErr
	}
	if len(src) > len(b.data) {
		return ipstack.ErrArg
	}
	copy(b.data, src)
	return nil
}

func (b *Buffer) Free() { b.freed.Store(true) }

// Freed reports whether Free was called.
func (b *Buffer) Freed() bool { return b.freed.Load() }

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte { return b.data }

var _ ipstack.Interface = (*Interface)(nil)

type Interface struct {
	Config ipstack.InterfaceConfig

	index    uint8
	output   ipstack.OutputFunc
	onRemove func()

	mu      sync.Mutex
	linkUp  bool
	up      bool
	removed bool
	ipv6    []netip.Prefix
	inputs  [][]byte

	// InputErr is returned by Input.
	InputErr error
}

func (i *Interface) Index() uint8 { return i.index }

func (i *Interface) SetLinkUp() {
	i.mu.Lock()
	i.linkUp = true
	i.mu.Unlock()
}

func (i *Interface) SetUp() {
	i.mu.Lock()
	i.up = true
	i.mu.Unlock()
}

// IsUp reports whether both the link and the interface were brought up.
func (i *Interface) IsUp() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.linkUp && i.up
}

func (i *Interface) AddIPv6Address(p netip.Prefix) error {
	i.mu.Lock()
	i.ipv6 = append(i.ipv6, p)
	i.mu.Unlock()
	return nil
}

// IPv6 returns the IPv6 networks added so far.
func (i *Interface) IPv6() []netip.Prefix {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]netip.Prefix(nil), i.ipv6...)
}

func (i *Interface) Input(p ipstack.Buffer) error {
	if i.InputErr != nil {
		return i.InputErr
	}
	frame := make([]byte, p.Len())
	p.CopyOut(frame, 0)
	p.Free()
	i.mu.Lock()
	i.inputs = append(i.inputs, frame)
	i.mu.Unlock()
	return nil
}

// Inputs returns the frames handed to the engine.
func (i *Interface) Inputs() [][]byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([][]byte(nil), i.inputs...)
}

// Transmit makes the engine send frame through the interface's output
// hook, like the engine would for an outbound packet.
func (i *Interface) Transmit(frame []byte) error {
	b := NewBuffer(frame)
	defer b.Free()
	return i.output(i, b)
}

func (i *Interface) Remove() error {
	i.mu.Lock()
	if i.removed {
		i.mu.Unlock()
		return ipstack.ErrIf
	}
	i.removed = true
	i.mu.Unlock()
	if i.onRemove != nil {
		i.onRemove()
	}
	return nil
}

// Removed reports whether Remove ran.
func (i *Interface) Removed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removed
}
