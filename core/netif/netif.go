// Package netif registers frame devices with the engine as virtual
// network interfaces.
package netif

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fmnx/tunstack/core/device"
	"github.com/fmnx/tunstack/core/ipstack"
	"github.com/fmnx/tunstack/core/pbuf"
	"github.com/fmnx/tunstack/core/stack"
	"github.com/fmnx/tunstack/internal/fifo"
	"github.com/fmnx/tunstack/log"
	"github.com/fmnx/tunstack/metrics"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("netif: interface closed")

// NetIf is a virtual interface registered with the engine. Frames the
// engine transmits are queued until read; frames written are injected
// into the engine right away.
type NetIf struct {
	engine ipstack.Engine
	nif    ipstack.Interface
	name   string
	mtu    int

	frames *fifo.Queue[[]byte]

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New registers an interface configured after dev and brings it up.
func New(st *stack.Stack, dev device.Device) (*NetIf, error) {
	e, err := st.Engine()
	if err != nil {
		return nil, err
	}

	n := &NetIf{
		engine: e,
		name:   dev.Name(),
		mtu:    dev.MTU(),
		frames: fifo.New[[]byte](),
	}
	cfg := ipstack.InterfaceConfig{
		Name: dev.Name(),
		MTU:  dev.MTU(),
		IPv4: dev.IPv4(),
	}
	nif, err := e.AddInterface(cfg, n.output, n.removed)
	if err != nil {
		return nil, fmt.Errorf("netif: add interface %q: %w", cfg.Name, err)
	}
	n.nif = nif

	nif.SetLinkUp()
	nif.SetUp()
	for _, p := range dev.IPv6() {
		if err := nif.AddIPv6Address(p); err != nil {
			n.Close()
			return nil, fmt.Errorf("netif: add %s: %w", p, err)
		}
	}

	log.Infof("[NETIF] interface %d up: name=%q mtu=%d ipv4=%s ipv6=%v",
		nif.Index(), cfg.Name, cfg.MTU, cfg.IPv4, dev.IPv6())
	return n, nil
}

// output runs on the engine's execution context and must not block.
func (n *NetIf) output(_ ipstack.Interface, p ipstack.Buffer) error {
	if n.closed.Load() || !n.frames.Push(pbuf.ToOwned(p)) {
		log.Warnf("[NETIF] frame of %d bytes emitted on closed interface, dropped", p.Len())
		metrics.NetifDropped.Inc()
		return ipstack.ErrIf
	}
	metrics.NetifFrames.WithLabelValues("out").Inc()
	return nil
}

func (n *NetIf) removed() {
	n.frames.Close()
}

// Index returns the interface index the engine assigned.
func (n *NetIf) Index() uint8 {
	return n.nif.Index()
}

func (n *NetIf) Name() string {
	return n.name
}

func (n *NetIf) MTU() int {
	return n.mtu
}

// ReadFrame returns the next frame the engine transmitted, waiting for
// one if necessary. It returns io.EOF once the interface is closed and
// drained.
func (n *NetIf) ReadFrame(ctx context.Context) ([]byte, error) {
	frame, err := n.frames.Pop(ctx)
	if errors.Is(err, fifo.ErrClosed) {
		return nil, io.EOF
	}
	return frame, err
}

// ReadContext copies the next frame into p. A frame that does not fit
// is dropped and reported as io.ErrShortBuffer.
func (n *NetIf) ReadContext(ctx context.Context, p []byte) (int, error) {
	frame, err := n.ReadFrame(ctx)
	if err != nil {
		return 0, err
	}
	if len(frame) > len(p) {
		return 0, io.ErrShortBuffer
	}
	return copy(p, frame), nil
}

func (n *NetIf) Read(p []byte) (int, error) {
	return n.ReadContext(context.Background(), p)
}

// Write injects one frame into the engine.
func (n *NetIf) Write(p []byte) (int, error) {
	if n.closed.Load() {
		return 0, ErrClosed
	}
	buf, err := pbuf.FromOwned(n.engine, p)
	if err != nil {
		return 0, err
	}
	if err := n.nif.Input(buf); err != nil {
		buf.Free()
		return 0, err
	}
	metrics.NetifFrames.WithLabelValues("in").Inc()
	return len(p), nil
}

// Close removes the interface from the engine. Pending frames can still
// be read.
func (n *NetIf) Close() error {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		n.closeErr = n.nif.Remove()
		log.Infof("[NETIF] interface %d removed", n.nif.Index())
	})
	return n.closeErr
}
