// Package netstack implements ipstack.Engine on top of the gVisor
// userspace TCP/IP stack.
package netstack

import (
	"errors"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/raw"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/fmnx/tunstack/core/ipstack"
)

const (
	// maxBufferSize is the largest buffer AllocBuffer hands out, the
	// largest IP packet without jumbograms.
	maxBufferSize = 0xffff

	defaultMTU       = 1500
	defaultQueueSize = 512
)

var errNotInitialized = errors.New("netstack: engine not initialized")

// Options tunes the engine.
type Options struct {
	// Promiscuous makes every interface accept packets addressed to any
	// destination, not only its own addresses.
	Promiscuous bool
	// Spoofing lets connections send from addresses no interface owns.
	Spoofing bool
	// QueueSize is the depth of each interface's outbound channel.
	QueueSize int
}

func DefaultOptions() Options {
	return Options{
		Promiscuous: true,
		Spoofing:    true,
		QueueSize:   defaultQueueSize,
	}
}

var _ ipstack.Engine = (*Engine)(nil)

type Engine struct {
	opts Options

	mu sync.RWMutex
	s  *stack.Stack

	// nicMu serializes interface creation.
	nicMu sync.Mutex
}

func New() *Engine {
	return NewWithOptions(DefaultOptions())
}

func NewWithOptions(opts Options) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Engine{opts: opts}
}

// Init creates the underlying stack. Frames addressed to local
// addresses are not short-circuited: they always leave through the
// owning interface so a device can carry them.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s != nil {
		return errors.New("netstack: engine already initialized")
	}

	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocolWithOptions(ipv4.Options{AllowExternalLoopbackTraffic: true}),
			ipv6.NewProtocolWithOptions(ipv6.Options{AllowExternalLoopbackTraffic: true}),
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
			icmp.NewProtocol6,
		},
		RawFactory:  raw.EndpointFactory{},
		HandleLocal: false,
	})

	sack := tcpip.TCPSACKEnabled(true)
	if err := s.SetTransportProtocolOption(tcp.ProtocolNumber, &sack); err != nil {
		s.Close()
		return convertError(err)
	}

	e.s = s
	return nil
}

// Close tears the stack down. The engine cannot be initialized again.
func (e *Engine) Close() {
	e.mu.Lock()
	s := e.s
	e.mu.Unlock()
	if s != nil {
		s.Close()
		s.Wait()
	}
}

func (e *Engine) stack() (*stack.Stack, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.s == nil {
		return nil, errNotInitialized
	}
	return e.s, nil
}

func (e *Engine) AllocBuffer(size int) (ipstack.Buffer, error) {
	if size < 0 || size > maxBufferSize {
		return nil, ipstack.ErrBuf
	}
	return &packetBuffer{b: make([]byte, size)}, nil
}

type packetBuffer struct {
	b       []byte
	release func()
}

func (p *packetBuffer) Len() int { return len(p.b) }

func (p *packetBuffer) CopyOut(dst []byte, offset int) int {
	if offset < 0 || offset >= len(p.b) {
		return 0
	}
	return copy(dst, p.b[offset:])
}

func (p *packetBuffer) CopyIn(src []byte) error {
	if len(src) > len(p.b) {
		return ipstack.ErrArg
	}
	copy(p.b, src)
	return nil
}

func (p *packetBuffer) Free() {
	p.b = nil
	if p.release != nil {
		p.release()
		p.release = nil
	}
}
