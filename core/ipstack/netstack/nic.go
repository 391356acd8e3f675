package netstack

import (
	"math"
	"net/netip"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/fmnx/tunstack/core/ipstack"
	"github.com/fmnx/tunstack/log"
	"github.com/fmnx/tunstack/metrics"
)

var _ ipstack.Interface = (*nic)(nil)

// nic is a gVisor NIC backed by a channel link endpoint. Outbound
// packets are drained from the channel on write notification and passed
// to the output hook.
type nic struct {
	s  *stack.Stack
	id tcpip.NICID
	ep *channel.Endpoint

	handle   *channel.NotificationHandle
	output   ipstack.OutputFunc
	onRemove func()

	outMu   sync.Mutex
	removed atomic.Bool
}

func (e *Engine) AddInterface(cfg ipstack.InterfaceConfig, output ipstack.OutputFunc, onRemove func()) (ipstack.Interface, error) {
	s, err := e.stack()
	if err != nil {
		return nil, err
	}

	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = defaultMTU
	}

	// the id stays reserved until the NIC exists.
	e.nicMu.Lock()
	defer e.nicMu.Unlock()
	id, ok := freeNICID(s)
	if !ok {
		return nil, ipstack.ErrIf
	}

	n := &nic{
		s:        s,
		id:       id,
		ep:       channel.New(e.opts.QueueSize, uint32(mtu), ""),
		output:   output,
		onRemove: onRemove,
	}
	n.handle = n.ep.AddNotify(n)

	// created disabled, SetUp enables it.
	if err := s.CreateNICWithOptions(id, n.ep, stack.NICOptions{Disabled: true}); err != nil {
		n.ep.RemoveNotify(n.handle)
		return nil, convertError(err)
	}
	if e.opts.Promiscuous {
		if err := s.SetPromiscuousMode(id, true); err != nil {
			n.destroy()
			return nil, convertError(err)
		}
	}
	if e.opts.Spoofing {
		if err := s.SetSpoofing(id, true); err != nil {
			n.destroy()
			return nil, convertError(err)
		}
	}
	if cfg.IPv4.IsValid() {
		if err := n.addAddress(cfg.IPv4); err != nil {
			n.destroy()
			return nil, err
		}
	}
	return n, nil
}

// freeNICID returns the lowest unused id that fits the engine's 8-bit
// interface index.
func freeNICID(s *stack.Stack) (tcpip.NICID, bool) {
	for id := tcpip.NICID(1); id <= math.MaxUint8; id++ {
		if !s.HasNIC(id) {
			return id, true
		}
	}
	return 0, false
}

func (n *nic) Index() uint8 { return uint8(n.id) }

// SetLinkUp is a no-op: a channel endpoint is always attached.
func (n *nic) SetLinkUp() {}

func (n *nic) SetUp() {
	// the id may already belong to another interface.
	if n.removed.Load() {
		return
	}
	_ = n.s.EnableNIC(n.id)
}

func (n *nic) AddIPv6Address(p netip.Prefix) error {
	if n.removed.Load() {
		return ipstack.ErrIf
	}
	if !p.Addr().Is6() {
		return ipstack.ErrVal
	}
	return n.addAddress(p)
}

func (n *nic) addAddress(p netip.Prefix) error {
	proto := ipv4.ProtocolNumber
	if p.Addr().Is6() {
		proto = ipv6.ProtocolNumber
	}
	pa := tcpip.ProtocolAddress{
		Protocol: proto,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFromSlice(p.Addr().AsSlice()),
			PrefixLen: p.Bits(),
		},
	}
	// the unspecified address only installs a route.
	if !p.Addr().IsUnspecified() {
		if err := n.s.AddProtocolAddress(n.id, pa, stack.AddressProperties{}); err != nil {
			return convertError(err)
		}
	}
	n.s.AddRoute(tcpip.Route{Destination: pa.AddressWithPrefix.Subnet(), NIC: n.id})
	return nil
}

// Input injects one IP packet. The protocol is taken from the version
// nibble; anything else is consumed and dropped, as the stack does with
// malformed IP packets.
func (n *nic) Input(p ipstack.Buffer) error {
	if n.removed.Load() {
		return ipstack.ErrIf
	}
	frame := make([]byte, p.Len())
	p.CopyOut(frame, 0)

	var proto tcpip.NetworkProtocolNumber
	switch header.IPVersion(frame) {
	case header.IPv4Version:
		proto = header.IPv4ProtocolNumber
	case header.IPv6Version:
		proto = header.IPv6ProtocolNumber
	default:
		metrics.NetifInvalid.Inc()
		log.Debugf("[NETIF] interface %d: dropped %d byte non-IP frame", n.id, len(frame))
		p.Free()
		return nil
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame),
	})
	n.ep.InjectInbound(proto, pkt)
	pkt.DecRef()
	p.Free()
	return nil
}

// WriteNotify implements channel.Notification.
func (n *nic) WriteNotify() {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	for {
		pkt := n.ep.Read()
		if pkt.IsNil() {
			return
		}
		view := pkt.ToView()
		pkt.DecRef()

		if n.removed.Load() {
			view.Release()
			continue
		}
		b := &packetBuffer{b: view.AsSlice(), release: view.Release}
		_ = n.output(n, b)
		b.Free()
	}
}

func (n *nic) Remove() error {
	if !n.removed.CompareAndSwap(false, true) {
		return ipstack.ErrIf
	}
	err := n.destroy()
	if n.onRemove != nil {
		n.onRemove()
	}
	return err
}

func (n *nic) destroy() error {
	n.removed.Store(true)
	n.ep.RemoveNotify(n.handle)
	return convertError(n.s.RemoveNIC(n.id))
}
