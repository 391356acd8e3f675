package netstack

import (
	"bytes"
	"net/netip"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/fmnx/tunstack/core/ipstack"
)

const eventMask = waiter.ReadableEvents | waiter.WritableEvents | waiter.EventErr | waiter.EventHUp

var _ ipstack.Conn = (*conn)(nil)

// conn adapts a gVisor endpoint to the engine connection contract. TCP
// connections use one dual-stack endpoint; raw connections pair an IPv4
// and an IPv6 raw endpoint that share one waiter queue.
type conn struct {
	typ ipstack.ConnType
	cb  ipstack.Callback

	ep    tcpip.Endpoint
	ep6   tcpip.Endpoint
	wq    *waiter.Queue
	entry waiter.Entry

	argMu sync.Mutex
	arg   any

	nonBlocking atomic.Bool
	listening   atomic.Bool
	deleted     atomic.Bool

	errMu   sync.Mutex
	hardErr tcpip.Error
}

func (e *Engine) NewConn(t ipstack.ConnType, proto uint8, cb ipstack.Callback) (ipstack.Conn, error) {
	s, err := e.stack()
	if err != nil {
		return nil, err
	}

	c := &conn{typ: t, cb: cb, wq: new(waiter.Queue)}
	switch t {
	case ipstack.TCP:
		ep, err := s.NewEndpoint(tcp.ProtocolNumber, ipv6.ProtocolNumber, c.wq)
		if err != nil {
			return nil, convertError(err)
		}
		ep.SocketOptions().SetV6Only(false)
		c.ep = ep
	case ipstack.Raw:
		tp := tcpip.TransportProtocolNumber(proto)
		ep, err := s.NewRawEndpoint(tp, ipv4.ProtocolNumber, c.wq, true)
		if err != nil {
			return nil, convertError(err)
		}
		ep.SocketOptions().SetHeaderIncluded(true)
		c.ep = ep
		// not every protocol number is valid over IPv6.
		if ep6, err := s.NewRawEndpoint(tp, ipv6.ProtocolNumber, c.wq, true); err == nil {
			c.ep6 = ep6
		}
	default:
		return nil, ipstack.ErrArg
	}

	c.register()
	return c, nil
}

func (c *conn) register() {
	c.entry = waiter.NewFunctionEntry(eventMask, c.notify)
	c.wq.EventRegister(&c.entry)
}

// notify translates waiter events into callback invocations. It runs on
// whatever goroutine raised the event and never calls into the endpoint.
func (c *conn) notify(mask waiter.EventMask) {
	if c.deleted.Load() {
		return
	}
	if mask&waiter.EventErr != 0 {
		c.cb(c, ipstack.Error, 0)
	}
	if mask&waiter.ReadableEvents != 0 {
		// gVisor does not report how much arrived.
		c.cb(c, ipstack.RecvPlus, 1)
	}
	if mask&waiter.EventHUp != 0 && !c.listening.Load() {
		c.cb(c, ipstack.RecvPlus, 0)
	}
	if mask&waiter.WritableEvents != 0 {
		c.cb(c, ipstack.SendPlus, 0)
	}
}

// do runs op once in non-blocking mode. In blocking mode it waits on the
// endpoint's queue for mask and retries until op stops reporting
// would-block.
func (c *conn) do(mask waiter.EventMask, op func() tcpip.Error) tcpip.Error {
	err := op()
	if !isWouldBlock(err) || c.nonBlocking.Load() {
		return err
	}

	e, ch := waiter.NewChannelEntry(mask)
	c.wq.EventRegister(&e)
	defer c.wq.EventUnregister(&e)
	for {
		if err = op(); !isWouldBlock(err) {
			return err
		}
		<-ch
	}
}

func (c *conn) Type() ipstack.ConnType { return c.typ }

func (c *conn) endpoints() []tcpip.Endpoint {
	if c.ep6 != nil {
		return []tcpip.Endpoint{c.ep, c.ep6}
	}
	return []tcpip.Endpoint{c.ep}
}

// endpointFor picks the raw endpoint matching addr's family.
func (c *conn) endpointFor(addr netip.Addr) (tcpip.Endpoint, error) {
	if c.typ != ipstack.Raw || addr.Unmap().Is4() {
		return c.ep, nil
	}
	if c.ep6 == nil {
		return nil, ipstack.ErrVal
	}
	return c.ep6, nil
}

func (c *conn) Bind(addr netip.AddrPort) error {
	if c.typ == ipstack.Raw && (!addr.Addr().IsValid() || addr.Addr().IsUnspecified()) {
		return nil
	}
	ep, err := c.endpointFor(addr.Addr())
	if err != nil {
		return err
	}
	return convertError(ep.Bind(fullAddress(addr)))
}

func (c *conn) BindInterface(index uint8) error {
	for _, ep := range c.endpoints() {
		if err := ep.SocketOptions().SetBindToDevice(int32(index)); err != nil {
			return convertError(err)
		}
	}
	return nil
}

func (c *conn) Listen(backlog uint8) error {
	if c.typ != ipstack.TCP {
		return ipstack.ErrVal
	}
	c.listening.Store(true)
	return convertError(c.ep.Listen(int(backlog)))
}

func (c *conn) Connect(addr netip.AddrPort) error {
	ep, err := c.endpointFor(addr.Addr())
	if err != nil {
		return err
	}
	if c.nonBlocking.Load() {
		return convertError(ep.Connect(fullAddress(addr)))
	}

	e, ch := waiter.NewChannelEntry(waiter.WritableEvents | waiter.EventErr | waiter.EventHUp)
	c.wq.EventRegister(&e)
	defer c.wq.EventUnregister(&e)
	terr := ep.Connect(fullAddress(addr))
	if _, ok := terr.(*tcpip.ErrConnectStarted); ok {
		<-ch
		return c.Err()
	}
	return convertError(terr)
}

func (c *conn) Accept() (ipstack.Conn, error) {
	if !c.listening.Load() {
		return nil, ipstack.ErrVal
	}
	var (
		nep tcpip.Endpoint
		nwq *waiter.Queue
	)
	err := c.do(waiter.ReadableEvents, func() (err tcpip.Error) {
		nep, nwq, err = c.ep.Accept(nil)
		return err
	})
	if err != nil {
		return nil, convertError(err)
	}
	nc := &conn{typ: c.typ, cb: c.cb, ep: nep, wq: nwq}
	nc.register()
	return nc, nil
}

func (c *conn) Recv() (ipstack.RecvBuf, error) {
	var w fragmentWriter
	err := c.do(waiter.ReadableEvents, func() tcpip.Error {
		var err tcpip.Error
		for _, ep := range c.endpoints() {
			if _, err = ep.Read(&w, tcpip.ReadOptions{}); !isWouldBlock(err) {
				return err
			}
		}
		return err
	})
	if err != nil {
		return nil, convertError(err)
	}
	return w.chain(), nil
}

func (c *conn) WritePartly(p []byte) (int, error) {
	if c.typ != ipstack.TCP {
		return 0, ipstack.ErrVal
	}
	var n int64
	err := c.do(waiter.WritableEvents, func() (err tcpip.Error) {
		n, err = c.ep.Write(bytes.NewReader(p), tcpip.WriteOptions{})
		return err
	})
	return int(n), convertError(err)
}

// Send writes one IP packet. IPv4 packets go out as is; IPv6 packets
// are reduced to their payload since gVisor builds the IPv6 header
// itself. Extension headers are not preserved.
func (c *conn) Send(p []byte) error {
	if c.typ != ipstack.Raw {
		return ipstack.ErrVal
	}

	var (
		ep      tcpip.Endpoint
		payload []byte
		to      tcpip.FullAddress
	)
	switch header.IPVersion(p) {
	case header.IPv4Version:
		if len(p) < header.IPv4MinimumSize {
			return ipstack.ErrVal
		}
		ep, payload = c.ep, p
		to.Addr = header.IPv4(p).DestinationAddress()
	case header.IPv6Version:
		if len(p) < header.IPv6MinimumSize || c.ep6 == nil {
			return ipstack.ErrVal
		}
		ep, payload = c.ep6, p[header.IPv6MinimumSize:]
		to.Addr = header.IPv6(p).DestinationAddress()
	default:
		return ipstack.ErrVal
	}

	err := c.do(waiter.WritableEvents, func() tcpip.Error {
		_, err := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{To: &to})
		return err
	})
	return convertError(err)
}

func (c *conn) Shutdown(rx, tx bool) error {
	var flags tcpip.ShutdownFlags
	if rx {
		flags |= tcpip.ShutdownRead
	}
	if tx {
		flags |= tcpip.ShutdownWrite
	}
	return convertError(c.ep.Shutdown(flags))
}

func (c *conn) LocalAddr() (netip.AddrPort, error) {
	fa, err := c.ep.GetLocalAddress()
	if err != nil {
		return netip.AddrPort{}, convertError(err)
	}
	return addrPort(fa), nil
}

func (c *conn) RemoteAddr() (netip.AddrPort, error) {
	fa, err := c.ep.GetRemoteAddress()
	if err != nil {
		return netip.AddrPort{}, convertError(err)
	}
	return addrPort(fa), nil
}

// Err returns the first hard error the endpoint reported. gVisor clears
// an error once read; the connection keeps it.
func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.hardErr == nil {
		for _, ep := range c.endpoints() {
			if err := ep.LastError(); err != nil {
				c.hardErr = err
				break
			}
		}
	}
	return convertError(c.hardErr)
}

func (c *conn) SetNonBlocking(nonBlocking bool) {
	c.nonBlocking.Store(nonBlocking)
}

func (c *conn) Delete() error {
	if !c.deleted.CompareAndSwap(false, true) {
		return ipstack.ErrClsd
	}
	c.wq.EventUnregister(&c.entry)
	for _, ep := range c.endpoints() {
		ep.Close()
	}
	return nil
}

func (c *conn) SetCallbackArg(arg any) {
	c.argMu.Lock()
	c.arg = arg
	c.argMu.Unlock()
}

func (c *conn) CallbackArg() any {
	c.argMu.Lock()
	defer c.argMu.Unlock()
	return c.arg
}

func fullAddress(ap netip.AddrPort) tcpip.FullAddress {
	fa := tcpip.FullAddress{Port: ap.Port()}
	if a := ap.Addr().Unmap(); a.IsValid() && !a.IsUnspecified() {
		fa.Addr = tcpip.AddrFromSlice(a.AsSlice())
	}
	return fa
}

func addrPort(fa tcpip.FullAddress) netip.AddrPort {
	addr, ok := netip.AddrFromSlice(fa.Addr.AsSlice())
	if !ok {
		addr = netip.IPv4Unspecified()
	}
	return netip.AddrPortFrom(addr.Unmap(), fa.Port)
}

// fragmentWriter collects what an endpoint read hands it, one fragment
// per Write call.
type fragmentWriter struct {
	frags [][]byte
}

func (w *fragmentWriter) Write(p []byte) (int, error) {
	w.frags = append(w.frags, append([]byte(nil), p...))
	return len(p), nil
}

func (w *fragmentWriter) chain() *recvBuf {
	return &recvBuf{frags: w.frags}
}

type recvBuf struct {
	frags [][]byte
	pos   int
}

func (b *recvBuf) Data() []byte {
	if b.pos >= len(b.frags) {
		return nil
	}
	return b.frags[b.pos]
}

func (b *recvBuf) Next() bool {
	if b.pos+1 >= len(b.frags) {
		return false
	}
	b.pos++
	return true
}

func (b *recvBuf) Delete() {
	b.frags = nil
	b.pos = 0
}
