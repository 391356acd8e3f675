package ipstacktest

import (
	"net/netip"
	"sync"

	"github.com/fmnx/tunstack/core/ipstack"
)

var _ ipstack.Conn = (*Conn)(nil)

// Conn is a scripted engine connection. Every call is recorded so tests
// can check the order of engine calls.
type Conn struct {
	engine *Engine
	typ    ipstack.ConnType
	proto  uint8
	cb     ipstack.Callback

	mu          sync.Mutex
	arg         any
	nonBlocking bool
	calls       []string

	local     netip.AddrPort
	remote    netip.AddrPort
	ifIndex   uint8
	listening bool
	backlog   uint8

	recv       [][][]byte
	recvEOF    bool
	chainsDone int
	accepts    []*Conn
	written    []byte
	writeLimit int
	sent       [][]byte
	shutTx     bool
	shutRx     bool
	err        error
	deleted    bool

	// ConnectErr is returned by Connect. It defaults to ErrInProgress.
	ConnectErr error
	// BindErr is returned by Bind and BindInterface.
	BindErr error
	// SendErr is returned by Send.
	SendErr error
}

func (c *Conn) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *Conn) Type() ipstack.ConnType { return c.typ }

// Proto returns the protocol number the connection was created with.
func (c *Conn) Proto() uint8 { return c.proto }

func (c *Conn) Bind(addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("bind")
	if c.BindErr != nil {
		return c.BindErr
	}
	c.local = addr
	return nil
}

func (c *Conn) BindInterface(index uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("bindif")
	if c.BindErr != nil {
		return c.BindErr
	}
	c.ifIndex = index
	return nil
}

func (c *Conn) Listen(backlog uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("listen")
	c.listening = true
	c.backlog = backlog
	return nil
}

func (c *Conn) Connect(addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("connect")
	c.remote = addr
	return c.ConnectErr
}

func (c *Conn) Accept() (ipstack.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("accept")
	if len(c.accepts) == 0 {
		return nil, ipstack.ErrWouldBlock
	}
	a := c.accepts[0]
	c.accepts = c.accepts[1:]
	return a, nil
}

func (c *Conn) Recv() (ipstack.RecvBuf, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("recv")
	if c.err != nil {
		return nil, c.err
	}
	if len(c.recv) == 0 {
		if c.recvEOF {
			return nil, ipstack.ErrConn
		}
		return nil, ipstack.ErrWouldBlock
	}
	chain := c.recv[0]
	c.recv = c.recv[1:]
	return &recvBuf{conn: c, frags: chain}, nil
}

func (c *Conn) WritePartly(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("write")
	if c.err != nil {
		return 0, c.err
	}
	if c.shutTx {
		return 0, ipstack.ErrConn
	}
	n := len(p)
	if c.writeLimit >= 0 && n > c.writeLimit {
		n = c.writeLimit
	}
	if n == 0 && len(p) > 0 {
		return 0, ipstack.ErrWouldBlock
	}
	if c.writeLimit >= 0 {
		c.writeLimit -= n
	}
	c.written = append(c.written, p[:n]...)
	return n, nil
}

func (c *Conn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("send")
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *Conn) Shutdown(rx, tx bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("shutdown")
	c.shutRx = c.shutRx || rx
	c.shutTx = c.shutTx || tx
	return nil
}

func (c *Conn) LocalAddr() (netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local, nil
}

func (c *Conn) RemoteAddr() (netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remote.IsValid() {
		return netip.AddrPort{}, ipstack.ErrConn
	}
	return c.remote, nil
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) SetNonBlocking(nonBlocking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nonBlocking {
		c.record("nonblocking")
	}
	c.nonBlocking = nonBlocking
}

func (c *Conn) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("delete")
	c.deleted = true
	return nil
}

func (c *Conn) SetCallbackArg(arg any) {
	c.mu.Lock()
	c.arg = arg
	c.mu.Unlock()
}

func (c *Conn) CallbackArg() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arg
}

// Fire invokes the connection callback like the engine would.
func (c *Conn) Fire(evt ipstack.Event, length int) {
	c.cb(c, evt, length)
}

// QueueRecv stages one received chain made of the given fragments.
func (c *Conn) QueueRecv(frags ...[]byte) {
	c.mu.Lock()
	c.recv = append(c.recv, frags)
	c.mu.Unlock()
}

// SetEOF makes Recv report "not connected" once staged data is consumed.
func (c *Conn) SetEOF() {
	c.mu.Lock()
	c.recvEOF = true
	c.mu.Unlock()
}

// SetErr sets the pending connection error.
func (c *Conn) SetErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// SetWriteLimit caps the total number of bytes WritePartly accepts until
// the limit is raised again. A negative limit removes the cap.
func (c *Conn) SetWriteLimit(n int) {
	c.mu.Lock()
	c.writeLimit = n
	c.mu.Unlock()
}

// Written returns the bytes accepted by WritePartly.
func (c *Conn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

// Sent returns the datagrams accepted by Send.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Calls returns the recorded engine calls in order.
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *Conn) NonBlocking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonBlocking
}

func (c *Conn) Deleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

func (c *Conn) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

func (c *Conn) Backlog() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backlog
}

func (c *Conn) ShutdownTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutTx
}

func (c *Conn) InterfaceIndex() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ifIndex
}

// ChainsDeleted returns how many received chains were released.
func (c *Conn) ChainsDeleted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainsDone
}

type recvBuf struct {
	conn  *Conn
	frags [][]byte
	pos   int
	done  bool
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
	if b.done {
		return
	}
	b.done = true
	b.conn.mu.Lock()
	b.conn.chainsDone++
	b.conn.mu.Unlock()
}
