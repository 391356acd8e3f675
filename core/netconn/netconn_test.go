package netconn

import (
	"context"
	"errors"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmnx/tunstack/core/ipstack"
	"github.com/fmnx/tunstack/core/ipstack/ipstacktest"
	"github.com/fmnx/tunstack/core/stack"
)

func newTestConn(t *testing.T, typ ipstack.ConnType) (*Netconn, *ipstacktest.Conn, *ipstacktest.Engine) {
	t.Helper()
	e := ipstacktest.New()
	nc, err := New(stack.New(e), typ, 1)
	require.NoError(t, err)
	return nc, e.LastConn(), e
}

func shortCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRegistersContext(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	assert.Same(t, nc.ec, fc.CallbackArg())
	assert.True(t, fc.NonBlocking())
	assert.Equal(t, ipstack.TCP, nc.Type())
}

func TestNewFailsWhenStackFails(t *testing.T) {
	e := ipstacktest.New()
	e.InitErr = errors.New("boom")
	st := stack.New(e)

	_, err := NewTCP(st)
	assert.Error(t, err)
	_, err = NewRaw(st, 1)
	assert.ErrorIs(t, err, stack.ErrInitFailed)
}

func TestDecreaseEventsIgnored(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	fc.Fire(ipstack.RecvMinus, 10)
	fc.Fire(ipstack.SendMinus, 10)

	_, err := nc.WaitRecv(shortCtx(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = nc.WaitSend(shortCtx(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotificationsKeepOrder(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	for i := 1; i <= 5; i++ {
		fc.Fire(ipstack.RecvPlus, i)
		fc.Fire(ipstack.SendPlus, 10*i)
	}
	for i := 1; i <= 5; i++ {
		n, err := nc.WaitRecv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, n)
		n, err = nc.WaitSend(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 10*i, n)
	}
}

func TestZeroLengthRecvReleasesContextOnce(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)

	fc.Fire(ipstack.RecvPlus, 0)
	assert.Nil(t, fc.CallbackArg())

	_, err := nc.WaitRecv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = nc.WaitSend(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// later events find no context and are dropped.
	fc.Fire(ipstack.RecvPlus, 0)
	fc.Fire(ipstack.Error, 0)

	assert.False(t, nc.ec.release())
	require.NoError(t, nc.Close())
	assert.True(t, fc.Deleted())
}

func TestZeroLengthRecvOnListener(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	require.NoError(t, nc.Listen())
	assert.True(t, fc.Listening())
	assert.Equal(t, uint8(DefaultBacklog), fc.Backlog())

	fc.Fire(ipstack.RecvPlus, 0)
	assert.NotNil(t, fc.CallbackArg())

	n, err := nc.WaitRecv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestErrorReachesBothQueues(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	fc.SetErr(ipstack.ErrRst)
	fc.Fire(ipstack.Error, 0)

	_, err := nc.WaitRecv(context.Background())
	assert.ErrorIs(t, err, ipstack.ErrRst)
	_, err = nc.WaitSend(context.Background())
	assert.ErrorIs(t, err, syscall.ECONNRESET)
}

func TestErrorWithoutPendingError(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	fc.Fire(ipstack.Error, 0)
	_, err := nc.WaitSend(context.Background())
	assert.ErrorIs(t, err, ipstack.ErrAbrt)
}

func TestCancelledWaitKeepsNotification(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := nc.WaitRecv(ctx)
		done <- err
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	fc.Fire(ipstack.RecvPlus, 7)
	n, err := nc.WaitRecv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestConnectInProgressIsPending(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	dst := netip.MustParseAddrPort("127.0.0.1:1234")
	require.NoError(t, nc.Connect(dst))
	remote, err := nc.RemoteAddr()
	require.NoError(t, err)
	assert.Equal(t, dst, remote)

	fc.ConnectErr = ipstack.ErrRte
	assert.ErrorIs(t, nc.Connect(dst), ipstack.ErrRte)
}

func TestBind(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	require.NoError(t, nc.BindPort(8080))
	local, err := nc.LocalAddr()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("0.0.0.0:8080"), local)

	require.NoError(t, nc.BindInterface(3))
	assert.Equal(t, uint8(3), fc.InterfaceIndex())

	fc.BindErr = ipstack.ErrUse
	assert.ErrorIs(t, nc.Bind(netip.MustParseAddrPort("10.0.0.1:80")), syscall.EADDRINUSE)
}

func TestRecvDrainsChain(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	fc.QueueRecv([]byte("he"), []byte("ll"), []byte("o"))
	b, err := nc.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
	assert.Equal(t, 1, fc.ChainsDeleted())

	_, err = nc.Recv()
	assert.ErrorIs(t, err, ipstack.ErrWouldBlock)

	fc.SetEOF()
	_, err = nc.Recv()
	assert.ErrorIs(t, err, syscall.ENOTCONN)
}

func TestSendPartialStream(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	fc.SetWriteLimit(3)
	n, err := nc.Send([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = nc.Send([]byte("lo"))
	assert.ErrorIs(t, err, ipstack.ErrWouldBlock)

	fc.SetWriteLimit(-1)
	n, err = nc.Send([]byte("lo"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("hello"), fc.Written())
}

func TestSendRawIsAtomic(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.Raw)
	defer nc.Close()

	n, err := nc.Send(make([]byte, MaxDatagramSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, n)
	assert.Empty(t, fc.Sent())

	n, err = nc.Send([]byte{0x45, 0, 0, 20})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, fc.Sent(), 1)

	fc.SendErr = ipstack.ErrBuf
	_, err = nc.Send([]byte{0x45})
	assert.ErrorIs(t, err, ipstack.ErrBuf)
	assert.Len(t, fc.Sent(), 1)
}

func TestShutdownWrite(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)
	defer nc.Close()

	require.NoError(t, nc.ShutdownWrite())
	assert.True(t, fc.ShutdownTx())
}

func TestAcceptWrapsConnection(t *testing.T) {
	nc, fc, e := newTestConn(t, ipstack.TCP)
	defer nc.Close()
	require.NoError(t, nc.Listen())

	_, err := nc.Accept()
	assert.ErrorIs(t, err, ipstack.ErrWouldBlock)

	child := e.NewAccepted(fc)
	got, err := nc.Accept()
	require.NoError(t, err)
	defer got.Close()

	assert.Same(t, got.ec, child.CallbackArg())
	assert.True(t, child.NonBlocking())

	child.Fire(ipstack.RecvPlus, 4)
	n, err := got.WaitRecv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCloseReleasesOnLastReference(t *testing.T) {
	nc, fc, _ := newTestConn(t, ipstack.TCP)

	nc.Retain()
	require.NoError(t, nc.Close())
	assert.False(t, fc.Deleted())
	assert.NotNil(t, fc.CallbackArg())

	require.NoError(t, nc.Close())
	assert.True(t, fc.Deleted())
	assert.Nil(t, fc.CallbackArg())

	calls := fc.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{"nonblocking", "delete"}, calls[len(calls)-2:])

	_, err := nc.WaitRecv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// a deleted connection is never touched again.
	_, err = nc.Recv()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = nc.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Len(t, fc.Calls(), len(calls))

	assert.ErrorIs(t, nc.Close(), ErrClosed)
}
