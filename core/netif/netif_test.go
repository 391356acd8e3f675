package netif

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmnx/tunstack/core/device"
	"github.com/fmnx/tunstack/core/device/pipe"
	"github.com/fmnx/tunstack/core/ipstack"
	"github.com/fmnx/tunstack/core/ipstack/ipstacktest"
	"github.com/fmnx/tunstack/core/stack"
	"github.com/fmnx/tunstack/metrics"
)

func newDevice(t *testing.T, b *device.Builder) (device.Device, *pipe.End) {
	t.Helper()
	end, peer := pipe.Pair()
	d, err := b.Build(end)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, peer
}

func newNetIf(t *testing.T) (*NetIf, *ipstacktest.Interface, *ipstacktest.Engine) {
	t.Helper()
	e := ipstacktest.New()
	d, _ := newDevice(t, device.NewBuilder())
	n, err := New(stack.New(e), d)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, e.Interfaces()[0], e
}

func TestNewRegistersInterface(t *testing.T) {
	e := ipstacktest.New()
	b := device.NewBuilder().
		WithMTU(1400).
		WithIPv4(netip.MustParsePrefix("10.1.0.1/24")).
		AddIPv6(netip.MustParsePrefix("fd00::1/64")).
		WithName("tun7")
	d, _ := newDevice(t, b)

	n, err := New(stack.New(e), d)
	require.NoError(t, err)
	defer n.Close()

	require.Len(t, e.Interfaces(), 1)
	nif := e.Interfaces()[0]
	assert.True(t, nif.IsUp())
	assert.Equal(t, ipstack.InterfaceConfig{
		Name: "tun7",
		MTU:  1400,
		IPv4: netip.MustParsePrefix("10.1.0.1/24"),
	}, nif.Config)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("fd00::1/64")}, nif.IPv6())
	assert.Equal(t, nif.Index(), n.Index())
}

func TestNewFailsWithStack(t *testing.T) {
	e := ipstacktest.New()
	e.InitErr = errors.New("no engine")
	d, _ := newDevice(t, device.NewBuilder())

	_, err := New(stack.New(e), d)
	assert.Error(t, err)
	assert.Empty(t, e.Interfaces())
}

func TestOutputQueuesCopies(t *testing.T) {
	n, nif, _ := newNetIf(t)

	frame := []byte{0x45, 1, 2, 3}
	require.NoError(t, nif.Transmit(frame))
	require.NoError(t, nif.Transmit([]byte{0x45, 9}))
	frame[1] = 0xff

	got, err := n.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 1, 2, 3}, got)

	buf := make([]byte, 64)
	k, err := n.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 9}, buf[:k])
}

func TestReadWaitsForFrame(t *testing.T) {
	n, nif, _ := newNetIf(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := n.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		nif.Transmit([]byte("late"))
	}()
	got, err := n.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", string(got))
}

func TestReadShortBuffer(t *testing.T) {
	n, nif, _ := newNetIf(t)
	require.NoError(t, nif.Transmit(make([]byte, 100)))

	_, err := n.Read(make([]byte, 10))
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestWriteInjects(t *testing.T) {
	n, nif, _ := newNetIf(t)

	k, err := n.Write([]byte("inbound"))
	require.NoError(t, err)
	assert.Equal(t, 7, k)
	assert.Equal(t, [][]byte{[]byte("inbound")}, nif.Inputs())
}

func TestWriteSurfacesEngineErrors(t *testing.T) {
	n, nif, e := newNetIf(t)

	e.AllocErr = ipstack.ErrMem
	_, err := n.Write([]byte("x"))
	assert.ErrorIs(t, err, ipstack.ErrMem)

	e.AllocErr = nil
	nif.InputErr = ipstack.ErrIf
	_, err = n.Write([]byte("x"))
	assert.ErrorIs(t, err, ipstack.ErrIf)
	assert.Empty(t, nif.Inputs())
}

func TestCloseRemovesInterface(t *testing.T) {
	n, nif, _ := newNetIf(t)
	require.NoError(t, nif.Transmit([]byte("pending")))

	require.NoError(t, n.Close())
	assert.True(t, nif.Removed())
	assert.NoError(t, n.Close())

	dropped := testutil.ToFloat64(metrics.NetifDropped)
	assert.ErrorIs(t, nif.Transmit([]byte("late")), ipstack.ErrIf)
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.NetifDropped))

	// frames queued before removal are still delivered.
	got, err := n.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", string(got))
	_, err = n.ReadFrame(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	_, err = n.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDrive(t *testing.T) {
	e := ipstacktest.New()
	d, peer := newDevice(t, device.NewBuilder())
	nd, err := NewDevice(stack.New(e), d)
	require.NoError(t, err)
	nif := e.Interfaces()[0]

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := nd.Drive(ctx)
		done <- err
	}()

	require.NoError(t, nif.Transmit([]byte("out")))
	buf := make([]byte, 16)
	k, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "out", string(buf[:k]))

	_, err = peer.Write([]byte("in"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(nif.Inputs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "in", string(nif.Inputs()[0]))

	cancel()
	assert.NoError(t, <-done)
	require.NoError(t, nd.Close())
	assert.True(t, nif.Removed())
}
