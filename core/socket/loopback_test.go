package socket_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmnx/tunstack/core/device/loopback"
	"github.com/fmnx/tunstack/core/ipstack/netstack"
	"github.com/fmnx/tunstack/core/netif"
	"github.com/fmnx/tunstack/core/socket"
	"github.com/fmnx/tunstack/core/stack"
)

// loopbackStack returns a stack with a loopback device registered and
// pumped.
func loopbackStack(t *testing.T) (*stack.Stack, *netif.NetDevice) {
	t.Helper()
	st := stack.New(netstack.New())
	nd, err := netif.NewDevice(st, loopback.Device())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		nd.Drive(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		nd.Close()
	})
	return st, nd
}

func echoServer(t *testing.T, l *socket.Listener) {
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
}

func TestEchoOverLoopback(t *testing.T) {
	st, _ := loopbackStack(t)
	addr := netip.MustParseAddrPort("127.0.0.1:1234")

	l, err := socket.Listen(st, addr)
	require.NoError(t, err)
	defer l.Close()
	echoServer(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		c, err := socket.Dial(ctx, st, addr)
		require.NoError(t, err, "round %d", i)

		_, err = c.WriteContext(ctx, []byte("hello"))
		require.NoError(t, err)

		buf := make([]byte, 5)
		var got int
		for got < len(buf) {
			n, err := c.ReadContext(ctx, buf[got:])
			require.NoError(t, err)
			got += n
		}
		assert.Equal(t, "hello", string(buf))
		assert.Equal(t, "127.0.0.1:1234", c.RemoteAddr().String())
		require.NoError(t, c.Close())
	}
}

func TestHalfCloseReadsEOF(t *testing.T) {
	st, _ := loopbackStack(t)
	l, err := socket.ListenPort(st, 2345)
	require.NoError(t, err)
	defer l.Close()
	echoServer(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := socket.Dial(ctx, st, netip.MustParseAddrPort("127.0.0.1:2345"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	b, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(b))
}

func TestConnectRefused(t *testing.T) {
	st, _ := loopbackStack(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 200; i++ {
		addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(20000+i))
		_, err := socket.Dial(ctx, st, addr)
		require.Error(t, err, "port %d", addr.Port())
		assert.True(t, errors.Is(err, syscall.ECONNREFUSED), "port %d: %v", addr.Port(), err)
	}
}

func icmpEcho(src, dst string, id, seq uint16) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload("ping")); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestRawICMPPendingUntilFrame(t *testing.T) {
	st, nd := loopbackStack(t)

	s, err := socket.BindRaw(st, socket.ProtoICMP, nd)
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 1500)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err = s.ReadContext(ctx, buf)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = nd.Write(icmpEcho("10.9.0.2", "127.0.0.1", 7, 1))
	require.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := s.ReadContext(ctx, buf)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeIPv4, gopacket.Default)
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok, "no icmp layer in %x", buf[:n])
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoRequest), icmp.TypeCode.Type())
	assert.Equal(t, uint16(7), icmp.Id)
}

func TestRawSendReachesDevice(t *testing.T) {
	st := stack.New(netstack.New())
	nif, err := netif.New(st, loopback.Device())
	require.NoError(t, err)
	defer nif.Close()

	s, err := socket.BindRaw(st, socket.ProtoICMP, nif)
	require.NoError(t, err)
	defer s.Close()

	frame := icmpEcho("127.0.0.1", "127.0.0.2", 9, 3)
	_, err = s.Write(frame)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := nif.ReadFrame(ctx)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(out, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.2", ip.DstIP.String())
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, uint16(9), icmp.Id)
}

func ExampleDial() {
	st := stack.New(netstack.New())
	nd, err := netif.NewDevice(st, loopback.Device())
	if err != nil {
		panic(err)
	}
	defer nd.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nd.Drive(ctx)

	l, err := socket.ListenPort(st, 7)
	if err != nil {
		panic(err)
	}
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	c, err := socket.Dial(ctx, st, netip.MustParseAddrPort("127.0.0.1:7"))
	if err != nil {
		panic(err)
	}
	defer c.Close()
	c.Write([]byte("hi"))
	buf := make([]byte, 2)
	io.ReadFull(c, buf)
	fmt.Println(string(buf))
	// Output: hi
}
