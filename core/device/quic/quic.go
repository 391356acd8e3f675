// Package quic carries frames as unreliable QUIC datagrams, one
// datagram per frame.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// Driver is the driver name for QUIC devices.
	Driver = "quic"

	// NextProto is the ALPN protocol both ends negotiate.
	NextProto = "tunstack-frames"

	// packetSize is the UDP payload size used from the first packet on.
	packetSize = 1350

	// MTU is the largest frame one datagram carries at packetSize. It
	// stays above the IPv6 minimum link MTU.
	MTU = packetSize - 1 - 20 - 16
)

// ErrFrameTooLarge is returned by Write for frames over MTU.
var ErrFrameTooLarge = fmt.Errorf("quic: frame larger than %d bytes", MTU)

func config() *quic.Config {
	return &quic.Config{
		EnableDatagrams:   true,
		InitialPacketSize: packetSize,
		KeepAlivePeriod:   15 * time.Second,
		MaxIdleTimeout:    time.Minute,
	}
}

func withProto(tlsConf *tls.Config) *tls.Config {
	c := tlsConf.Clone()
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{NextProto}
	}
	return c
}

// Conn is a frame stream over one QUIC connection.
type Conn struct {
	conn quic.Connection
}

// Dial connects to a QUIC peer at addr.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (*Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, withProto(tlsConf), config())
	if err != nil {
		return nil, fmt.Errorf("quic: dial %s: %w", addr, err)
	}
	if !conn.ConnectionState().SupportsDatagrams {
		conn.CloseWithError(0, "datagrams required")
		return nil, fmt.Errorf("quic: %s does not support datagrams", addr)
	}
	return &Conn{conn: conn}, nil
}

// Listener accepts frame streams from QUIC peers.
type Listener struct {
	ln *quic.Listener
}

// Listen starts accepting QUIC connections on addr.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, withProto(tlsConf), config())
	if err != nil {
		return nil, fmt.Errorf("quic: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p)
}

// ReadContext returns the next datagram.
func (c *Conn) ReadContext(ctx context.Context, p []byte) (int, error) {
	b, err := c.conn.ReceiveDatagram(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
			return 0, io.EOF
		}
		return 0, err
	}
	if len(b) > len(p) {
		return 0, io.ErrShortBuffer
	}
	return copy(p, b), nil
}

func (c *Conn) Write(p []byte) (int, error) {
	if len(p) > MTU {
		return 0, ErrFrameTooLarge
	}
	if err := c.conn.SendDatagram(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Close() error {
	return c.conn.CloseWithError(0, "")
}
