package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fmnx/tunstack/core/adapter"
	"github.com/fmnx/tunstack/dialer"
	"github.com/fmnx/tunstack/log"
)

// greeting is what the greet service sends before reading the reply.
const greeting = "HELO"

// maxReply bounds how much of a greet reply is read.
const maxReply = 64 << 10

// Echo writes everything it reads back to the peer.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Serve(_ context.Context, conn adapter.TCPConn) error {
	if _, err := io.Copy(conn, conn); err != nil {
		return err
	}
	return conn.CloseWrite()
}

// Greet sends a greeting, half-closes and logs what the peer answers.
type Greet struct{}

func (Greet) Name() string { return "greet" }

func (Greet) Serve(_ context.Context, conn adapter.TCPConn) error {
	if _, err := conn.Write([]byte(greeting)); err != nil {
		return err
	}
	if err := conn.CloseWrite(); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(tcpWaitTimeout))
	reply, err := io.ReadAll(io.LimitReader(conn, maxReply))
	if err != nil {
		return err
	}
	log.Infof("[TUNNEL] %s replied to greeting: %q", conn.ID().Remote, reply)
	return nil
}

// Forward relays connections to an upstream address.
type Forward struct {
	Upstream string

	// Dial defaults to dialer.DialContext.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

func (f *Forward) Name() string { return "forward" }

func (f *Forward) Serve(ctx context.Context, conn adapter.TCPConn) error {
	dial := f.Dial
	if dial == nil {
		dial = dialer.DialContext
	}

	dctx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	defer cancel()
	remote, err := dial(dctx, "tcp", f.Upstream)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", f.Upstream, err)
	}
	defer remote.Close()

	log.Infof("[TUNNEL] %s <-> %s", conn.ID(), f.Upstream)
	return pipe(conn, remote)
}

// pipe copies data between both connections until each direction
// reaches end of stream, and returns the first error.
func pipe(origin, remote net.Conn) error {
	var g errgroup.Group
	g.Go(func() error { return unidirectional(remote, origin) })
	g.Go(func() error { return unidirectional(origin, remote) })
	return g.Wait()
}

func unidirectional(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	// half-close the write side and bound how long the peer may linger.
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	dst.SetReadDeadline(time.Now().Add(tcpWaitTimeout))
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
