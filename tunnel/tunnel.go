// Package tunnel runs services on stream connections accepted from the
// stack, dispatching each by its local port.
package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fmnx/tunstack/core/adapter"
	"github.com/fmnx/tunstack/core/socket"
	"github.com/fmnx/tunstack/log"
	"github.com/fmnx/tunstack/metrics"
)

const (
	// tcpConnectTimeout is the default timeout for upstream TCP handshakes.
	tcpConnectTimeout = 5 * time.Second
	// tcpWaitTimeout implements a TCP half-close timeout.
	tcpWaitTimeout = 60 * time.Second
)

// Service handles one accepted connection. The tunnel closes conn
// after Serve returns.
type Service interface {
	Name() string
	Serve(ctx context.Context, conn adapter.TCPConn) error
}

var _ adapter.TransportHandler = (*Tunnel)(nil)

type Tunnel struct {
	// Unbuffered TCP queue.
	tcpQueue chan adapter.TCPConn

	servicesMu sync.RWMutex
	services   map[uint16]Service

	procOnce   sync.Once
	procCtx    context.Context
	procCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New() *Tunnel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tunnel{
		tcpQueue:   make(chan adapter.TCPConn),
		services:   make(map[uint16]Service),
		procCtx:    ctx,
		procCancel: cancel,
	}
}

// Register routes connections accepted on port to s.
func (t *Tunnel) Register(port uint16, s Service) {
	t.servicesMu.Lock()
	t.services[port] = s
	t.servicesMu.Unlock()
}

func (t *Tunnel) service(port uint16) Service {
	t.servicesMu.RLock()
	defer t.servicesMu.RUnlock()
	return t.services[port]
}

// TCPIn return fan-in TCP queue.
func (t *Tunnel) TCPIn() chan<- adapter.TCPConn {
	return t.tcpQueue
}

// HandleTCP hands conn to the dispatcher. The connection is closed if
// the tunnel is already closed.
func (t *Tunnel) HandleTCP(conn adapter.TCPConn) {
	select {
	case t.TCPIn() <- conn:
	case <-t.procCtx.Done():
		conn.Close()
	}
}

func (t *Tunnel) process(ctx context.Context) {
	for {
		select {
		case conn := <-t.tcpQueue:
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.handleTCPConn(ctx, conn)
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tunnel) handleTCPConn(ctx context.Context, conn adapter.TCPConn) {
	defer conn.Close()

	id := conn.ID()
	s := t.service(id.Local.Port())
	if s == nil {
		log.Warnf("[TUNNEL] %s: no service on port %d", id, id.Local.Port())
		return
	}
	metrics.TunnelConns.WithLabelValues(s.Name()).Inc()

	// closing the connection unblocks the service on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Debugf("[TUNNEL] %s: %s", id, s.Name())
	if err := s.Serve(ctx, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warnf("[TUNNEL] %s: %s: %v", id, s.Name(), err)
	}
}

// ProcessAsync can be safely called multiple times, but will only be effective once.
func (t *Tunnel) ProcessAsync() {
	t.procOnce.Do(func() {
		// the dispatcher holds wg while it may still add handlers.
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.process(t.procCtx)
		}()
	})
}

// Serve accepts connections from l until l is closed or ctx ends.
func (t *Tunnel) Serve(ctx context.Context, l *socket.Listener) error {
	for {
		conn, err := l.AcceptContext(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		t.HandleTCP(conn)
	}
}

// Close stops dispatching and waits for running services, which see
// their connections closed.
func (t *Tunnel) Close() {
	t.procCancel()
	// no dispatcher starts after Close.
	t.procOnce.Do(func() {})
	t.wg.Wait()
}
