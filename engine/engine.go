// Package engine wires a device, the stack and the services together
// for the command line.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fmnx/tunstack/core/netif"
	"github.com/fmnx/tunstack/core/socket"
	"github.com/fmnx/tunstack/core/stack"
	"github.com/fmnx/tunstack/dialer"
	"github.com/fmnx/tunstack/log"
	"github.com/fmnx/tunstack/metrics"
	"github.com/fmnx/tunstack/tunnel"
)

var (
	mu sync.Mutex

	// current is the running engine, nil when stopped.
	current *running

	// Stack is the stack the engine registers its device with.
	Stack = stack.Default
)

type running struct {
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	device    *netif.NetDevice
	tunnel    *tunnel.Tunnel
	listeners []*socket.Listener
	responder *tunnel.ICMPResponder
	metrics   *metrics.Server
}

// Start brings up the device and every configured service.
func Start(cfg *Config) (err error) {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return errors.New("engine: already started")
	}

	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if err := setupDialer(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel}
	defer func() {
		if err != nil {
			r.stop()
		}
	}()

	if cfg.Metrics != "" {
		if r.metrics, err = metrics.Listen(cfg.Metrics); err != nil {
			return err
		}
		r.goFunc(func() {
			if err := r.metrics.Serve(ctx); err != nil {
				log.Errorf("[ENGINE] metrics server: %v", err)
			}
		})
	}

	dev, err := parseDevice(ctx, cfg)
	if err != nil {
		return err
	}
	st := Stack()
	if r.device, err = netif.NewDevice(st, dev); err != nil {
		dev.Close()
		return err
	}
	r.goFunc(func() {
		stats, err := r.device.Drive(ctx)
		if err != nil {
			log.Errorf("[ENGINE] %s://%s: %v", dev.Type(), dev.Name(), err)
		}
		log.Infof("[ENGINE] %s://%s stopped: %d bytes out, %d bytes in", dev.Type(), dev.Name(), stats.AToB, stats.BToA)
	})

	r.tunnel = tunnel.New()
	for _, sc := range cfg.Services {
		s, err := newService(sc)
		if err != nil {
			return err
		}
		l, err := socket.ListenPort(st, sc.Port)
		if err != nil {
			return fmt.Errorf("engine: listen on port %d: %w", sc.Port, err)
		}
		r.listeners = append(r.listeners, l)
		r.tunnel.Register(sc.Port, s)
		r.goFunc(func() {
			if err := r.tunnel.Serve(ctx, l); err != nil {
				log.Errorf("[ENGINE] %s on port %d: %v", s.Name(), sc.Port, err)
			}
		})
		log.Infof("[ENGINE] %s listening on port %d", s.Name(), sc.Port)
	}
	r.tunnel.ProcessAsync()

	if cfg.ICMP != nil && cfg.ICMP.Enable {
		if r.responder, err = tunnel.NewICMPResponder(st, r.device, cfg.ICMP.Reply); err != nil {
			return err
		}
		r.goFunc(func() {
			if err := r.responder.Run(ctx); err != nil {
				log.Errorf("[ENGINE] icmp responder: %v", err)
			}
		})
	}

	log.Infof("[ENGINE] %s://%s up as interface %d (mtu %d, %s)",
		dev.Type(), dev.Name(), r.device.Index(), dev.MTU(), dev.IPv4())
	current = r
	return nil
}

func (r *running) goFunc(f func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f()
	}()
}

// stop tears down in reverse order of Start.
func (r *running) stop() error {
	r.cancel()
	var errs []error
	if r.responder != nil {
		errs = append(errs, r.responder.Close())
	}
	for _, l := range r.listeners {
		errs = append(errs, l.Close())
	}
	if r.tunnel != nil {
		r.tunnel.Close()
	}
	if r.device != nil {
		errs = append(errs, r.device.Close())
	}
	r.wg.Wait()
	return errors.Join(errs...)
}

// Stop shuts the engine down.
func Stop() {
	if err := stop(); err != nil {
		log.Errorf("[ENGINE] failed to stop: %v", err)
	}
}

func stop() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	err := current.stop()
	current = nil
	return err
}

func newService(sc Service) (tunnel.Service, error) {
	switch sc.Type {
	case "echo":
		return tunnel.Echo{}, nil
	case "greet":
		return tunnel.Greet{}, nil
	case "forward":
		if sc.Upstream == "" {
			return nil, fmt.Errorf("engine: forward on port %d needs an upstream", sc.Port)
		}
		return &tunnel.Forward{Upstream: sc.Upstream}, nil
	default:
		return nil, fmt.Errorf("engine: unknown service %q on port %d", sc.Type, sc.Port)
	}
}

func setupLogger(level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	logger, err := log.NewLeveled(lvl)
	if err != nil {
		return err
	}
	log.SetLogger(logger)
	return nil
}

func setupDialer(cfg *Config) error {
	if cfg.Interface != "" {
		iface, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return err
		}
		dialer.SetDefaultInterface(iface)
		log.Infof("[DIALER] bind to interface: %s", cfg.Interface)
	}
	if cfg.Mark != 0 {
		dialer.SetDefaultRoutingMark(cfg.Mark)
		log.Infof("[DIALER] set fwmark: %#x", cfg.Mark)
	}
	return nil
}
