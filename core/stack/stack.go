// Package stack gates access to the process-wide engine behind a
// one-time initialization.
package stack

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fmnx/tunstack/core/ipstack"
	"github.com/fmnx/tunstack/core/ipstack/netstack"
	"github.com/fmnx/tunstack/log"
)

// ErrInitFailed is returned to every caller after the first one once
// engine initialization has failed.
var ErrInitFailed = errors.New("stack: engine initialization failed")

type state uint8

const (
	stateNew state = iota
	stateReady
	stateFailed
)

// Stack initializes its engine exactly once, on first use. A failed
// initialization is terminal: the engine state is undefined afterwards
// and there is no retry.
type Stack struct {
	engine ipstack.Engine

	once  sync.Once
	mu    sync.Mutex
	state state
}

func New(e ipstack.Engine) *Stack {
	return &Stack{engine: e}
}

var defaultStack = sync.OnceValue(func() *Stack {
	return New(netstack.New())
})

// Default returns the process-wide stack backed by the gVisor engine.
func Default() *Stack {
	return defaultStack()
}

// Engine returns the engine, initializing it first if needed. Concurrent
// callers wait for the initialization to finish. Only the caller that
// ran the failed initialization sees its cause.
func (s *Stack) Engine() (ipstack.Engine, error) {
	var initErr error
	s.once.Do(func() {
		err := s.engine.Init()
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.state = stateFailed
			initErr = fmt.Errorf("stack: init engine: %w", err)
			log.Errorf("[STACK] engine initialization failed: %v", err)
			return
		}
		s.state = stateReady
		log.Debugf("[STACK] engine initialized")
	})
	if initErr != nil {
		return nil, initErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady {
		return nil, ErrInitFailed
	}
	return s.engine, nil
}

// Ready reports whether the engine has been initialized successfully.
func (s *Stack) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateReady
}
