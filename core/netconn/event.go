package netconn

import (
	"sync"
	"sync/atomic"

	"github.com/fmnx/tunstack/core/ipstack"
	"github.com/fmnx/tunstack/internal/fifo"
	"github.com/fmnx/tunstack/metrics"
)

// Event is one readiness notification raised by the engine.
type Event struct {
	// Len is the length reported with the notification.
	Len int
	// Err marks an error notification.
	Err bool
}

// eventContext is the callback argument registered with the engine. It
// is released exactly once, by whichever comes first of the peer going
// away and the last Close.
type eventContext struct {
	mu       sync.Mutex
	released bool
	rx, tx   *fifo.Queue[Event]

	listening atomic.Bool
}

func newEventContext() *eventContext {
	return &eventContext{
		rx: fifo.New[Event](),
		tx: fifo.New[Event](),
	}
}

func (ec *eventContext) push(ev Event, queues ...*fifo.Queue[Event]) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.released {
		return
	}
	for _, q := range queues {
		q.Push(ev)
	}
}

// release closes both queues. It reports false if the context was
// already released.
func (ec *eventContext) release() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.released {
		return false
	}
	ec.released = true
	ec.rx.Close()
	ec.tx.Close()
	return true
}

// dispatch is the single engine callback shared by every connection.
func dispatch(c ipstack.Conn, evt ipstack.Event, length int) {
	ec, _ := c.CallbackArg().(*eventContext)
	if ec == nil {
		return
	}
	metrics.ConnEvents.WithLabelValues(evt.String()).Inc()

	switch evt {
	case ipstack.RecvMinus, ipstack.SendMinus:
		// drained, no new readiness.
	case ipstack.RecvPlus:
		if length == 0 && !ec.listening.Load() {
			c.SetCallbackArg(nil)
			ec.release()
			return
		}
		ec.push(Event{Len: length}, ec.rx)
	case ipstack.SendPlus:
		ec.push(Event{Len: length}, ec.tx)
	case ipstack.Error:
		ec.push(Event{Err: true}, ec.rx, ec.tx)
	}
}
