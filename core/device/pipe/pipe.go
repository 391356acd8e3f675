// Package pipe provides in-memory frame streams: a cross-connected pair
// and a single stream looped back onto itself.
package pipe

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/fmnx/tunstack/internal/fifo"
)

// End is one end of an in-memory frame stream. Writes never block.
type End struct {
	in  *fifo.Queue[[]byte]
	out *fifo.Queue[[]byte]

	closeOnce sync.Once
	peer      *End
}

// Pair returns two ends where frames written to one are read from the
// other. Closing either end closes both directions.
func Pair() (*End, *End) {
	ab, ba := fifo.New[[]byte](), fifo.New[[]byte]()
	a := &End{in: ba, out: ab}
	b := &End{in: ab, out: ba}
	a.peer, b.peer = b, a
	return a, b
}

// Loop returns an end that reads back what it writes.
func Loop() *End {
	q := fifo.New[[]byte]()
	return &End{in: q, out: q}
}

func (e *End) Read(p []byte) (int, error) {
	return e.ReadContext(context.Background(), p)
}

// ReadContext returns the next frame. A frame that does not fit in p is
// dropped and reported as io.ErrShortBuffer.
func (e *End) ReadContext(ctx context.Context, p []byte) (int, error) {
	frame, err := e.in.Pop(ctx)
	if errors.Is(err, fifo.ErrClosed) {
		return 0, io.EOF
	}
	if err != nil {
		return 0, err
	}
	if len(frame) > len(p) {
		return 0, io.ErrShortBuffer
	}
	return copy(p, frame), nil
}

func (e *End) Write(p []byte) (int, error) {
	if !e.out.Push(append([]byte(nil), p...)) {
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

func (e *End) Close() error {
	e.closeOnce.Do(func() {
		e.in.Close()
		e.out.Close()
	})
	return nil
}
