// Package pump moves frames between two frame streams.
package pump

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/fmnx/tunstack/core/device"
	"github.com/fmnx/tunstack/log"
	"github.com/fmnx/tunstack/metrics"
)

// bufferSize fits any IP packet without jumbograms.
const bufferSize = 0xffff

// Stats reports the bytes moved in each direction.
type Stats struct {
	AToB int64
	BToA int64
}

// Transfer copies frames from a to b and from b to a until either side
// reaches end of stream or fails, or ctx ends. It then stops both
// directions and returns the first error; end of stream is not one.
//
// Reads are interrupted through ReadContext where the endpoint has it.
// Other endpoints only return once they are closed.
func Transfer(ctx context.Context, a, b io.ReadWriter) (Stats, error) {
	inner, cancel := context.WithCancel(ctx)
	defer cancel()

	var stats Stats
	g, gctx := errgroup.WithContext(inner)
	g.Go(func() error {
		defer cancel()
		return copyFrames(gctx, b, a, &stats.AToB, "a_to_b")
	})
	g.Go(func() error {
		defer cancel()
		return copyFrames(gctx, a, b, &stats.BToA, "b_to_a")
	})
	err := g.Wait()

	switch {
	case ctx.Err() != nil:
		if err == nil || errors.Is(err, context.Canceled) {
			err = ctx.Err()
		}
	case errors.Is(err, context.Canceled):
		// stopped by the other direction ending.
		err = nil
	}
	log.Debugf("[PUMP] stopped: a->b %d bytes, b->a %d bytes, err=%v", stats.AToB, stats.BToA, err)
	return stats, err
}

func copyFrames(ctx context.Context, dst io.Writer, src io.Reader, written *int64, direction string) error {
	buf := make([]byte, bufferSize)
	bytes := metrics.PumpBytes.WithLabelValues(direction)
	frames := metrics.PumpFrames.WithLabelValues(direction)
	for {
		n, err := device.ReadContext(ctx, src, buf)
		if n > 0 {
			nw, werr := dst.Write(buf[:n])
			if nw > 0 {
				*written += int64(nw)
				bytes.Add(float64(nw))
				frames.Inc()
			}
			if werr != nil {
				return werr
			}
			if nw != n {
				return io.ErrShortWrite
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
