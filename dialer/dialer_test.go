package dialer

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialLoopbackIgnoresBinding(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	// an interface that does not exist would fail the bind if it were
	// applied.
	c, err := DialContextWithOptions(context.Background(), "tcp", ln.Addr().String(), &Options{
		InterfaceName: "does-not-exist0",
	})
	require.NoError(t, err)
	c.Close()
}

func TestDefaultOptions(t *testing.T) {
	SetDefaultRoutingMark(42)
	defer SetDefaultRoutingMark(0)

	opts := defaultOptions()
	assert.Equal(t, 42, opts.RoutingMark)
	assert.Empty(t, opts.InterfaceName)
}
