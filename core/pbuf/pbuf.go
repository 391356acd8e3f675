// Package pbuf moves packet data across the engine boundary. Engine
// buffers are copied in and out; no engine-owned memory is referenced
// after a conversion returns.
package pbuf

import (
	"github.com/fmnx/tunstack/core/ipstack"
)

// ToOwned copies the whole logical content of p into a new slice. p is
// not freed; its disposal stays with the caller.
func ToOwned(p ipstack.Buffer) []byte {
	b := make([]byte, p.Len())
	p.CopyOut(b, 0)
	return b
}

// FromOwned allocates an engine buffer sized to b and fills it. On
// success the caller must hand the buffer to the engine, which then
// owns it.
func FromOwned(e ipstack.Engine, b []byte) (ipstack.Buffer, error) {
	p, err := e.AllocBuffer(len(b))
	if err != nil {
		return nil, err
	}
	if err := p.CopyIn(b); err != nil {
		p.Free()
		return nil, err
	}
	return p, nil
}
