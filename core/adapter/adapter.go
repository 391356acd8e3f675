package adapter

import (
	"fmt"
	"net"
	"net/netip"
)

// EndpointID identifies a transport endpoint by its two addresses.
type EndpointID struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (id EndpointID) String() string {
	return fmt.Sprintf("%s <-> %s", id.Local, id.Remote)
}

// TCPConn implements the net.Conn interface.
type TCPConn interface {
	net.Conn

	// ID returns the transport endpoint id of TCPConn.
	ID() *EndpointID

	// CloseWrite shuts down the sending side.
	CloseWrite() error
}

// TransportHandler is implemented by whatever consumes the connections
// accepted on the stack.
type TransportHandler interface {
	HandleTCP(TCPConn)
}
