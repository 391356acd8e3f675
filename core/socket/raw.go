package socket

import (
	"fmt"

	"github.com/fmnx/tunstack/core/netconn"
	"github.com/fmnx/tunstack/core/stack"
)

// Proto is an IP protocol number.
type Proto uint8

const (
	ProtoHopByHopOpts Proto = 0
	ProtoICMP         Proto = 1
	ProtoIGMP         Proto = 2
	ProtoTCP          Proto = 6
	ProtoUDP          Proto = 17
	ProtoUDPLite      Proto = 136
)

func (p Proto) String() string {
	switch p {
	case ProtoHopByHopOpts:
		return "Hop-by-Hop Options"
	case ProtoICMP:
		return "ICMP"
	case ProtoIGMP:
		return "IGMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoUDPLite:
		return "UDPLite"
	default:
		return fmt.Sprintf("Unknown (%d)", uint8(p))
	}
}

// Indexer is anything with an engine interface index, such as a
// registered netif.
type Indexer interface {
	Index() uint8
}

// BindRaw opens a raw socket receiving protocol proto on the interface
// nif.
func BindRaw(st *stack.Stack, proto Proto, nif Indexer) (*Socket, error) {
	nc, err := netconn.NewRaw(st, uint8(proto))
	if err != nil {
		return nil, err
	}
	if err := nc.BindInterface(nif.Index()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("socket: bind raw %s to interface %d: %w", proto, nif.Index(), err)
	}
	return newSocket(nc), nil
}
