package netstack

import (
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/fmnx/tunstack/core/ipstack"
)

// convertError maps a gVisor error onto the engine result codes.
func convertError(err tcpip.Error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *tcpip.ErrWouldBlock:
		return ipstack.ErrWouldBlock
	case *tcpip.ErrConnectStarted:
		return ipstack.ErrInProgress
	case *tcpip.ErrAlreadyConnecting:
		return ipstack.ErrAlready
	case *tcpip.ErrAlreadyConnected:
		return ipstack.ErrIsConn
	case *tcpip.ErrConnectionRefused:
		return ipstack.ErrRefused
	case *tcpip.ErrConnectionReset:
		return ipstack.ErrRst
	case *tcpip.ErrAborted, *tcpip.ErrConnectionAborted:
		return ipstack.ErrAbrt
	case *tcpip.ErrClosedForReceive, *tcpip.ErrClosedForSend:
		return ipstack.ErrClsd
	case *tcpip.ErrNotConnected:
		return ipstack.ErrConn
	case *tcpip.ErrPortInUse, *tcpip.ErrDuplicateAddress, *tcpip.ErrAlreadyBound:
		return ipstack.ErrUse
	case *tcpip.ErrNoBufferSpace:
		return ipstack.ErrBuf
	case *tcpip.ErrTimeout:
		return ipstack.ErrTimeout
	case *tcpip.ErrHostUnreachable, *tcpip.ErrNetworkUnreachable:
		return ipstack.ErrRte
	case *tcpip.ErrUnknownNICID, *tcpip.ErrDuplicateNICID:
		return ipstack.ErrIf
	case *tcpip.ErrBadLocalAddress, *tcpip.ErrBadAddress, *tcpip.ErrInvalidEndpointState,
		*tcpip.ErrInvalidOptionValue, *tcpip.ErrMessageTooLong, *tcpip.ErrDestinationRequired,
		*tcpip.ErrNotSupported:
		return ipstack.ErrVal
	default:
		return ipstack.ErrArg
	}
}

func isWouldBlock(err tcpip.Error) bool {
	_, ok := err.(*tcpip.ErrWouldBlock)
	return ok
}
