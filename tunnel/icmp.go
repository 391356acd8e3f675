package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/fmnx/tunstack/core/socket"
	"github.com/fmnx/tunstack/core/stack"
	"github.com/fmnx/tunstack/log"
	"github.com/fmnx/tunstack/metrics"
)

// ErrNotEchoRequest is returned by EchoReply for anything but an
// ICMPv4 echo request.
var ErrNotEchoRequest = errors.New("tunnel: not an ICMPv4 echo request")

// ICMPResponder watches ICMPv4 traffic arriving on one interface and
// counts echo requests. With Reply set it answers them itself; the
// engine answers echo requests to its own addresses either way.
type ICMPResponder struct {
	Reply bool

	sock *socket.Socket
}

// NewICMPResponder opens a raw ICMP socket on nif.
func NewICMPResponder(st *stack.Stack, nif socket.Indexer, reply bool) (*ICMPResponder, error) {
	s, err := socket.BindRaw(st, socket.ProtoICMP, nif)
	if err != nil {
		return nil, err
	}
	return &ICMPResponder{Reply: reply, sock: s}, nil
}

// Run handles packets until ctx ends or the responder is closed.
func (r *ICMPResponder) Run(ctx context.Context) error {
	buf := make([]byte, 0xffff)
	for {
		n, err := r.sock.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := r.handle(buf[:n]); err != nil {
			log.Warnf("[ICMP] %v", err)
		}
	}
}

func (r *ICMPResponder) handle(packet []byte) error {
	reply, err := EchoReply(packet)
	if errors.Is(err, ErrNotEchoRequest) {
		return nil
	}
	if err != nil {
		return err
	}
	if !r.Reply {
		metrics.ICMPEchoes.WithLabelValues("observed").Inc()
		return nil
	}
	if _, err := r.sock.Write(reply); err != nil {
		return fmt.Errorf("send echo reply: %w", err)
	}
	metrics.ICMPEchoes.WithLabelValues("replied").Inc()
	return nil
}

func (r *ICMPResponder) Close() error {
	return r.sock.Close()
}

// EchoReply builds the echo reply for an IPv4 packet carrying an ICMP
// echo request.
func EchoReply(packet []byte) ([]byte, error) {
	pkt := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, ErrNotEchoRequest
	}
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok || icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return nil, ErrNotEchoRequest
	}
	log.Debugf("[ICMP] echo request %s -> %s id=%d seq=%d", ip.SrcIP, ip.DstIP, icmp.Id, icmp.Seq)

	replyIP := &layers.IPv4{
		Version:  4,
		TOS:      ip.TOS,
		Id:       ip.Id,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    ip.DstIP,
		DstIP:    ip.SrcIP,
	}
	replyICMP := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, replyIP, replyICMP, gopacket.Payload(icmp.Payload)); err != nil {
		return nil, fmt.Errorf("build echo reply: %w", err)
	}
	return buf.Bytes(), nil
}
