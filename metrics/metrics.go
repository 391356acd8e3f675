// Package metrics holds the Prometheus collectors shared by the stack
// adapters and the services running on top of them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NetifFrames counts frames crossing a virtual interface, by direction
	// ("in" towards the engine, "out" towards the device).
	NetifFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunstack",
		Name:      "netif_frames_total",
		Help:      "Frames crossing a virtual interface",
	}, []string{"direction"})

	// NetifDropped counts frames the engine emitted after the interface
	// was closed.
	NetifDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tunstack",
		Name:      "netif_dropped_frames_total",
		Help:      "Outbound frames dropped because the interface was closed",
	})

	// NetifInvalid counts inbound frames the engine dropped because they
	// were not IP packets.
	NetifInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tunstack",
		Name:      "netif_invalid_frames_total",
		Help:      "Inbound frames dropped because they were not IP packets",
	})

	// PumpBytes counts bytes moved by frame pumps, by direction.
	PumpBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunstack",
		Name:      "pump_bytes_total",
		Help:      "Bytes copied by frame pumps",
	}, []string{"direction"})

	// PumpFrames counts frames moved by frame pumps, by direction.
	PumpFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunstack",
		Name:      "pump_frames_total",
		Help:      "Frames copied by frame pumps",
	}, []string{"direction"})

	// ConnsOpen tracks live engine connections by type.
	ConnsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tunstack",
		Name:      "conns_open",
		Help:      "Live engine connections",
	}, []string{"type"})

	// ConnEvents counts engine callback events by tag.
	ConnEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunstack",
		Name:      "conn_events_total",
		Help:      "Engine connection callback events",
	}, []string{"event"})

	// TunnelConns counts stream connections handed to tunnel services.
	TunnelConns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunstack",
		Name:      "tunnel_conns_total",
		Help:      "Connections dispatched to tunnel services",
	}, []string{"service"})

	// ICMPEchoes counts ICMP echo requests seen by the responder, by
	// outcome ("replied" or "observed").
	ICMPEchoes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunstack",
		Name:      "icmp_echo_requests_total",
		Help:      "ICMP echo requests seen by the responder",
	}, []string{"outcome"})
)
