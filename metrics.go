package isotp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus counters, grounded on the same promauto pattern
// an ampio CAN gateway uses for its link-level counters, scaled down to
// what a transport library (as opposed to a standalone server) should
// expose: frame/payload throughput and per-kind error counts, all labelled
// so one process can run several Networks without the metrics merging.
var (
	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_frames_sent_total",
		Help: "Total CAN frames transmitted by ISO-TP connections.",
	}, []string{"network"})

	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_frames_received_total",
		Help: "Total CAN frames received by ISO-TP connections.",
	}, []string{"network"})

	payloadsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_payloads_sent_total",
		Help: "Total application payloads fully transmitted.",
	}, []string{"network"})

	payloadsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_payloads_received_total",
		Help: "Total application payloads fully reassembled.",
	}, []string{"network"})

	transportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_transport_errors_total",
		Help: "Non-fatal transport errors, by kind.",
	}, []string{"network", "kind"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_frames_dropped_total",
		Help: "Inbound frames with no matching connection.",
	}, []string{"network"})

	openConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "isotp_open_connections",
		Help: "Currently open connections on a network.",
	}, []string{"network"})
)

func errorKind(err error) string {
	switch err {
	case ErrSequence:
		return "sequence"
	case ErrFlowControlTimeout:
		return "flow_control_timeout"
	case ErrReassemblyTimeout:
		return "reassembly_timeout"
	case ErrFlowControlWaitOverflow:
		return "flow_control_wait_overflow"
	case ErrPeerBufferOverflow:
		return "peer_buffer_overflow"
	case ErrTransmitTimeout:
		return "transmit_timeout"
	case ErrAdapter:
		return "adapter"
	case ErrProtocol:
		return "protocol"
	default:
		return "other"
	}
}
