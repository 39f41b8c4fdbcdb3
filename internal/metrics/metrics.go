// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets read from the capture source by outcome
	// (malformed, skipped, dispatched, dropped).
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layers_packets_total",
			Help: "Total number of captured packets by result",
		},
		[]string{"result"},
	)

	// FragmentsTotal counts IPv4 fragments by defragmenter outcome
	// (held, reassembled, rejected)
	FragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layers_fragments_total",
			Help: "Total number of IPv4 fragments seen by the defragmenter",
		},
		[]string{"result"},
	)

	FragmentsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "layers_fragments_pending",
			Help: "IPv4 datagrams waiting for more fragments",
		},
	)

	// DispatchDropsTotal counts packets dropped because a worker queue was full
	DispatchDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layers_dispatch_drops_total",
			Help: "Total number of packets dropped at dispatch",
		},
		[]string{"worker"},
	)

	// SessionsActive tracks sessions currently held in flow tables
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "layers_sessions_active",
			Help: "Current number of tracked sessions",
		},
		[]string{"worker", "transport"},
	)

	// SessionsTotal counts session lifecycle events (created, finished, evicted)
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layers_sessions_total",
			Help: "Total number of session lifecycle events",
		},
		[]string{"transport", "event"},
	)

	// DetectionsTotal counts how detection ended (success, giveup, guess, failed)
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layers_detections_total",
			Help: "Total number of protocol detection outcomes",
		},
		[]string{"outcome"},
	)

	// DetectionPackets measures how many packets a flow needed before its verdict
	DetectionPackets = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "layers_detection_packets",
			Help:    "Packets observed before a detection verdict",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1, 2, 4, ..., 128
		},
	)

	InspectorErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layers_inspector_errors_total",
			Help: "Total number of inspector errors; the session is skipped afterwards",
		},
		[]string{"protocol"},
	)

	// ReassemblySegmentsTotal counts TCP segments by reassembly outcome
	// (delivered, stale, held, dropped)
	ReassemblySegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layers_reassembly_segments_total",
			Help: "Total number of TCP segments seen by the reassembler",
		},
		[]string{"result"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layers_events_total",
			Help: "Total number of events handed to a sink",
		},
		[]string{"sink", "result"},
	)
)
