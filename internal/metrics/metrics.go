// Package metrics exposes the engine's ambient Prometheus instrumentation:
// active session count, per-writer queue depth, and drop counters by
// source. This is observability infrastructure, not a monitored
// browser feature, so it is carried regardless of spec.md's feature
// non-goals (grounded on tombee-conductor's filewatcher metrics shape).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the current size of the Supervisor's session
	// map (spec.md §8: must never exceed 50).
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "browserfairy_active_sessions",
		Help: "Number of currently attached target sessions",
	})

	// SessionsEvicted counts LRU evictions forced by the 50-session cap.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "browserfairy_sessions_evicted_total",
		Help: "Total sessions evicted by the Supervisor's LRU cap",
	})

	// RecordsWritten counts records appended, by host and stream.
	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browserfairy_records_written_total",
		Help: "Total records appended by host and stream",
	}, []string{"host", "stream"})

	// RecordsDropped counts records dropped, tagged by the component
	// that dropped them (spec.md §7 QueueDrop, rate limiter, etc).
	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browserfairy_records_dropped_total",
		Help: "Total records dropped by source component",
	}, []string{"source"})

	// WriterQueueDepth reports a writer's current backlog length.
	WriterQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "browserfairy_writer_queue_depth",
		Help: "Current queue depth of a (host, stream) writer",
	}, []string{"host", "stream"})

	// ProtocolEventsDropped counts events the Protocol Client dropped
	// because a subscriber's queue was full.
	ProtocolEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "browserfairy_protocol_events_dropped_total",
		Help: "Total events dropped due to full subscriber queues",
	})
)
