// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturePacketsTotal counts UDP datagrams seen by the capture loop, by protocol.
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_capture_packets_total",
			Help: "Total number of packets processed by the capture component",
		},
		[]string{"proto"},
	)

	// CaptureDropsTotal counts packets dropped before reaching a segment; the
	// "quiet_segment" reason counts whole segments dropped at flush instead.
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_capture_drops_total",
			Help: "Total number of packets dropped during capture",
		},
		[]string{"reason"},
	)

	// SegmentsFlushedTotal counts voice segments pushed downstream.
	SegmentsFlushedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strix_capture_segments_total",
			Help: "Total number of voice segments flushed to the ASR worker",
		},
	)

	// ReorderDiscontinuitiesTotal counts sequence gaps filled with silence and
	// stale held packets discarded by the reorder buffer.
	ReorderDiscontinuitiesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strix_reorder_discontinuities_total",
			Help: "Total number of RTP sequence discontinuities observed",
		},
	)

	// ActiveCalls tracks the current number of active SIP dialogs.
	ActiveCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strix_capture_active_calls",
			Help: "Current number of active tracked calls",
		},
	)

	// ASRChunksTotal counts audio chunks recognized, by outcome.
	ASRChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_asr_chunks_total",
			Help: "Total number of audio chunks processed by the ASR worker",
		},
		[]string{"outcome"},
	)

	// ASRInferenceSeconds measures recognizer latency.
	ASRInferenceSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strix_asr_inference_seconds",
			Help:    "Latency of ASR recognition calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	// RouterEventsTotal counts events delivered to clients, by type.
	RouterEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_router_events_total",
			Help: "Total number of ASR events routed to WebSocket clients",
		},
		[]string{"type"},
	)

	// RouterForcedPublishTotal counts events published past the fairness bound.
	RouterForcedPublishTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strix_router_forced_publish_total",
			Help: "Total number of events force-published after max_delay",
		},
	)

	// RouterClients tracks connected WebSocket clients.
	RouterClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strix_router_clients",
			Help: "Current number of connected WebSocket clients",
		},
	)

	// TicketRequestsTotal counts ticket generation requests, by result.
	TicketRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_ticket_requests_total",
			Help: "Total number of ticket generation requests",
		},
		[]string{"result"},
	)

	// TicketUpstreamErrorsTotal counts summarizer failures per endpoint.
	TicketUpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_ticket_upstream_errors_total",
			Help: "Total number of summarizer endpoint failures",
		},
		[]string{"endpoint"},
	)
)
