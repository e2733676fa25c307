// Package metrics exposes Prometheus collectors for the streaming
// pipeline and backend selection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesDecoded counts protocol frames successfully decoded.
	FramesDecoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_frames_decoded_total",
			Help: "Total number of protocol frames decoded",
		},
	)

	// FramesDropped counts malformed frames dropped by the decoder.
	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_frames_dropped_total",
			Help: "Total number of malformed protocol frames dropped",
		},
	)

	// ChunksEmitted counts chunked output fragments emitted by the codec.
	ChunksEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_output_chunks_total",
			Help: "Total number of chunked output fragments emitted",
		},
	)

	// BufferBytes tracks current ring buffer occupancy per run.
	BufferBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "palisade_event_buffer_bytes",
			Help: "Estimated bytes held in the event ring buffer",
		},
		[]string{"run_id"},
	)

	// BufferEvictions counts head evictions from the ring buffer.
	BufferEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palisade_event_buffer_evictions_total",
			Help: "Total number of events evicted to honor the byte budget",
		},
		[]string{"run_id"},
	)

	// ReasoningSuppressed counts reasoning events suppressed as duplicates.
	ReasoningSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_reasoning_suppressed_total",
			Help: "Total number of duplicate reasoning events suppressed",
		},
	)

	// AutoResponses counts interactive-prompt auto-responses written.
	AutoResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palisade_auto_responses_total",
			Help: "Total number of prompt auto-responses written to backends",
		},
		[]string{"mode", "trigger"},
	)

	// RunsTotal counts runs by execution mode and final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palisade_runs_total",
			Help: "Total number of runs by mode and status",
		},
		[]string{"mode", "status"},
	)

	// ValidationRejections counts backend candidates rejected during selection.
	ValidationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palisade_validation_rejections_total",
			Help: "Total number of backend candidates rejected during selection",
		},
		[]string{"mode", "stage"},
	)

	// ContainersSwept counts leaked containers removed by the sweeper.
	ContainersSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_containers_swept_total",
			Help: "Total number of leaked run containers removed by the sweeper",
		},
	)
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
