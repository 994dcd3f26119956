// Package metrics exposes the NVR's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MotionPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_motion_polls_total",
		Help: "Total motion API polls by outcome",
	}, []string{"result"}) // "movement", "no_movement", "error"

	MotionBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_motion_breaker_trips_total",
		Help: "Total motion-poll circuit breaker trips",
	})

	MovementsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_movements_opened_total",
		Help: "Total movement records opened",
	})

	MovementsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_movements_closed_total",
		Help: "Total movements closed by reason",
	}, []string{"reason"}) // "quiet", "max_duration"

	MovementsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_movements_processed_total",
		Help: "Total movements through the detection pipeline by result",
	}, []string{"result"}) // "completed", "failed"

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_detection_frames_sent_total",
		Help: "Total frame paths written to the detection worker",
	})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_detection_frames_received_total",
		Help: "Total detection responses read from the worker",
	})

	DetectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nvr_detection_frame_latency_ms",
		Help:    "Per-frame detection round trip in milliseconds",
		Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
	})

	DetectionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_detection_queue_depth",
		Help: "Movements waiting for detection",
	})

	WorkerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_detection_worker_restarts_total",
		Help: "Detection worker restarts by cause",
	}, []string{"cause"}) // "scheduled", "exit"

	ProcessSpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_child_process_spawns_total",
		Help: "Child processes spawned by kind",
	}, []string{"kind"})

	ProcessExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_child_process_exits_total",
		Help: "Child process exits by kind and disposition",
	}, []string{"kind", "graceful"})

	StreamRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_stream_restarts_total",
		Help: "Live-stream transcoder restarts",
	})

	JanitorFilesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_janitor_files_deleted_total",
		Help: "Files removed by disk cleanup",
	})

	JanitorBytesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_janitor_bytes_deleted_total",
		Help: "Bytes freed by disk cleanup",
	})

	JanitorMovementsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_janitor_movements_deleted_total",
		Help: "Movement records evicted by disk cleanup",
	})

	JanitorLastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_janitor_last_run_seconds",
		Help: "Unix time of the last disk cleanup",
	})

	EventClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvr_event_clients",
		Help: "Connected event-stream clients by transport",
	}, []string{"transport"}) // "sse", "websocket"
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
