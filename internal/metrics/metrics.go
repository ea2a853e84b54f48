// Package metrics exposes counting engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/congestion.report/internal/tracking"
	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// Metrics holds the collectors for one process. It implements
// tracking.Observer so it can be subscribed to the engine directly.
type Metrics struct {
	// Feed counters, also read by the health handler.
	FramesReceived atomic.Uint64
	FeedErrors     atomic.Uint64

	detections     *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	crossings      *prometheus.CounterVec
	currentCount   *prometheus.GaugeVec
	totalCount     *prometheus.GaugeVec
	congestion     *prometheus.GaugeVec
	frameDuration  prometheus.Histogram
	detectorErrors prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry. sessions, when
// non-nil, reports the number of live camera sessions.
func New(sessions func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "congestion_detections_total",
			Help: "Canonical detections accepted by the normalizer",
		}, []string{"camera"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "congestion_detections_dropped_total",
			Help: "Raw detections skipped by the normalizer, by reason",
		}, []string{"camera", "reason"}),
		crossings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "congestion_line_crossings_total",
			Help: "Counting line crossings, by direction and class",
		}, []string{"camera", "direction", "class"}),
		currentCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "congestion_current_vehicles",
			Help: "Vehicles present in the latest frame",
		}, []string{"camera"}),
		totalCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "congestion_total_vehicles",
			Help: "Vehicles counted in and not yet out",
		}, []string{"camera"}),
		congestion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "congestion_score",
			Help: "Congestion score of the latest frame (0-100)",
		}, []string{"camera"}),
		frameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "congestion_frame_processing_seconds",
			Help:    "Time spent normalizing and tracking one frame",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		detectorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "congestion_detector_errors_total",
			Help: "Failed detector client calls",
		}),
	}

	m.registry.MustRegister(
		m.detections,
		m.dropped,
		m.crossings,
		m.currentCount,
		m.totalCount,
		m.congestion,
		m.frameDuration,
		m.detectorErrors,
	)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "congestion_frames_received_total",
			Help: "Frames received from all feeds",
		},
		func() float64 { return float64(m.FramesReceived.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "congestion_feed_errors_total",
			Help: "Feed lines that could not be decoded",
		},
		func() float64 { return float64(m.FeedErrors.Load()) },
	))
	if sessions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "congestion_camera_sessions",
				Help: "Live camera sessions",
			},
			func() float64 { return float64(sessions()) },
		))
	}

	return m
}

// ObserveFrame records the normalizer outcome and processing time of a frame.
func (m *Metrics) ObserveFrame(cameraID string, stats vehicle.NormalizeStats, took time.Duration) {
	m.FramesReceived.Add(1)
	m.detections.WithLabelValues(cameraID).Add(float64(stats.Kept))
	for reason, n := range map[string]int{
		"unknown_class":    stats.UnknownClass,
		"low_confidence":   stats.LowConfidence,
		"malformed_box":    stats.MalformedBox,
		"malformed_score":  stats.MalformedScore,
		"malformed_record": stats.MalformedRecord,
	} {
		if n > 0 {
			m.dropped.WithLabelValues(cameraID, reason).Add(float64(n))
		}
	}
	m.frameDuration.Observe(took.Seconds())
}

// DetectorError counts a failed detector call.
func (m *Metrics) DetectorError() {
	m.detectorErrors.Inc()
}

// OnCountEvent implements tracking.Observer.
func (m *Metrics) OnCountEvent(ev tracking.CountEvent) {
	m.crossings.WithLabelValues(ev.CameraID, string(ev.Direction), string(ev.Class)).Inc()
}

// OnSnapshot implements tracking.Observer.
func (m *Metrics) OnSnapshot(s tracking.TrackingSnapshot) {
	m.currentCount.WithLabelValues(s.CameraID).Set(float64(s.CurrentCount))
	m.totalCount.WithLabelValues(s.CameraID).Set(float64(s.TotalCount))
	m.congestion.WithLabelValues(s.CameraID).Set(s.CongestionScore)
}

// Forget drops the per-camera series, e.g. after a session is removed.
func (m *Metrics) Forget(cameraID string) {
	labels := prometheus.Labels{"camera": cameraID}
	m.detections.DeletePartialMatch(labels)
	m.dropped.DeletePartialMatch(labels)
	m.crossings.DeletePartialMatch(labels)
	m.currentCount.DeletePartialMatch(labels)
	m.totalCount.DeletePartialMatch(labels)
	m.congestion.DeletePartialMatch(labels)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
