package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/congestion.report/internal/detector"
	"github.com/banshee-data/congestion.report/internal/metrics"
	"github.com/banshee-data/congestion.report/internal/monitoring"
	"github.com/banshee-data/congestion.report/internal/serialmux"
	"github.com/banshee-data/congestion.report/internal/timeutil"
	"github.com/banshee-data/congestion.report/internal/tracking"
	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// ErrNoDetector is returned by ProcessImage when the pipeline was built
// without a detector.
var ErrNoDetector = errors.New("no detector configured")

// Result is the outcome of one frame.
type Result struct {
	Detections []vehicle.Detection       `json:"detections"`
	Tracking   tracking.TrackingSnapshot `json:"tracking"`
	Stats      vehicle.NormalizeStats    `json:"stats"`
}

// Pipeline runs frames through the normalizer and the engine. It is safe for
// concurrent use; per-camera ordering is the caller's responsibility.
type Pipeline struct {
	normalizer *vehicle.Normalizer
	engine     *tracking.Engine
	detector   detector.Detector
	metrics    *metrics.Metrics
	clock      timeutil.Clock
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDetector enables ProcessImage.
func WithDetector(d detector.Detector) Option {
	return func(p *Pipeline) { p.detector = d }
}

// WithMetrics records per-frame metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the clock used to stamp frames without a timestamp.
func WithClock(c timeutil.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// NewPipeline wires a normalizer to an engine.
func NewPipeline(n *vehicle.Normalizer, e *tracking.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{normalizer: n, engine: e, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Engine returns the counting engine.
func (p *Pipeline) Engine() *tracking.Engine { return p.engine }

// HasDetector reports whether ProcessImage is available.
func (p *Pipeline) HasDetector() bool { return p.detector != nil }

// Process normalizes raw detections and applies them to the camera session.
// A zero at selects the pipeline clock.
func (p *Pipeline) Process(cameraID string, raws []vehicle.RawDetection, at time.Time) Result {
	start := p.clock.Now()
	if at.IsZero() {
		at = start
	}

	dets, stats := p.normalizer.Normalize(raws)
	if dropped := stats.Dropped(); dropped > 0 {
		monitoring.Debugf("camera %s: skipped %d of %d detections (unknown class %d, low confidence %d, malformed box %d, malformed score %d, malformed record %d)",
			cameraID, dropped, stats.Input, stats.UnknownClass, stats.LowConfidence, stats.MalformedBox, stats.MalformedScore, stats.MalformedRecord)
	}

	snap := p.engine.UpdateAt(cameraID, dets, at)
	if p.metrics != nil {
		p.metrics.ObserveFrame(cameraID, stats, p.clock.Since(start))
	}
	return Result{Detections: dets, Tracking: snap, Stats: stats}
}

// ProcessMessage applies a decoded frame message.
func (p *Pipeline) ProcessMessage(msg FrameMessage) Result {
	return p.Process(msg.CameraID, msg.Detections, msg.Time(time.Time{}))
}

// ProcessImage runs the detector on an encoded image and applies the result.
func (p *Pipeline) ProcessImage(ctx context.Context, frame detector.Frame) (Result, error) {
	if p.detector == nil {
		return Result{}, ErrNoDetector
	}
	if frame.CameraID == "" {
		frame.CameraID = DefaultCameraID
	}
	raws, err := p.detector.Detect(ctx, frame)
	if err != nil {
		if p.metrics != nil {
			p.metrics.DetectorError()
		}
		return Result{}, fmt.Errorf("detection failed for camera %s: %w", frame.CameraID, err)
	}
	return p.Process(frame.CameraID, raws, frame.CapturedAt), nil
}

// HandleLine decodes and applies one feed line.
func (p *Pipeline) HandleLine(line string) (Result, error) {
	msg, err := DecodeFrame([]byte(line))
	if err != nil {
		return Result{}, err
	}
	return p.ProcessMessage(msg), nil
}

// Run consumes feed lines from mux until ctx is cancelled or the mux closes
// the subscription. Undecodable lines are logged and skipped.
func (p *Pipeline) Run(ctx context.Context, mux serialmux.SerialMuxInterface) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	return p.Consume(ctx, lines)
}

// Consume is Run over an existing subscription. Callers that must not miss
// the first lines subscribe before starting the mux monitor.
func (p *Pipeline) Consume(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := p.HandleLine(line); err != nil {
				if p.metrics != nil {
					p.metrics.FeedErrors.Add(1)
				}
				monitoring.Logf("skipping feed line: %v", err)
			}
		}
	}
}
