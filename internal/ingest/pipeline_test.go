package ingest

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/congestion.report/internal/detector"
	"github.com/banshee-data/congestion.report/internal/metrics"
	"github.com/banshee-data/congestion.report/internal/monitoring"
	"github.com/banshee-data/congestion.report/internal/serialmux"
	"github.com/banshee-data/congestion.report/internal/timeutil"
	"github.com/banshee-data/congestion.report/internal/tracking"
	"github.com/banshee-data/congestion.report/internal/vehicle"
)

var epoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	engine, err := tracking.NewEngine(tracking.DefaultConfig(), clock)
	require.NoError(t, err)
	n, err := vehicle.NewNormalizer(vehicle.DefaultConfidenceThreshold, nil)
	require.NoError(t, err)
	return NewPipeline(n, engine, append([]Option{WithClock(clock)}, opts...)...), clock
}

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	msg, err := DecodeFrame([]byte(`{"camera_id":" cam1 ","timestamp":1700000000.5,"detections":[{"id":7,"class":"car","confidence":0.8,"bbox":{"x":1,"y":2,"width":3,"height":4}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "cam1", msg.CameraID)
	require.Len(t, msg.Detections, 1)
	assert.Equal(t, "7", msg.Detections[0].ID)
	assert.Equal(t, time.Unix(1700000000, 500000000).UTC(), msg.Time(epoch))

	msg, err = DecodeFrame([]byte(`{"detections":[]}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultCameraID, msg.CameraID)
	assert.Equal(t, epoch, msg.Time(epoch))

	for _, bad := range []string{"", "  ", "not json", `{"camera_id": 5}`, `{"timestamp": -1}`, `{"detections":{"id":1}}`} {
		_, err := DecodeFrame([]byte(bad))
		assert.Error(t, err, "line %q", bad)
	}
	_, err = DecodeFrame([]byte(" "))
	assert.ErrorIs(t, err, ErrEmptyLine)
}

func TestDecodeFrame_KeepsFrameWithMalformedRecord(t *testing.T) {
	t.Parallel()

	valid := `{"id":2,"class":"car","confidence":0.9,"bbox":{"x":0,"y":0,"width":10,"height":10}}`
	for name, bad := range map[string]string{
		"boolean id":         `{"id":true,"class":"car","confidence":0.9,"bbox":{"x":0,"y":0,"width":10,"height":10}}`,
		"out of range coord": `{"id":1,"class":"car","confidence":0.9,"bbox":{"x":1e400,"y":0,"width":10,"height":10}}`,
		"string confidence":  `{"id":1,"class":"car","confidence":"0.9","bbox":{"x":0,"y":0,"width":10,"height":10}}`,
		"not an object":      `5`,
	} {
		t.Run(name, func(t *testing.T) {
			msg, err := DecodeFrame([]byte(`{"camera_id":"cam1","detections":[` + bad + `,` + valid + `]}`))
			require.NoError(t, err)
			require.Len(t, msg.Detections, 2)
			assert.True(t, msg.Detections[0].Malformed)
			assert.False(t, msg.Detections[1].Malformed)
			assert.Equal(t, "2", msg.Detections[1].ID)
		})
	}
}

func TestPipeline_HandleLineSkipsMalformedRecord(t *testing.T) {
	t.Parallel()
	m := metrics.New(nil)
	p, _ := newTestPipeline(t, WithMetrics(m))

	res, err := p.HandleLine(`{"camera_id":"cam1","detections":[{"id":true},{"id":2,"class":"car","confidence":0.9,"bbox":{"x":0,"y":0,"width":10,"height":10}}]}`)
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, "2", res.Detections[0].ID)
	assert.Equal(t, 1, res.Stats.MalformedRecord)
	assert.Equal(t, 1, res.Stats.Dropped())
	assert.Equal(t, 1, res.Tracking.CurrentCount)
	assert.Equal(t, uint64(0), m.FeedErrors.Load())
}

func TestPipeline_Process(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)

	raws := []vehicle.RawDetection{
		{ID: "1", Label: "car", Confidence: 0.9, Corners: []float64{10, 70, 50, 120}},
		{Label: "person", Confidence: 0.9, Corners: []float64{0, 0, 5, 5}},
		{Label: "truck", Confidence: 0.2, Corners: []float64{0, 0, 5, 5}},
	}
	res := p.Process("cam1", raws, time.Time{})

	require.Len(t, res.Detections, 1)
	assert.Equal(t, 2, res.Stats.Dropped())
	assert.Equal(t, 1, res.Tracking.CurrentCount)
	assert.Equal(t, tracking.ModeLineCrossing, res.Tracking.Mode)
	assert.Equal(t, epoch, res.Tracking.Timestamp)
}

func TestPipeline_HandleLineCountsCrossing(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)

	lines := []string{
		`{"camera_id":"gate","timestamp":1700000000.0,"detections":[{"id":7,"class":"car","confidence":0.8,"bbox":{"x":40,"y":85,"width":20,"height":20}}]}`,
		`{"camera_id":"gate","timestamp":1700000000.2,"detections":[{"id":7,"class":"car","confidence":0.8,"bbox":{"x":40,"y":95,"width":20,"height":20}}]}`,
		`{"camera_id":"gate","timestamp":1700000000.4,"detections":[{"id":7,"class":"car","confidence":0.8,"bbox":{"x":40,"y":88,"width":20,"height":20}}]}`,
	}
	var res Result
	for _, line := range lines {
		var err error
		res, err = p.HandleLine(line)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, res.Tracking.EntryCount)
	assert.Equal(t, 0, res.Tracking.ExitCount)
	assert.Equal(t, 1, res.Tracking.TotalCount)
	assert.Equal(t, time.Unix(1700000000, 400000000).UTC(), res.Tracking.Timestamp)

	_, err := p.HandleLine("garbage")
	assert.Error(t, err)
}

func TestPipeline_ProcessImage(t *testing.T) {
	t.Parallel()

	t.Run("without detector", func(t *testing.T) {
		p, _ := newTestPipeline(t)
		assert.False(t, p.HasDetector())
		_, err := p.ProcessImage(context.Background(), detector.Frame{Data: []byte("x")})
		assert.ErrorIs(t, err, ErrNoDetector)
	})

	t.Run("with detector", func(t *testing.T) {
		static := detector.NewStatic([]vehicle.RawDetection{
			{Label: "bus", Confidence: 0.7, Corners: []float64{0, 0, 100, 100}},
			{Label: "car", Confidence: 0.7, Corners: []float64{0, 0, 100, 100}},
		})
		p, _ := newTestPipeline(t, WithDetector(static))
		assert.True(t, p.HasDetector())

		res, err := p.ProcessImage(context.Background(), detector.Frame{Data: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, DefaultCameraID, res.Tracking.CameraID)
		assert.Equal(t, tracking.ModeInstantaneous, res.Tracking.Mode)
		assert.Equal(t, 2, res.Tracking.TotalCount)
		assert.Equal(t, 20.0, res.Tracking.CongestionScore)
	})

	t.Run("detector failure", func(t *testing.T) {
		m := metrics.New(nil)
		failing := detector.Func(func(context.Context, detector.Frame) ([]vehicle.RawDetection, error) {
			return nil, errors.New("model not loaded")
		})
		p, _ := newTestPipeline(t, WithDetector(failing), WithMetrics(m))
		_, err := p.ProcessImage(context.Background(), detector.Frame{CameraID: "cam3", Data: []byte("x")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cam3")
		_, ok := p.Engine().Status("cam3")
		assert.False(t, ok, "failed detection must not create a session")
	})
}

type captured struct {
	mu    sync.Mutex
	lines []string
}

func (c *captured) logf(format string, v ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, format)
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestPipeline_RunConsumesFeed(t *testing.T) {
	logs := &captured{}
	monitoring.SetLogger(logs.logf)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	m := metrics.New(nil)
	p, _ := newTestPipeline(t, WithMetrics(m))

	port := serialmux.NewPipePort()
	mux := serialmux.NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitorDone := make(chan error, 1)
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx, mux) }()
	require.Eventually(t, func() bool { return mux.Stats().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)
	go func() { monitorDone <- mux.Monitor(ctx) }()

	require.NoError(t, port.Feed(`{"camera_id":"cam1","detections":[{"class":"car","confidence":0.9,"xyxy":[0,0,10,10]}]}`))
	require.NoError(t, port.Feed(`{"camera_id":"cam1",`))
	require.NoError(t, port.Feed(`{"camera_id":"cam2","detections":[]}`))

	require.Eventually(t, func() bool {
		_, ok := p.Engine().Status("cam2")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	snap, ok := p.Engine().Status("cam1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.CurrentCount)
	assert.Equal(t, uint64(1), m.FeedErrors.Load())
	assert.Equal(t, uint64(2), m.FramesReceived.Load())
	assert.Equal(t, 1, logs.count())
	assert.True(t, strings.HasPrefix(logs.lines[0], "skipping feed line"))

	// Closing the mux ends Run cleanly.
	require.NoError(t, mux.Close())
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after mux close")
	}
	<-monitorDone
}

func TestPipeline_RunStopsOnCancel(t *testing.T) {
	p, _ := newTestPipeline(t)
	mux := serialmux.NewDisabledSerialMux()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, mux) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, mux.Stats().Subscribers)
}
