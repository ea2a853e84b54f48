package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/congestion.report/internal/tracking"
	"github.com/banshee-data/congestion.report/internal/vehicle"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_FramesAndSnapshots(t *testing.T) {
	m := New(func() int { return 2 })

	m.ObserveFrame("cam1", vehicle.NormalizeStats{Input: 6, Kept: 3, LowConfidence: 1, UnknownClass: 1, MalformedRecord: 1}, 2*time.Millisecond)
	m.OnCountEvent(tracking.CountEvent{CameraID: "cam1", Direction: tracking.CrossingEntry, Class: vehicle.ClassBus})
	m.OnSnapshot(tracking.TrackingSnapshot{CameraID: "cam1", CurrentCount: 3, TotalCount: 1, CongestionScore: 30})
	m.DetectorError()
	m.FeedErrors.Add(1)

	out := scrape(t, m)
	for _, want := range []string{
		`congestion_detections_total{camera="cam1"} 3`,
		`congestion_detections_dropped_total{camera="cam1",reason="low_confidence"} 1`,
		`congestion_detections_dropped_total{camera="cam1",reason="unknown_class"} 1`,
		`congestion_detections_dropped_total{camera="cam1",reason="malformed_record"} 1`,
		`congestion_line_crossings_total{camera="cam1",class="bus",direction="entry"} 1`,
		`congestion_current_vehicles{camera="cam1"} 3`,
		`congestion_total_vehicles{camera="cam1"} 1`,
		`congestion_score{camera="cam1"} 30`,
		`congestion_frames_received_total 1`,
		`congestion_feed_errors_total 1`,
		`congestion_detector_errors_total 1`,
		`congestion_camera_sessions 2`,
		`congestion_frame_processing_seconds_count 1`,
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, `reason="malformed_box"`)
}

func TestMetrics_Forget(t *testing.T) {
	m := New(nil)
	m.OnSnapshot(tracking.TrackingSnapshot{CameraID: "cam1", CurrentCount: 1})
	m.OnSnapshot(tracking.TrackingSnapshot{CameraID: "cam2", CurrentCount: 4})

	m.Forget("cam1")

	out := scrape(t, m)
	assert.False(t, strings.Contains(out, `camera="cam1"`), "cam1 series should be removed")
	assert.Contains(t, out, `congestion_current_vehicles{camera="cam2"} 4`)
	assert.NotContains(t, out, "congestion_camera_sessions")
}

func TestMetrics_SubscribesToEngine(t *testing.T) {
	e, err := tracking.NewEngine(tracking.DefaultConfig(), nil)
	require.NoError(t, err)
	m := New(func() int { return len(e.Cameras()) })
	e.Subscribe(m)

	e.Update("gate", nil)
	assert.Contains(t, scrape(t, m), `congestion_current_vehicles{camera="gate"} 0`)
	assert.Contains(t, scrape(t, m), `congestion_camera_sessions 1`)
}
