// Package ingest decodes detector output and drives it through the
// normalizer and the counting engine.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// DefaultCameraID is used when a frame does not name its camera.
const DefaultCameraID = "default"

// ErrEmptyLine is returned by DecodeFrame for blank input.
var ErrEmptyLine = errors.New("empty frame line")

// FrameMessage is one frame of detector output as it appears on the feed or
// in a POST /api/detect body.
type FrameMessage struct {
	CameraID   string                `json:"camera_id"`
	Timestamp  *float64              `json:"timestamp,omitempty"` // unix seconds
	Detections vehicle.RawDetections `json:"detections"`
}

// DecodeFrame parses a feed line. A missing camera id selects
// DefaultCameraID; a missing detections array is an empty frame.
func DecodeFrame(line []byte) (FrameMessage, error) {
	var msg FrameMessage
	if len(strings.TrimSpace(string(line))) == 0 {
		return msg, ErrEmptyLine
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode frame: %w", err)
	}
	if err := msg.normalize(); err != nil {
		return msg, err
	}
	return msg, nil
}

func (m *FrameMessage) normalize() error {
	m.CameraID = strings.TrimSpace(m.CameraID)
	if m.CameraID == "" {
		m.CameraID = DefaultCameraID
	}
	if m.Timestamp != nil {
		ts := *m.Timestamp
		if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 {
			return fmt.Errorf("invalid frame timestamp %v", ts)
		}
	}
	return nil
}

// Time returns the frame capture time, or fallback when the frame carries
// none.
func (m FrameMessage) Time(fallback time.Time) time.Time {
	if m.Timestamp == nil {
		return fallback
	}
	sec, frac := math.Modf(*m.Timestamp)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}
