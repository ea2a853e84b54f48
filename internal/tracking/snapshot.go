package tracking

import (
	"maps"
	"slices"
	"time"

	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// Mode reports how a session's counts were derived.
type Mode string

const (
	// ModeLineCrossing counts identified vehicles as they cross the line.
	ModeLineCrossing Mode = "line-crossing"
	// ModeInstantaneous is used while the detector has supplied no track
	// ids: total_count is the current frame's count and entry/exit are zero.
	ModeInstantaneous Mode = "instantaneous"
)

// ActiveVehicle is one detection present in the most recent frame.
type ActiveVehicle struct {
	ID         string              `json:"id"`
	Class      vehicle.Class       `json:"class"`
	BBox       vehicle.BoundingBox `json:"bbox"`
	Confidence float64             `json:"confidence"`
}

// TrackingSnapshot is the aggregated state of a camera session after a frame.
type TrackingSnapshot struct {
	CameraID        string                `json:"camera_id"`
	SessionID       string                `json:"session_id"`
	Sequence        uint64                `json:"sequence"`
	Timestamp       time.Time             `json:"timestamp"`
	ActiveVehicles  []ActiveVehicle       `json:"active_vehicles"`
	TotalCount      int                   `json:"total_count"`
	CurrentCount    int                   `json:"current_count"`
	ClassCounts     map[vehicle.Class]int `json:"class_counts"`
	ActiveCount     int                   `json:"active_count"`
	TrackedCount    int                   `json:"tracked_count"`
	EntryCount      int                   `json:"entry_count"`
	ExitCount       int                   `json:"exit_count"`
	CongestionScore float64               `json:"congestion_score"`
	Mode            Mode                  `json:"mode"`
}

// Clone returns a copy that shares no slices or maps with s.
func (s TrackingSnapshot) Clone() TrackingSnapshot {
	out := s
	out.ActiveVehicles = slices.Clone(s.ActiveVehicles)
	if out.ActiveVehicles == nil {
		out.ActiveVehicles = []ActiveVehicle{}
	}
	out.ClassCounts = maps.Clone(s.ClassCounts)
	if out.ClassCounts == nil {
		out.ClassCounts = map[vehicle.Class]int{}
	}
	return out
}

func emptySnapshot(cameraID, sessionID string, at time.Time) TrackingSnapshot {
	return TrackingSnapshot{
		CameraID:       cameraID,
		SessionID:      sessionID,
		Timestamp:      at,
		ActiveVehicles: []ActiveVehicle{},
		ClassCounts:    map[vehicle.Class]int{},
		Mode:           ModeInstantaneous,
	}
}
