package tracking

import (
	"time"

	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// VehicleState represents the lifecycle state of a tracked vehicle.
type VehicleState string

const (
	StatePresent VehicleState = "present" // seen in the latest frame
	StateMissing VehicleState = "missing" // retained but absent from the latest frame
)

// Side is the latched position of a vehicle relative to the counting line.
type Side int

const (
	SideBefore Side = iota // approach side
	SideAfter              // past the line in the entry direction
)

// TrackedVehicle is the engine's record of one identified vehicle.
type TrackedVehicle struct {
	ID         string
	Class      vehicle.Class
	Center     vehicle.Point
	BBox       vehicle.BoundingBox
	Confidence float64

	State  VehicleState
	Side   Side
	Misses int // consecutive frames missing
	Frames int // frames observed

	Counted bool // credited to entry_count; never reset
	Exited  bool // credited to exit_count; never reset

	FirstSeen time.Time
	LastSeen  time.Time
}

func newTrackedVehicle(det vehicle.Detection, cfg Config, at time.Time) *TrackedVehicle {
	v := &TrackedVehicle{
		ID:        det.ID,
		State:     StatePresent,
		Side:      SideBefore,
		FirstSeen: at,
	}
	if cfg.progress(det.Center.Y) >= 0 {
		v.Side = SideAfter
	}
	v.refresh(det, at)
	return v
}

func (v *TrackedVehicle) refresh(det vehicle.Detection, at time.Time) {
	v.Class = det.Class
	v.Center = det.Center
	v.BBox = det.BBox
	v.Confidence = det.Confidence
	v.State = StatePresent
	v.Misses = 0
	v.Frames++
	v.LastSeen = at
}

// observe applies a new observation and reports any counter the vehicle
// should increment. Entry happens on reaching the line from the approach
// side. Exit requires clearing the buffer on the approach side, so jitter
// around the line never registers as a crossing.
func (v *TrackedVehicle) observe(det vehicle.Detection, cfg Config, at time.Time) (entered, exited bool) {
	v.refresh(det, at)

	p := cfg.progress(det.Center.Y)
	switch v.Side {
	case SideBefore:
		if p >= 0 {
			v.Side = SideAfter
			if !v.Counted {
				v.Counted = true
				entered = true
			}
		}
	case SideAfter:
		if p < -cfg.Buffer {
			v.Side = SideBefore
			if !v.Exited {
				v.Exited = true
				exited = true
			}
		}
	}
	return entered, exited
}

// miss records n absent frames and reports whether the vehicle should be
// evicted.
func (v *TrackedVehicle) miss(n, threshold int) bool {
	v.State = StateMissing
	v.Misses += n
	return v.Misses > threshold
}
