package tracking

import (
	"time"

	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// CrossingDirection distinguishes entries from exits.
type CrossingDirection string

const (
	CrossingEntry CrossingDirection = "entry"
	CrossingExit  CrossingDirection = "exit"
)

// CountEvent is emitted whenever a vehicle increments a session's entry or
// exit counter.
type CountEvent struct {
	CameraID  string            `json:"camera_id"`
	SessionID string            `json:"session_id"`
	VehicleID string            `json:"vehicle_id"`
	Class     vehicle.Class     `json:"class"`
	Direction CrossingDirection `json:"direction"`
	Position  float64           `json:"position"` // center y at the crossing frame
	At        time.Time         `json:"at"`
}

// Observer receives engine output. Calls are made outside session locks and
// may come from multiple goroutines; implementations must not block for long.
type Observer interface {
	OnCountEvent(CountEvent)
	OnSnapshot(TrackingSnapshot)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	CountEvent func(CountEvent)
	Snapshot   func(TrackingSnapshot)
}

func (o ObserverFuncs) OnCountEvent(ev CountEvent) {
	if o.CountEvent != nil {
		o.CountEvent(ev)
	}
}

func (o ObserverFuncs) OnSnapshot(s TrackingSnapshot) {
	if o.Snapshot != nil {
		o.Snapshot(s)
	}
}
