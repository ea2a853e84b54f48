package db

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/banshee-data/congestion.report/internal/monitoring"
	"github.com/banshee-data/congestion.report/internal/timeutil"
	"github.com/banshee-data/congestion.report/internal/tracking"
	"github.com/banshee-data/congestion.report/internal/vehicle"
)

func TestRecorder_ThrottlesSnapshots(t *testing.T) {
	db := setupTestDB(t)
	r := NewRecorder(db, 10*time.Second, 0)
	r.Start()

	r.OnSnapshot(snapshotAt("cam", epoch, 1))
	r.OnSnapshot(snapshotAt("cam", epoch.Add(2*time.Second), 2)) // throttled
	r.OnSnapshot(snapshotAt("other", epoch.Add(2*time.Second), 2))
	r.OnSnapshot(snapshotAt("cam", epoch.Add(10*time.Second), 3))

	reset := snapshotAt("cam", epoch.Add(11*time.Second), 0)
	reset.SessionID = "fresh"
	r.OnSnapshot(reset)

	r.OnCountEvent(tracking.CountEvent{CameraID: "cam", SessionID: "s", VehicleID: "1", Class: vehicle.ClassCar, Direction: tracking.CrossingEntry, At: epoch})
	r.Stop()
	r.Stop()

	stats := r.Stats()
	if stats.Written != 5 || stats.Throttled != 1 || stats.Dropped != 0 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	snaps, err := db.Snapshots(context.Background(), "cam", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 3 {
		t.Fatalf("stored %d cam snapshots, want 3", len(snaps))
	}
	if snaps[2].SessionID != "fresh" {
		t.Errorf("new session snapshot not stored: %+v", snaps[2])
	}

	// Writes after Stop are dropped.
	r.OnCountEvent(tracking.CountEvent{CameraID: "cam"})
	if got := r.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d after stop, want 1", got)
	}
}

func TestRecorder_ForgetAndNoInterval(t *testing.T) {
	db := setupTestDB(t)
	r := NewRecorder(db, 0, 4)
	for i := 0; i < 3; i++ {
		r.OnSnapshot(snapshotAt("cam", epoch, i))
	}
	r.Forget("cam")
	// Stop without Start still flushes the queue.
	r.Stop()
	if got := r.Stats().Written; got != 3 {
		t.Errorf("Written = %d, want 3", got)
	}
}

func TestRecorder_QueueFull(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	db := setupTestDB(t)
	r := NewRecorder(db, 0, 2)
	for i := 0; i < 5; i++ {
		r.OnCountEvent(tracking.CountEvent{CameraID: "cam", Class: vehicle.ClassCar, Direction: tracking.CrossingEntry, At: epoch})
	}
	r.Stop()
	if stats := r.Stats(); stats.Written != 2 || stats.Dropped != 3 {
		t.Errorf("stats = %+v, want 2 written 3 dropped", stats)
	}
}

func TestRecorder_WriteFailureIsCounted(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	db := setupTestDB(t)
	r := NewRecorder(db, 0, 0)
	db.Close()

	r.OnCountEvent(tracking.CountEvent{CameraID: "cam", At: epoch})
	r.Stop()
	if stats := r.Stats(); stats.Failed != 1 || stats.Written != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRecorder_WithEngine(t *testing.T) {
	db := setupTestDB(t)
	r := NewRecorder(db, time.Minute, 0)
	r.Start()

	engine, err := tracking.NewEngine(tracking.DefaultConfig(), timeutil.NewMockClock(epoch))
	if err != nil {
		t.Fatal(err)
	}
	unsubscribe := engine.Subscribe(r)
	defer unsubscribe()

	for i, y := range []float64{80, 95, 110} {
		det := vehicle.Detection{
			ID:         "7",
			Identified: true,
			Class:      vehicle.ClassTruck,
			Confidence: 0.9,
			BBox:       vehicle.BoundingBox{X: 10, Y: y - 10, Width: 20, Height: 20},
			Center:     vehicle.Point{X: 20, Y: y},
		}
		engine.UpdateAt("gate", []vehicle.Detection{det}, epoch.Add(time.Duration(i)*time.Second))
	}
	r.Stop()

	events, err := db.RecentEvents(context.Background(), "gate", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Direction != tracking.CrossingEntry || events[0].VehicleID != "7" {
		t.Fatalf("events = %+v", events)
	}
	if !events[0].At.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("event time = %v", events[0].At)
	}

	snaps, err := db.Snapshots(context.Background(), "gate", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].Mode != tracking.ModeLineCrossing {
		t.Errorf("snapshots = %+v", snaps)
	}
}
