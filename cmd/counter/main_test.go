package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/congestion.report/internal/db"
	"github.com/banshee-data/congestion.report/internal/serialmux"
	"github.com/banshee-data/congestion.report/internal/timeutil"
	"github.com/banshee-data/congestion.report/internal/tracking"
)

func parseFlags(t *testing.T, args ...string) *options {
	t.Helper()
	fs := flag.NewFlagSet("counter", flag.ContinueOnError)
	o := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return o
}

func TestRegisterFlags_Defaults(t *testing.T) {
	o := parseFlags(t)
	if o.listen != ":8080" {
		t.Errorf("listen = %q", o.listen)
	}
	if o.dbPath != "congestion.db" {
		t.Errorf("db = %q", o.dbPath)
	}
	if o.baudRate != serialmux.DefaultBaudRate {
		t.Errorf("baud = %d", o.baudRate)
	}
	if o.detectorTimeout != 10*time.Second {
		t.Errorf("detector-timeout = %s", o.detectorTimeout)
	}
	if o.retention != 0 || o.debug {
		t.Errorf("retention=%s debug=%v", o.retention, o.debug)
	}
}

func TestRegisterFlags_EnvironmentSeedsDefaults(t *testing.T) {
	t.Setenv("COUNTER_LISTEN", ":9090")
	t.Setenv("COUNTER_BAUD", "not-a-number")
	t.Setenv("COUNTER_RETENTION", "48h")
	t.Setenv("COUNTER_DEBUG", "true")

	o := parseFlags(t)
	if o.listen != ":9090" {
		t.Errorf("listen = %q, want :9090", o.listen)
	}
	if o.baudRate != serialmux.DefaultBaudRate {
		t.Errorf("baud = %d, want fallback", o.baudRate)
	}
	if o.retention != 48*time.Hour || !o.debug {
		t.Errorf("retention=%s debug=%v", o.retention, o.debug)
	}

	// Flags still win over the environment.
	o = parseFlags(t, "--listen", "127.0.0.1:7000")
	if o.listen != "127.0.0.1:7000" {
		t.Errorf("listen = %q", o.listen)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"defaults", nil, false},
		{"serial and feed", []string{"--serial", "/dev/ttyUSB0", "--feed", "frames.jsonl"}, true},
		{"zero detector timeout", []string{"--detector-timeout", "0s"}, true},
		{"negative retention", []string{"--retention", "-1h"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseFlags(t, tt.args...).validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewApp_BadConfig(t *testing.T) {
	o := parseFlags(t, "--config", filepath.Join(t.TempDir(), "missing.json"), "--db", "")
	if _, err := newApp(o, serialmux.NewDisabledSerialMux(), timeutil.RealClock{}); err == nil {
		t.Fatal("expected an error for a missing tuning file")
	}
}

func TestApp_FeedToStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "counter.db")
	o := parseFlags(t, "--db", dbPath)

	port := serialmux.NewPipePort()
	feed := serialmux.NewSerialMux(port)
	clock := timeutil.NewMockClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	a, err := newApp(o, feed, clock)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	a.startWorkers(ctx, &wg, 0)

	for _, line := range []string{
		`{"camera_id":"cam1","detections":[{"id":3,"class":"bus","confidence":0.9,"bbox":{"x":0,"y":80,"width":10,"height":10}}]}`,
		`not json`,
		`{"camera_id":"cam1","detections":[{"id":3,"class":"bus","confidence":0.9,"bbox":{"x":0,"y":95,"width":10,"height":10}}]}`,
	} {
		if err := port.Feed(line); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if snap, ok := a.engine.Status("cam1"); ok && snap.EntryCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("feed frames were not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := httptest.NewRecorder()
	a.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status/cam1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d: %s", rec.Code, rec.Body.String())
	}
	var snap tracking.TrackingSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.TotalCount != 1 || snap.CurrentCount != 1 || snap.Mode != tracking.ModeLineCrossing {
		t.Errorf("snapshot = %+v", snap)
	}
	if got := a.metrics.FeedErrors.Load(); got != 1 {
		t.Errorf("FeedErrors = %d, want 1", got)
	}

	cancel()
	wg.Wait()
	a.close()

	store, err := db.NewDB(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	events, err := store.RecentEvents(context.Background(), "cam1", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []tracking.CountEvent{{CameraID: "cam1", VehicleID: "3", Class: "bus", Direction: tracking.CrossingEntry}}
	if diff := cmp.Diff(want, events, cmpopts.IgnoreFields(tracking.CountEvent{}, "SessionID", "Position", "At")); diff != "" {
		t.Errorf("stored events mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRetention_PrunesOldHistory(t *testing.T) {
	o := parseFlags(t, "--db", filepath.Join(t.TempDir(), "counter.db"))
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(now)

	a, err := newApp(o, serialmux.NewDisabledSerialMux(), clock)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	old := tracking.CountEvent{CameraID: "cam1", VehicleID: "1", Class: "car", Direction: tracking.CrossingEntry, At: now.Add(-72 * time.Hour)}
	fresh := tracking.CountEvent{CameraID: "cam1", VehicleID: "2", Class: "car", Direction: tracking.CrossingEntry, At: now.Add(-time.Hour)}
	for _, ev := range []tracking.CountEvent{old, fresh} {
		if err := a.store.RecordCountEvent(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.runRetention(ctx, 24*time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := a.store.RecentEvents(context.Background(), "cam1", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) == 1 {
			if events[0].VehicleID != "2" {
				t.Errorf("kept %+v, want the fresh event", events[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retention left %d events", len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
