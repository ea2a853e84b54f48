package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/congestion.report/internal/tracking"
)

func startHub(t *testing.T, ts *testServer) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	ts.server.hub = hub
	unsubscribe := ts.server.engine().Subscribe(hub)
	t.Cleanup(unsubscribe)

	srv := httptest.NewServer(LoggingMiddleware(ts.server.ServeMux()))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tracking" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StreamsSnapshotsPerCamera(t *testing.T) {
	ts := setupTestServer(t, serverOptions{})
	ts.postFrame(t, `{"camera_id":"cam1","detections":[{"id":3,"class":"bus","confidence":0.9,"bbox":{"x":0,"y":80,"width":10,"height":10}}]}`)
	hub, srv := startHub(t, ts)

	cam1 := dial(t, srv, "?camera_id=cam1")
	all := dial(t, srv, "")

	// A known camera gets its current state on connect.
	env := readEnvelope(t, cam1)
	if env.Type != MessageSnapshot || env.CameraID != "cam1" {
		t.Fatalf("initial envelope = %+v", env)
	}
	waitForClients(t, hub, 2)

	ts.postFrame(t, `{"camera_id":"cam2","detections":[]}`)
	ts.postFrame(t, `{"camera_id":"cam1","detections":[{"id":3,"class":"bus","confidence":0.9,"bbox":{"x":0,"y":95,"width":10,"height":10}}]}`)

	env = readEnvelope(t, cam1)
	if env.Type != MessageCountEvent || env.CameraID != "cam1" {
		t.Fatalf("cam1 client received %s for %q", env.Type, env.CameraID)
	}
	var ev tracking.CountEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.VehicleID != "3" || ev.Direction != tracking.CrossingEntry {
		t.Errorf("streamed event = %+v", ev)
	}

	env = readEnvelope(t, cam1)
	if env.Type != MessageSnapshot || env.CameraID != "cam1" {
		t.Fatalf("cam1 client received %s for %q", env.Type, env.CameraID)
	}
	var snap tracking.TrackingSnapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.EntryCount != 1 || snap.CurrentCount != 1 {
		t.Errorf("streamed snapshot = %+v", snap)
	}

	var types []string
	for i := 0; i < 3; i++ {
		env := readEnvelope(t, all)
		types = append(types, env.Type+":"+env.CameraID)
	}
	want := []string{"snapshot:cam2", "count_event:cam1", "snapshot:cam1"}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("unfiltered stream = %v, want %v", types, want)
			break
		}
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	ts := setupTestServer(t, serverOptions{})
	hub, srv := startHub(t, ts)

	conn := dial(t, srv, "?camera_id=cam9")
	waitForClients(t, hub, 1)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	ts := setupTestServer(t, serverOptions{})
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { hub.Run(ctx); close(done) }()
	ts.server.hub = hub

	srv := httptest.NewServer(ts.server.ServeMux())
	defer srv.Close()
	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	cancel()
	<-done
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		t.Errorf("expected close after shutdown, got %v", err)
	}

	// Publishing after shutdown must not block.
	hub.OnSnapshot(tracking.TrackingSnapshot{CameraID: "late"})
}

func TestHub_PublishWithoutRunDrops(t *testing.T) {
	hub := NewHub()
	for i := 0; i < broadcastQueue+3; i++ {
		hub.OnCountEvent(tracking.CountEvent{CameraID: "cam"})
	}
	if hub.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", hub.Dropped())
	}
}
