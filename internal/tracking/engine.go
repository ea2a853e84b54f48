// Package tracking maintains per-camera vehicle identity across frames and
// turns canonical detections into counts and a congestion score.
package tracking

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/congestion.report/internal/timeutil"
	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// Engine owns every camera session. Updates to one camera are serialized by
// that session's lock; different cameras proceed concurrently.
type Engine struct {
	cfg   Config
	clock timeutil.Clock

	mu       sync.RWMutex
	sessions map[string]*session

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObsID int
}

// NewEngine validates cfg and returns an empty engine. A nil clock selects
// the real clock.
func NewEngine(cfg Config, clock timeutil.Clock) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{
		cfg:       cfg,
		clock:     clock,
		sessions:  make(map[string]*session),
		observers: make(map[int]Observer),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Update applies one frame to the camera's session, stamped with the current
// clock time.
func (e *Engine) Update(cameraID string, dets []vehicle.Detection) TrackingSnapshot {
	return e.UpdateAt(cameraID, dets, e.clock.Now())
}

// UpdateAt applies one frame captured at the given time. The session is
// created on first use. UpdateAt never fails; an empty frame is valid.
func (e *Engine) UpdateAt(cameraID string, dets []vehicle.Detection, at time.Time) TrackingSnapshot {
	now := e.clock.Now()
	s := e.session(cameraID, now)

	s.mu.Lock()
	snap, events := s.apply(dets, e.cfg, at, now)
	snap = snap.Clone()
	s.mu.Unlock()

	e.notify(events, snap)
	return snap
}

// Reset clears the camera's vehicles and counters and starts a new session
// id. Resetting an unknown camera is a no-op.
func (e *Engine) Reset(cameraID string) {
	e.mu.RLock()
	s, ok := e.sessions[cameraID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.clear(e.clock.Now())
	snap := s.last.Clone()
	s.mu.Unlock()

	e.notify(nil, snap)
}

// Remove drops the camera's session entirely.
func (e *Engine) Remove(cameraID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, cameraID)
}

// Status returns the last snapshot produced for the camera. The boolean is
// false if the camera has no session.
func (e *Engine) Status(cameraID string) (TrackingSnapshot, bool) {
	e.mu.RLock()
	s, ok := e.sessions[cameraID]
	e.mu.RUnlock()
	if !ok {
		return TrackingSnapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Clone(), true
}

// Vehicles returns copies of the identified vehicles retained for the
// camera, ordered by id.
func (e *Engine) Vehicles(cameraID string) ([]TrackedVehicle, error) {
	e.mu.RLock()
	s, ok := e.sessions[cameraID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown camera %q", cameraID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vehicleList(), nil
}

// Cameras returns the ids of all known sessions in sorted order.
func (e *Engine) Cameras() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep ages sessions that have not received a frame for IdleTimeout. Each
// elapsed FrameInterval since the session's last update counts as one missed
// frame, so a camera that goes quiet still evicts its vehicles. It returns
// the total number of vehicles evicted. Sessions that lost vehicles publish
// their refreshed snapshot to observers.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.RLock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	evicted := 0
	var changed []TrackingSnapshot
	for _, s := range sessions {
		s.mu.Lock()
		if len(s.vehicles) > 0 && now.Sub(s.lastFrame) >= e.cfg.IdleTimeout {
			if n := int(now.Sub(s.lastAdvance) / e.cfg.FrameInterval); n > 0 {
				if k := s.advance(n, e.cfg.DisappearanceThreshold, e.cfg.FrameInterval); k > 0 {
					evicted += k
					changed = append(changed, s.last.Clone())
				}
			}
		}
		s.mu.Unlock()
	}

	for _, snap := range changed {
		e.notify(nil, snap)
	}
	return evicted
}

// Subscribe registers an observer for count events and snapshots. The
// returned function unregisters it.
func (e *Engine) Subscribe(o Observer) (unsubscribe func()) {
	e.obsMu.Lock()
	id := e.nextObsID
	e.nextObsID++
	e.observers[id] = o
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

func (e *Engine) session(cameraID string, now time.Time) *session {
	e.mu.RLock()
	s, ok := e.sessions[cameraID]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.sessions[cameraID]; !ok {
		s = newSession(cameraID, now)
		e.sessions[cameraID] = s
	}
	return s
}

func (e *Engine) notify(events []CountEvent, snap TrackingSnapshot) {
	e.obsMu.RLock()
	if len(e.observers) == 0 {
		e.obsMu.RUnlock()
		return
	}
	ids := make([]int, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, e.observers[id])
	}
	e.obsMu.RUnlock()

	for _, o := range observers {
		for _, ev := range events {
			o.OnCountEvent(ev)
		}
		o.OnSnapshot(snap)
	}
}
