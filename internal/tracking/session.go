package tracking

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// maxRememberedCrossings bounds the per-session memory of evicted identities
// that were already counted.
const maxRememberedCrossings = 4096

type crossing struct{ entered, exited bool }

// session is the per-camera counting state. All fields are guarded by mu.
type session struct {
	mu sync.Mutex

	cameraID  string
	sessionID string
	sequence  uint64

	vehicles     map[string]*TrackedVehicle
	entryCount   int
	exitCount    int
	lineCrossing bool // latched once any identified detection is seen

	// crossed remembers evicted identities that already entered or exited,
	// so an id the detector reuses after eviction is not counted twice.
	// Bounded by maxRememberedCrossings, oldest first.
	crossed      map[string]crossing
	crossedOrder []string

	lastFrame   time.Time // wall clock of the last Update, for idle detection
	lastAdvance time.Time // wall clock up to which missing counters are current
	last        TrackingSnapshot
}

func newSession(cameraID string, now time.Time) *session {
	s := &session{cameraID: cameraID}
	s.clear(now)
	return s
}

// clear resets the session to the state of a freshly created one with a new
// session id.
func (s *session) clear(now time.Time) {
	s.sessionID = uuid.NewString()
	s.sequence = 0
	s.vehicles = make(map[string]*TrackedVehicle)
	s.entryCount = 0
	s.exitCount = 0
	s.lineCrossing = false
	s.crossed = make(map[string]crossing)
	s.crossedOrder = nil
	s.lastFrame = now
	s.lastAdvance = now
	s.last = emptySnapshot(s.cameraID, s.sessionID, now)
}

// apply processes one frame of detections and returns the new snapshot with
// any count events it produced.
func (s *session) apply(dets []vehicle.Detection, cfg Config, at, now time.Time) (TrackingSnapshot, []CountEvent) {
	// Step 1: Reconcile duplicate identities, keeping the most confident.
	frame := dedupe(dets)

	// Step 2: Latch into line-crossing mode on the first identified detection.
	seen := make(map[string]struct{}, len(frame))
	for _, det := range frame {
		if det.Identified {
			s.lineCrossing = true
			break
		}
	}

	// Step 3: Create or advance identified vehicles.
	var events []CountEvent
	for _, det := range frame {
		if !det.Identified {
			continue
		}
		seen[det.ID] = struct{}{}

		v, ok := s.vehicles[det.ID]
		if !ok {
			v = newTrackedVehicle(det, cfg, at)
			if c, ok := s.crossed[det.ID]; ok {
				v.Counted, v.Exited = c.entered, c.exited
			}
			s.vehicles[det.ID] = v
			continue
		}
		entered, exited := v.observe(det, cfg, at)
		if entered {
			s.entryCount++
			events = append(events, s.event(v, CrossingEntry, at))
		}
		if exited {
			s.exitCount++
			events = append(events, s.event(v, CrossingExit, at))
		}
	}

	// Step 4: Age vehicles absent from this frame and evict stale ones.
	for id, v := range s.vehicles {
		if _, ok := seen[id]; ok {
			continue
		}
		if v.miss(1, cfg.DisappearanceThreshold) {
			s.evict(id, v)
		}
	}

	// Step 5: Aggregate.
	s.sequence++
	s.lastFrame = now
	s.lastAdvance = now
	s.last = s.snapshot(frame, cfg, at)
	return s.last, events
}

// advance ages every retained vehicle by n missed frames without a new
// observation. It returns the number of vehicles evicted.
func (s *session) advance(n int, threshold int, step time.Duration) int {
	evicted := 0
	for id, v := range s.vehicles {
		if v.miss(n, threshold) {
			s.evict(id, v)
			evicted++
		}
	}
	s.lastAdvance = s.lastAdvance.Add(time.Duration(n) * step)
	s.last.TrackedCount = len(s.vehicles)
	return evicted
}

// evict drops a vehicle, remembering its crossings if it was counted.
func (s *session) evict(id string, v *TrackedVehicle) {
	delete(s.vehicles, id)
	if !v.Counted && !v.Exited {
		return
	}
	if _, ok := s.crossed[id]; !ok {
		s.crossedOrder = append(s.crossedOrder, id)
	}
	s.crossed[id] = crossing{entered: v.Counted, exited: v.Exited}
	for len(s.crossed) > maxRememberedCrossings && len(s.crossedOrder) > 0 {
		oldest := s.crossedOrder[0]
		s.crossedOrder = s.crossedOrder[1:]
		delete(s.crossed, oldest)
	}
}

func (s *session) snapshot(frame []vehicle.Detection, cfg Config, at time.Time) TrackingSnapshot {
	snap := TrackingSnapshot{
		CameraID:       s.cameraID,
		SessionID:      s.sessionID,
		Sequence:       s.sequence,
		Timestamp:      at,
		ActiveVehicles: make([]ActiveVehicle, 0, len(frame)),
		ClassCounts:    make(map[vehicle.Class]int),
		TrackedCount:   len(s.vehicles),
		Mode:           ModeInstantaneous,
	}
	for _, det := range frame {
		snap.ActiveVehicles = append(snap.ActiveVehicles, ActiveVehicle{
			ID:         det.ID,
			Class:      det.Class,
			BBox:       det.BBox,
			Confidence: det.Confidence,
		})
		snap.ClassCounts[det.Class]++
	}
	snap.CurrentCount = len(frame)
	snap.ActiveCount = snap.CurrentCount
	snap.CongestionScore = CongestionScore(snap.CurrentCount, cfg.CongestionUnitWeight, cfg.CongestionCap)

	if s.lineCrossing {
		snap.Mode = ModeLineCrossing
		snap.EntryCount = s.entryCount
		snap.ExitCount = s.exitCount
		snap.TotalCount = max(s.entryCount-s.exitCount, 0)
	} else {
		snap.TotalCount = snap.CurrentCount
	}
	return snap
}

func (s *session) event(v *TrackedVehicle, dir CrossingDirection, at time.Time) CountEvent {
	return CountEvent{
		CameraID:  s.cameraID,
		SessionID: s.sessionID,
		VehicleID: v.ID,
		Class:     v.Class,
		Direction: dir,
		Position:  v.Center.Y,
		At:        at,
	}
}

// vehicleList returns copies of the retained vehicles ordered by id.
func (s *session) vehicleList() []TrackedVehicle {
	out := make([]TrackedVehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dedupe drops repeated identities within a frame, keeping the detection with
// the highest confidence at the position of the first occurrence. Anonymous
// detections are always kept.
func dedupe(dets []vehicle.Detection) []vehicle.Detection {
	out := make([]vehicle.Detection, 0, len(dets))
	index := make(map[string]int, len(dets))
	for _, det := range dets {
		if !det.Identified {
			out = append(out, det)
			continue
		}
		if i, ok := index[det.ID]; ok {
			if det.Confidence > out[i].Confidence {
				out[i] = det
			}
			continue
		}
		index[det.ID] = len(out)
		out = append(out, det)
	}
	return out
}
