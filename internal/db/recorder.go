package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/congestion.report/internal/monitoring"
	"github.com/banshee-data/congestion.report/internal/tracking"
)

// DefaultRecorderBuffer is the queue depth used when NewRecorder is given
// a non-positive buffer.
const DefaultRecorderBuffer = 1024

// record is one queued write: exactly one field is set.
type record struct {
	event    *tracking.CountEvent
	snapshot *tracking.TrackingSnapshot
}

// RecorderStats reports recorder throughput.
type RecorderStats struct {
	Written   uint64 `json:"written"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Throttled uint64 `json:"throttled"`
}

// Recorder persists engine output. It implements tracking.Observer; writes
// are queued and performed by a single worker so a slow disk never holds up
// an update. Every count event is stored; snapshots are stored at most once
// per SnapshotInterval per camera, plus whenever a camera starts a new
// session.
type Recorder struct {
	DB               *DB
	SnapshotInterval time.Duration

	queue    chan record
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	mu       sync.Mutex
	lastSnap map[string]lastSnapshot

	written   atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	throttled atomic.Uint64
}

type lastSnapshot struct {
	sessionID string
	at        time.Time
}

func NewRecorder(db *DB, snapshotInterval time.Duration, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	return &Recorder{
		DB:               db,
		SnapshotInterval: snapshotInterval,
		queue:            make(chan record, buffer),
		stopChan:         make(chan struct{}),
		done:             make(chan struct{}),
		lastSnap:         make(map[string]lastSnapshot),
	}
}

// Start runs the write loop in a goroutine.
func (r *Recorder) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		for {
			select {
			case rec := <-r.queue:
				r.write(rec)
			case <-r.stopChan:
				r.drain()
				return
			}
		}
	}()
}

// Stop flushes queued writes and stops the worker. It is safe to call more
// than once and before Start.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		if r.started.Load() {
			<-r.done
		} else {
			r.drain()
		}
	})
}

func (r *Recorder) drain() {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case rec.event != nil:
		err = r.DB.RecordCountEvent(ctx, *rec.event)
	case rec.snapshot != nil:
		err = r.DB.RecordSnapshot(ctx, *rec.snapshot)
	default:
		return
	}
	if err != nil {
		r.failed.Add(1)
		monitoring.Logf("recorder: %v", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) enqueue(rec record) {
	select {
	case <-r.stopChan:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			monitoring.Logf("recorder: queue full, dropping writes")
		}
	}
}

func (r *Recorder) OnCountEvent(ev tracking.CountEvent) {
	r.enqueue(record{event: &ev})
}

func (r *Recorder) OnSnapshot(s tracking.TrackingSnapshot) {
	if !r.due(s) {
		r.throttled.Add(1)
		return
	}
	r.enqueue(record{snapshot: &s})
}

func (r *Recorder) due(s tracking.TrackingSnapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.lastSnap[s.CameraID]
	if ok && last.sessionID == s.SessionID && r.SnapshotInterval > 0 {
		if elapsed := s.Timestamp.Sub(last.at); elapsed >= 0 && elapsed < r.SnapshotInterval {
			return false
		}
	}
	r.lastSnap[s.CameraID] = lastSnapshot{sessionID: s.SessionID, at: s.Timestamp}
	return true
}

// Forget drops the throttle state for a camera.
func (r *Recorder) Forget(cameraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastSnap, cameraID)
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written:   r.written.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
		Throttled: r.throttled.Load(),
	}
}
