package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/congestion.report/internal/tracking"
	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// DefaultEventLimit caps RecentEvents when the caller passes no limit.
const DefaultEventLimit = 100

// MaxEventLimit is the largest page RecentEvents returns.
const MaxEventLimit = 1000

func unixMillis(t time.Time) int64 { return t.UnixMilli() }

func fromUnixMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// RecordCountEvent stores one entry or exit.
func (db *DB) RecordCountEvent(ctx context.Context, ev tracking.CountEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO count_events (camera_id, session_id, vehicle_id, class, direction, position, event_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.CameraID, ev.SessionID, ev.VehicleID, string(ev.Class), string(ev.Direction), ev.Position, unixMillis(ev.At),
	)
	if err != nil {
		return fmt.Errorf("failed to insert count event: %w", err)
	}
	return nil
}

// RecordSnapshot stores the aggregate fields of a snapshot. Active vehicles
// are not persisted.
func (db *DB) RecordSnapshot(ctx context.Context, s tracking.TrackingSnapshot) error {
	classCounts := s.ClassCounts
	if classCounts == nil {
		classCounts = map[vehicle.Class]int{}
	}
	classJSON, err := json.Marshal(classCounts)
	if err != nil {
		return fmt.Errorf("failed to encode class counts: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO tracking_snapshots (
			camera_id, session_id, sequence, mode, total_count, current_count,
			tracked_count, entry_count, exit_count, congestion_score, class_counts, snapshot_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.CameraID, s.SessionID, int64(s.Sequence), string(s.Mode), s.TotalCount, s.CurrentCount,
		s.TrackedCount, s.EntryCount, s.ExitCount, s.CongestionScore, string(classJSON), unixMillis(s.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit count events for a camera, newest first.
func (db *DB) RecentEvents(ctx context.Context, cameraID string, limit int) ([]tracking.CountEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}

	rows, err := db.QueryContext(ctx, `
		SELECT camera_id, session_id, vehicle_id, class, direction, position, event_unix_ms
		FROM count_events
		WHERE camera_id = ?
		ORDER BY event_unix_ms DESC, event_id DESC
		LIMIT ?`, cameraID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query count events: %w", err)
	}
	defer rows.Close()

	events := []tracking.CountEvent{}
	for rows.Next() {
		var (
			ev        tracking.CountEvent
			class     string
			direction string
			at        int64
		)
		if err := rows.Scan(&ev.CameraID, &ev.SessionID, &ev.VehicleID, &class, &direction, &ev.Position, &at); err != nil {
			return nil, err
		}
		ev.Class = vehicle.Class(class)
		ev.Direction = tracking.CrossingDirection(direction)
		ev.At = fromUnixMillis(at)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// StoredSnapshot is a persisted snapshot row.
type StoredSnapshot struct {
	CameraID        string                `json:"camera_id"`
	SessionID       string                `json:"session_id"`
	Sequence        uint64                `json:"sequence"`
	Mode            tracking.Mode         `json:"mode"`
	TotalCount      int                   `json:"total_count"`
	CurrentCount    int                   `json:"current_count"`
	TrackedCount    int                   `json:"tracked_count"`
	EntryCount      int                   `json:"entry_count"`
	ExitCount       int                   `json:"exit_count"`
	CongestionScore float64               `json:"congestion_score"`
	ClassCounts     map[vehicle.Class]int `json:"class_counts"`
	Timestamp       time.Time             `json:"timestamp"`
}

// Snapshots returns stored snapshots for a camera taken at or after since,
// oldest first. An empty cameraID selects every camera.
func (db *DB) Snapshots(ctx context.Context, cameraID string, since time.Time) ([]StoredSnapshot, error) {
	query := `
		SELECT camera_id, session_id, sequence, mode, total_count, current_count,
		       tracked_count, entry_count, exit_count, congestion_score, class_counts, snapshot_unix_ms
		FROM tracking_snapshots
		WHERE snapshot_unix_ms >= ?`
	args := []interface{}{unixMillis(since)}
	if cameraID != "" {
		query += ` AND camera_id = ?`
		args = append(args, cameraID)
	}
	query += ` ORDER BY snapshot_unix_ms ASC, snapshot_id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	out := []StoredSnapshot{}
	for rows.Next() {
		var (
			s         StoredSnapshot
			seq       int64
			mode      string
			classJSON string
			at        int64
		)
		if err := rows.Scan(&s.CameraID, &s.SessionID, &seq, &mode, &s.TotalCount, &s.CurrentCount,
			&s.TrackedCount, &s.EntryCount, &s.ExitCount, &s.CongestionScore, &classJSON, &at); err != nil {
			return nil, err
		}
		s.Sequence = uint64(seq)
		s.Mode = tracking.Mode(mode)
		s.Timestamp = fromUnixMillis(at)
		s.ClassCounts = map[vehicle.Class]int{}
		if err := json.Unmarshal([]byte(classJSON), &s.ClassCounts); err != nil {
			return nil, fmt.Errorf("failed to decode class counts for snapshot at %d: %w", at, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountEvents returns the number of entries and exits recorded for a camera
// at or after since.
func (db *DB) CountEvents(ctx context.Context, cameraID string, since time.Time) (entries, exits int, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN direction = 'entry' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = 'exit' THEN 1 ELSE 0 END), 0)
		FROM count_events
		WHERE camera_id = ? AND event_unix_ms >= ?`, cameraID, unixMillis(since)).Scan(&entries, &exits)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count events: %w", err)
	}
	return entries, exits, nil
}

// Cameras lists camera ids with stored snapshots, sorted.
func (db *DB) Cameras(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT camera_id FROM tracking_snapshots ORDER BY camera_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	cameras := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		cameras = append(cameras, id)
	}
	return cameras, rows.Err()
}

// PruneBefore deletes events and snapshots older than cutoff and returns the
// number of rows removed.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, stmt := range []string{
		`DELETE FROM count_events WHERE event_unix_ms < ?`,
		`DELETE FROM tracking_snapshots WHERE snapshot_unix_ms < ?`,
	} {
		res, err := tx.ExecContext(ctx, stmt, unixMillis(cutoff))
		if err != nil {
			return 0, fmt.Errorf("failed to prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}
