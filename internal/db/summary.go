package db

import (
	"context"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a camera's stored snapshots over a trailing window.
type Summary struct {
	CameraID       string    `json:"camera_id"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Samples        int       `json:"samples"`
	MeanCurrent    float64   `json:"mean_current_count"`
	P50Current     float64   `json:"p50_current_count"`
	P95Current     float64   `json:"p95_current_count"`
	MaxCurrent     float64   `json:"max_current_count"`
	MeanCongestion float64   `json:"mean_congestion"`
	P50Congestion  float64   `json:"p50_congestion"`
	P95Congestion  float64   `json:"p95_congestion"`
	MaxCongestion  float64   `json:"max_congestion"`
	Entries        int       `json:"entries"`
	Exits          int       `json:"exits"`
}

// Summary aggregates snapshots in (now-window, now]. A camera without
// samples yields a zero-valued summary rather than an error.
func (db *DB) Summary(ctx context.Context, cameraID string, window time.Duration, now time.Time) (Summary, error) {
	from := now.Add(-window)
	out := Summary{CameraID: cameraID, From: from.UTC(), To: now.UTC()}

	snaps, err := db.Snapshots(ctx, cameraID, from)
	if err != nil {
		return out, err
	}

	current := make([]float64, 0, len(snaps))
	congestion := make([]float64, 0, len(snaps))
	for _, s := range snaps {
		if s.Timestamp.After(now) {
			continue
		}
		current = append(current, float64(s.CurrentCount))
		congestion = append(congestion, s.CongestionScore)
	}

	out.Entries, out.Exits, err = db.CountEvents(ctx, cameraID, from)
	if err != nil {
		return out, err
	}

	out.Samples = len(current)
	if out.Samples == 0 {
		return out, nil
	}
	out.MeanCurrent, out.P50Current, out.P95Current, out.MaxCurrent = describe(current)
	out.MeanCongestion, out.P50Congestion, out.P95Congestion, out.MaxCongestion = describe(congestion)
	return out, nil
}

// describe returns mean, median, 95th percentile and max of a non-empty
// sample. x is sorted in place.
func describe(x []float64) (mean, p50, p95, peak float64) {
	sort.Float64s(x)
	mean = stat.Mean(x, nil)
	p50 = stat.Quantile(0.5, stat.Empirical, x, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, x, nil)
	peak = floats.Max(x)
	return mean, p50, p95, peak
}
