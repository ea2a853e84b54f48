package vehicle

import (
	"fmt"
	"math"
	"strconv"
)

// DefaultConfidenceThreshold is the minimum detector confidence kept by the
// normalizer when none is configured.
const DefaultConfidenceThreshold = 0.4

// NormalizeStats records why raw detections were dropped from a frame.
type NormalizeStats struct {
	Input           int `json:"input"`
	Kept            int `json:"kept"`
	UnknownClass    int `json:"unknown_class"`
	LowConfidence   int `json:"low_confidence"`
	MalformedBox    int `json:"malformed_box"`
	MalformedScore  int `json:"malformed_score"`
	MalformedRecord int `json:"malformed_record"`
}

// Dropped returns the number of raw detections that were skipped.
func (s NormalizeStats) Dropped() int {
	return s.Input - s.Kept
}

// Add accumulates another frame's stats into s.
func (s *NormalizeStats) Add(o NormalizeStats) {
	s.Input += o.Input
	s.Kept += o.Kept
	s.UnknownClass += o.UnknownClass
	s.LowConfidence += o.LowConfidence
	s.MalformedBox += o.MalformedBox
	s.MalformedScore += o.MalformedScore
	s.MalformedRecord += o.MalformedRecord
}

// Normalizer filters raw detector output down to canonical vehicle
// detections. It holds only immutable configuration and is safe for
// concurrent use.
type Normalizer struct {
	confidenceThreshold float64
	labels              []string
}

// NewNormalizer creates a Normalizer. A nil labels table selects
// DefaultClassLabels for resolving class indexes.
func NewNormalizer(confidenceThreshold float64, labels []string) (*Normalizer, error) {
	if math.IsNaN(confidenceThreshold) || confidenceThreshold < 0 || confidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence threshold must be between 0 and 1, got %v", confidenceThreshold)
	}
	if labels == nil {
		labels = DefaultClassLabels
	}
	table := make([]string, len(labels))
	copy(table, labels)
	return &Normalizer{confidenceThreshold: confidenceThreshold, labels: table}, nil
}

// ConfidenceThreshold returns the configured minimum confidence.
func (n *Normalizer) ConfidenceThreshold() float64 {
	return n.confidenceThreshold
}

// Normalize converts one frame of raw detections. Invalid records are skipped
// individually; the frame itself never fails. Detections without a track id
// are kept and given a frame-local id of the form "det_<n>", skipping any
// id an identified detection in the same frame already uses.
func (n *Normalizer) Normalize(raws []RawDetection) ([]Detection, NormalizeStats) {
	stats := NormalizeStats{Input: len(raws)}
	out := make([]Detection, 0, len(raws))

	taken := make(map[string]bool, len(raws))
	for _, raw := range raws {
		if raw.ID != "" && !raw.Malformed {
			taken[raw.ID] = true
		}
	}
	for _, raw := range raws {
		if raw.Malformed {
			stats.MalformedRecord++
			continue
		}
		class, ok := n.resolveClass(raw)
		if !ok {
			stats.UnknownClass++
			continue
		}
		if !isFinite(raw.Confidence) || raw.Confidence < 0 || raw.Confidence > 1 {
			stats.MalformedScore++
			continue
		}
		if raw.Confidence < n.confidenceThreshold {
			stats.LowConfidence++
			continue
		}
		box, ok := resolveBox(raw)
		if !ok {
			stats.MalformedBox++
			continue
		}

		det := Detection{
			ID:         raw.ID,
			Identified: raw.ID != "",
			Class:      class,
			Confidence: raw.Confidence,
			BBox:       box,
			Center:     box.Center(),
		}
		if !det.Identified {
			det.ID = frameLocalID(len(out), taken)
		}
		out = append(out, det)
	}

	stats.Kept = len(out)
	return out, stats
}

// frameLocalID returns "det_<i>", or the next free index when an upstream
// identity already uses that id. The chosen id is marked taken.
func frameLocalID(i int, taken map[string]bool) string {
	id := "det_" + strconv.Itoa(i)
	for taken[id] {
		i++
		id = "det_" + strconv.Itoa(i)
	}
	taken[id] = true
	return id
}

func (n *Normalizer) resolveClass(raw RawDetection) (Class, bool) {
	if raw.Label != "" {
		return ParseClass(raw.Label)
	}
	if raw.ClassIndex != nil {
		idx := *raw.ClassIndex
		if idx < 0 || idx >= len(n.labels) {
			return "", false
		}
		return ParseClass(n.labels[idx])
	}
	return "", false
}

// resolveBox returns the x,y,width,height form of the raw box, rejecting
// non-finite coordinates, negative origins and empty extents.
func resolveBox(raw RawDetection) (BoundingBox, bool) {
	var box BoundingBox
	switch {
	case raw.Box != nil:
		box = *raw.Box
	case len(raw.Corners) == 4:
		x1, y1, x2, y2 := raw.Corners[0], raw.Corners[1], raw.Corners[2], raw.Corners[3]
		box = BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
	default:
		return BoundingBox{}, false
	}

	for _, v := range []float64{box.X, box.Y, box.Width, box.Height} {
		if !isFinite(v) {
			return BoundingBox{}, false
		}
	}
	if box.X < 0 || box.Y < 0 || box.Width <= 0 || box.Height <= 0 {
		return BoundingBox{}, false
	}
	return box, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
