package vehicle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BoundingBox is an axis-aligned box in image pixels with a top-left origin.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is an image-space coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Center returns the geometric center of the box.
func (b BoundingBox) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// RawDetection is one object as reported by the upstream detector, before
// filtering. Exactly one of Box or Corners is expected; Corners holds the
// x1,y1,x2,y2 form YOLO emits.
type RawDetection struct {
	ID         string       // track identifier; empty when the detector has none
	Label      string       // class label, if reported by name
	ClassIndex *int         // class index, if reported by number
	Confidence float64      //
	Box        *BoundingBox // x,y,width,height form
	Corners    []float64    // x1,y1,x2,y2 form

	// Malformed marks a record that could not be decoded. It stays in the
	// frame so the normalizer can count it as skipped.
	Malformed bool
}

type rawDetectionJSON struct {
	ID         json.RawMessage `json:"id,omitempty"`
	Class      json.RawMessage `json:"class,omitempty"`
	ClassID    *int            `json:"class_id,omitempty"`
	Confidence float64         `json:"confidence"`
	BBox       *BoundingBox    `json:"bbox,omitempty"`
	XYXY       []float64       `json:"xyxy,omitempty"`
}

// UnmarshalJSON accepts numeric or string track ids and class fields given
// either as a label or as an index.
func (r *RawDetection) UnmarshalJSON(data []byte) error {
	var aux rawDetectionJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	id, err := decodeIdentity(aux.ID)
	if err != nil {
		return err
	}

	*r = RawDetection{
		ID:         id,
		ClassIndex: aux.ClassID,
		Confidence: aux.Confidence,
		Box:        aux.BBox,
		Corners:    aux.XYXY,
	}

	class := bytes.TrimSpace(aux.Class)
	switch {
	case len(class) == 0 || bytes.Equal(class, []byte("null")):
	case class[0] == '"':
		if err := json.Unmarshal(class, &r.Label); err != nil {
			return fmt.Errorf("invalid class: %w", err)
		}
	default:
		var idx int
		if err := json.Unmarshal(class, &idx); err != nil {
			return fmt.Errorf("invalid class index %s: %w", class, err)
		}
		r.ClassIndex = &idx
	}
	return nil
}

// RawDetections is one frame of raw detector output.
type RawDetections []RawDetection

// UnmarshalJSON decodes each record on its own. A record that fails to
// decode is kept as a Malformed placeholder, so the normalizer counts it and
// the rest of the frame still applies. Only a value that is not a JSON array
// is an error.
func (rs *RawDetections) UnmarshalJSON(data []byte) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return err
	}
	if elems == nil {
		*rs = nil
		return nil
	}
	out := make(RawDetections, 0, len(elems))
	for _, elem := range elems {
		var r RawDetection
		if err := json.Unmarshal(elem, &r); err != nil {
			r = RawDetection{Malformed: true}
		}
		out = append(out, r)
	}
	*rs = out
	return nil
}

// MarshalJSON writes the wire form accepted by UnmarshalJSON.
func (r RawDetection) MarshalJSON() ([]byte, error) {
	aux := rawDetectionJSON{
		ClassID:    r.ClassIndex,
		Confidence: r.Confidence,
		BBox:       r.Box,
		XYXY:       r.Corners,
	}
	if r.ID != "" {
		aux.ID, _ = json.Marshal(r.ID)
	}
	if r.Label != "" {
		aux.Class, _ = json.Marshal(r.Label)
	}
	return json.Marshal(aux)
}

func decodeIdentity(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid id: %w", err)
		}
		return strings.TrimSpace(s), nil
	}
	// Trackers emit integer ids, occasionally serialised as floats (7.0).
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return "", fmt.Errorf("invalid id %s: %w", raw, err)
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// Detection is a canonical, validated vehicle detection for a single frame.
// Detections are values and are never mutated after normalisation.
type Detection struct {
	ID         string      `json:"id"`
	Identified bool        `json:"identified"` // false when the detector supplied no track id
	Class      Class       `json:"class"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
	Center     Point       `json:"center"`
}
