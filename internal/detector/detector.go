// Package detector defines the object-detection capability consumed by the
// ingest pipeline and an HTTP client for a remote inference service.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/congestion.report/internal/httputil"
	"github.com/banshee-data/congestion.report/internal/vehicle"
)

// ErrEmptyFrame is returned when a frame carries no image data.
var ErrEmptyFrame = errors.New("frame has no image data")

// Frame is one encoded camera image awaiting detection.
type Frame struct {
	CameraID    string
	Data        []byte
	ContentType string // e.g. "image/jpeg"
	CapturedAt  time.Time
}

// Detector runs object detection on a frame. Implementations are created
// once by the service and shared by every camera; they must be safe for
// concurrent use.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]vehicle.RawDetection, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, frame Frame) ([]vehicle.RawDetection, error)

func (f Func) Detect(ctx context.Context, frame Frame) ([]vehicle.RawDetection, error) {
	return f(ctx, frame)
}

// Static returns the same detections for every frame. It is used for replays
// and smoke tests when no inference service is available.
type Static struct {
	mu         sync.RWMutex
	detections []vehicle.RawDetection
}

// NewStatic creates a Static detector.
func NewStatic(dets []vehicle.RawDetection) *Static {
	s := &Static{}
	s.Set(dets)
	return s
}

// Set replaces the detections returned by subsequent calls.
func (s *Static) Set(dets []vehicle.RawDetection) {
	cp := make([]vehicle.RawDetection, len(dets))
	copy(cp, dets)
	s.mu.Lock()
	s.detections = cp
	s.mu.Unlock()
}

func (s *Static) Detect(ctx context.Context, _ Frame) ([]vehicle.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vehicle.RawDetection, len(s.detections))
	copy(out, s.detections)
	return out, nil
}

// HTTPDetector posts encoded frames to an inference endpoint. The endpoint
// answers with {"detections": [...]} in the feed's raw detection format.
type HTTPDetector struct {
	endpoint string
	client   httputil.HTTPClient
}

// maxErrorBody bounds how much of a failed response is quoted in errors.
const maxErrorBody = 512

// NewHTTPDetector validates the endpoint URL. A nil client selects a
// StandardClient with a 10 second timeout.
func NewHTTPDetector(endpoint string, client httputil.HTTPClient) (*HTTPDetector, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid detector endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid detector endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid detector endpoint %q: missing host", endpoint)
	}
	if client == nil {
		client = httputil.NewStandardClient(10 * time.Second)
	}
	return &HTTPDetector{endpoint: u.String(), client: client}, nil
}

// Endpoint returns the inference URL.
func (d *HTTPDetector) Endpoint() string {
	return d.endpoint
}

type detectResponse struct {
	Detections vehicle.RawDetections `json:"detections"`
}

func (d *HTTPDetector) Detect(ctx context.Context, frame Frame) ([]vehicle.RawDetection, error) {
	if len(frame.Data) == 0 {
		return nil, ErrEmptyFrame
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to build detect request: %w", err)
	}
	contentType := frame.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if frame.CameraID != "" {
		req.Header.Set("X-Camera-ID", frame.CameraID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("detector returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode detector response: %w", err)
	}
	if out.Detections == nil {
		out.Detections = []vehicle.RawDetection{}
	}
	return out.Detections, nil
}
