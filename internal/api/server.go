// Package api serves the counting HTTP API: frame ingest, per-camera status,
// stored history, the live websocket stream and the count chart.
package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/congestion.report/internal/db"
	"github.com/banshee-data/congestion.report/internal/detector"
	"github.com/banshee-data/congestion.report/internal/httputil"
	"github.com/banshee-data/congestion.report/internal/ingest"
	"github.com/banshee-data/congestion.report/internal/metrics"
	"github.com/banshee-data/congestion.report/internal/monitoring"
	"github.com/banshee-data/congestion.report/internal/timeutil"
	"github.com/banshee-data/congestion.report/internal/tracking"
	"github.com/banshee-data/congestion.report/internal/vehicle"
	"github.com/banshee-data/congestion.report/internal/version"
)

// DefaultSummaryWindow is used by the summary and chart routes when no
// window is given.
const DefaultSummaryWindow = time.Hour

// MaxSummaryWindow bounds the window query parameter.
const MaxSummaryWindow = 31 * 24 * time.Hour

type Server struct {
	pipeline *ingest.Pipeline
	db       *db.DB
	metrics  *metrics.Metrics
	hub      *Hub
	clock    timeutil.Clock
}

// NewServer builds the API over a pipeline. store, m and hub may be nil; the
// routes that need them then answer 503 (store, hub) or are not mounted
// (metrics).
func NewServer(p *ingest.Pipeline, store *db.DB, m *metrics.Metrics, hub *Hub) *Server {
	return &Server{
		pipeline: p,
		db:       store,
		metrics:  m,
		hub:      hub,
		clock:    timeutil.RealClock{},
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/detect", s.handleDetect)
	mux.HandleFunc("GET /api/status/{camera_id}", s.handleStatus)
	mux.HandleFunc("GET /api/vehicles/{camera_id}", s.handleVehicles)
	mux.HandleFunc("POST /api/reset/{camera_id}", s.handleReset)
	mux.HandleFunc("GET /api/cameras", s.handleCameras)
	mux.HandleFunc("DELETE /api/cameras/{camera_id}", s.handleRemoveCamera)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/summary/{camera_id}", s.handleSummary)
	mux.HandleFunc("GET /api/events/{camera_id}", s.handleEvents)
	mux.HandleFunc("GET /charts/counts", s.handleCountsChart)
	mux.HandleFunc("GET /ws/tracking", s.handleTrackingWS)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) engine() *tracking.Engine { return s.pipeline.Engine() }

func cameraParam(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("camera_id"))
}

// detectResponse mirrors ingest.Result without the normalizer statistics,
// which are reported separately under "skipped".
type detectResponse struct {
	Detections []vehicle.Detection       `json:"detections"`
	Tracking   tracking.TrackingSnapshot `json:"tracking"`
	Skipped    int                       `json:"skipped"`
}

func newDetectResponse(res ingest.Result) detectResponse {
	dets := res.Detections
	if dets == nil {
		dets = []vehicle.Detection{}
	}
	return detectResponse{Detections: dets, Tracking: res.Tracking, Skipped: res.Stats.Dropped()}
}

// handleDetect accepts either a JSON frame message or a multipart image
// upload ("file" plus optional "camera_id") for the configured detector.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.handleDetectImage(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, httputil.MaxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return
	}
	msg, err := ingest.DecodeFrame(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, newDetectResponse(s.pipeline.ProcessMessage(msg)))
}

func (s *Server) handleDetectImage(w http.ResponseWriter, r *http.Request) {
	if !s.pipeline.HasDetector() {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, ingest.ErrNoDetector.Error())
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, httputil.MaxRequestBytes)
	if err := r.ParseMultipartForm(httputil.MaxRequestBytes); err != nil {
		httputil.BadRequest(w, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "No file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		httputil.BadRequest(w, "failed to read uploaded file")
		return
	}
	if len(data) == 0 {
		httputil.BadRequest(w, detector.ErrEmptyFrame.Error())
		return
	}

	cameraID := strings.TrimSpace(r.FormValue("camera_id"))
	if cameraID == "" {
		cameraID = ingest.DefaultCameraID
	}
	frame := detector.Frame{
		CameraID:    cameraID,
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
		CapturedAt:  s.clock.Now(),
	}
	res, err := s.pipeline.ProcessImage(r.Context(), frame)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrNoDetector):
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
		default:
			httputil.InternalServerError(w, err.Error())
		}
		return
	}
	httputil.WriteJSONOK(w, newDetectResponse(res))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cameraID := cameraParam(r)
	snap, ok := s.engine().Status(cameraID)
	if !ok {
		httputil.NotFound(w, "unknown camera "+strconv.Quote(cameraID))
		return
	}
	httputil.WriteJSONOK(w, snap)
}

type vehicleView struct {
	ID         string                `json:"id"`
	Class      vehicle.Class         `json:"class"`
	Center     vehicle.Point         `json:"center"`
	BBox       vehicle.BoundingBox   `json:"bbox"`
	Confidence float64               `json:"confidence"`
	State      tracking.VehicleState `json:"state"`
	PastLine   bool                  `json:"past_line"`
	Misses     int                   `json:"misses"`
	Frames     int                   `json:"frames"`
	Counted    bool                  `json:"counted"`
	Exited     bool                  `json:"exited"`
	FirstSeen  time.Time             `json:"first_seen"`
	LastSeen   time.Time             `json:"last_seen"`
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	cameraID := cameraParam(r)
	vehicles, err := s.engine().Vehicles(cameraID)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	out := make([]vehicleView, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, vehicleView{
			ID:         v.ID,
			Class:      v.Class,
			Center:     v.Center,
			BBox:       v.BBox,
			Confidence: v.Confidence,
			State:      v.State,
			PastLine:   v.Side == tracking.SideAfter,
			Misses:     v.Misses,
			Frames:     v.Frames,
			Counted:    v.Counted,
			Exited:     v.Exited,
			FirstSeen:  v.FirstSeen,
			LastSeen:   v.LastSeen,
		})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.engine().Reset(cameraParam(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveCamera(w http.ResponseWriter, r *http.Request) {
	cameraID := cameraParam(r)
	if _, ok := s.engine().Status(cameraID); !ok {
		httputil.NotFound(w, "unknown camera "+strconv.Quote(cameraID))
		return
	}
	s.engine().Remove(cameraID)
	if s.metrics != nil {
		s.metrics.Forget(cameraID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string][]string{"cameras": s.engine().Cameras()})
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Cameras        int    `json:"cameras"`
	DetectorLoaded bool   `json:"detector_loaded"`
	StoreEnabled   bool   `json:"store_enabled"`
	WSClients      int    `json:"ws_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "healthy",
		Version:        version.String(),
		Cameras:        len(s.engine().Cameras()),
		DetectorLoaded: s.pipeline.HasDetector(),
		StoreEnabled:   s.db != nil,
	}
	if s.hub != nil {
		resp.WSClients = s.hub.ClientCount()
	}
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			monitoring.Logf("health: store ping failed: %v", err)
			resp.Status = "degraded"
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func parseWindow(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return DefaultSummaryWindow, nil
	}
	window, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("invalid window")
	}
	if window <= 0 || window > MaxSummaryWindow {
		return 0, errors.New("window must be positive and at most " + MaxSummaryWindow.String())
	}
	return window, nil
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "history store is disabled")
		return false
	}
	return true
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	summary, err := s.db.Summary(r.Context(), cameraParam(r), window, s.clock.Now())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, summary)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := db.DefaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.db.RecentEvents(r.Context(), cameraParam(r), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) handleTrackingWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "live stream is disabled")
		return
	}
	cameraID := strings.TrimSpace(r.URL.Query().Get("camera_id"))

	var initial []byte
	if cameraID != "" {
		if snap, ok := s.engine().Status(cameraID); ok {
			payload, err := encodeEnvelope(MessageSnapshot, cameraID, snap)
			if err == nil {
				initial = payload
			}
		}
	}
	s.hub.serve(w, r, cameraID, initial)
}
