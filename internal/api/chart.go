package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/congestion.report/internal/db"
	"github.com/banshee-data/congestion.report/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// renderCountsChart draws total, current and congestion series over time.
func renderCountsChart(cameraID string, window time.Duration, snaps []db.StoredSnapshot) ([]byte, error) {
	x := make([]string, 0, len(snaps))
	total := make([]opts.LineData, 0, len(snaps))
	current := make([]opts.LineData, 0, len(snaps))
	congestion := make([]opts.LineData, 0, len(snaps))
	for _, s := range snaps {
		x = append(x, s.Timestamp.Format(time.TimeOnly))
		total = append(total, opts.LineData{Value: s.TotalCount})
		current = append(current, opts.LineData{Value: s.CurrentCount})
		congestion = append(congestion, opts.LineData{Value: s.CongestionScore})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Vehicle Counts", Width: "100%", Height: "640px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Vehicle Counts", Subtitle: fmt.Sprintf("camera=%s window=%s samples=%d", cameraID, window, len(snaps))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "vehicles / score"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	series := charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})
	line.SetXAxis(x).
		AddSeries("total", total, series).
		AddSeries("current", current, series).
		AddSeries("congestion", congestion, series)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) handleCountsChart(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	cameraID := strings.TrimSpace(r.URL.Query().Get("camera_id"))
	if cameraID == "" {
		httputil.BadRequest(w, "camera_id is required")
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	snaps, err := s.db.Snapshots(r.Context(), cameraID, s.clock.Now().Add(-window))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	page, err := renderCountsChart(cameraID, window, snaps)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}
