// Command count-plot renders stored tracking snapshots as PNG charts, one
// per camera, for offline reports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/congestion.report/internal/db"
)

var (
	dbPath = flag.String("db", "congestion.db", "path to the SQLite history store")
	camera = flag.String("camera", "", "camera to plot (all stored cameras when empty)")
	window = flag.Duration("window", 24*time.Hour, "how far back to plot")
	outDir = flag.String("out", "plots", "directory for the generated PNG files")
)

var errNoSamples = errors.New("no snapshots in window")

var seriesColors = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
}

// plotSnapshots writes a chart of total, current and congestion over time.
func plotSnapshots(cameraID string, snaps []db.StoredSnapshot, path string) error {
	if len(snaps) == 0 {
		return errNoSamples
	}

	total := make(plotter.XYs, 0, len(snaps))
	current := make(plotter.XYs, 0, len(snaps))
	congestion := make(plotter.XYs, 0, len(snaps))
	for _, s := range snaps {
		x := float64(s.Timestamp.Unix())
		total = append(total, plotter.XY{X: x, Y: float64(s.TotalCount)})
		current = append(current, plotter.XY{X: x, Y: float64(s.CurrentCount)})
		congestion = append(congestion, plotter.XY{X: x, Y: s.CongestionScore})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Vehicle counts: %s", cameraID)
	p.X.Label.Text = "time (UTC)"
	p.Y.Label.Text = "vehicles / score"
	p.X.Tick.Marker = plot.TimeTicks{Format: "01-02 15:04", Time: plot.UnixTimeIn(time.UTC)}
	p.Add(plotter.NewGrid())

	for i, series := range []struct {
		label string
		pts   plotter.XYs
	}{
		{"total", total},
		{"current", current},
		{"congestion", congestion},
	} {
		line, err := plotter.NewLine(series.pts)
		if err != nil {
			return fmt.Errorf("failed to build %s line: %w", series.label, err)
		}
		line.Color = seriesColors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.XOffs = 10
	p.Legend.YOffs = -10

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

// plotFileName keeps camera ids usable as file names.
func plotFileName(cameraID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, cameraID)
	return fmt.Sprintf("counts_%s.png", safe)
}

// renderCameras writes one PNG per camera with samples since the cutoff and
// returns the files written. Cameras without samples are skipped.
func renderCameras(ctx context.Context, store *db.DB, cameras []string, since time.Time, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for _, cam := range cameras {
		snaps, err := store.Snapshots(ctx, cam, since)
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, plotFileName(cam))
		if err := plotSnapshots(cam, snaps, path); err != nil {
			if errors.Is(err, errNoSamples) {
				log.Printf("skipping %s: %v", cam, err)
				continue
			}
			return written, fmt.Errorf("failed to plot %s: %w", cam, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func main() {
	flag.Parse()
	if *window <= 0 {
		log.Fatalf("--window must be positive, got %s", *window)
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	cameras := []string{*camera}
	if *camera == "" {
		if cameras, err = store.Cameras(ctx); err != nil {
			log.Fatalf("failed to list cameras: %v", err)
		}
	}

	written, err := renderCameras(ctx, store, cameras, time.Now().Add(-*window), *outDir)
	if err != nil {
		log.Fatalf("%v", err)
	}
	for _, path := range written {
		log.Printf("wrote %s", path)
	}
	if len(written) == 0 {
		log.Printf("no snapshots within %s", *window)
	}
}
