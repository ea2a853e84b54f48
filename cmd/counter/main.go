package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/congestion.report/internal/api"
	"github.com/banshee-data/congestion.report/internal/config"
	"github.com/banshee-data/congestion.report/internal/db"
	"github.com/banshee-data/congestion.report/internal/detector"
	"github.com/banshee-data/congestion.report/internal/httputil"
	"github.com/banshee-data/congestion.report/internal/ingest"
	"github.com/banshee-data/congestion.report/internal/metrics"
	"github.com/banshee-data/congestion.report/internal/monitoring"
	"github.com/banshee-data/congestion.report/internal/serialmux"
	"github.com/banshee-data/congestion.report/internal/timeutil"
	"github.com/banshee-data/congestion.report/internal/tracking"
	"github.com/banshee-data/congestion.report/internal/vehicle"
	"github.com/banshee-data/congestion.report/internal/version"
)

// options holds the process flags. Each default can be seeded from the
// environment (or a .env file) so deployments don't need long command lines.
type options struct {
	listen          string
	configPath      string
	dbPath          string
	serialPort      string
	baudRate        int
	feedFile        string
	detectorURL     string
	detectorTimeout time.Duration
	retention       time.Duration
	debug           bool
	listPorts       bool
	showVersion     bool
	migrate         string
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func registerFlags(flags *flag.FlagSet) *options {
	o := &options{}
	flags.StringVar(&o.listen, "listen", getEnv("COUNTER_LISTEN", ":8080"), "HTTP service listen address")
	flags.StringVar(&o.configPath, "config", getEnv("COUNTER_CONFIG", ""), "path to the counting tuning JSON file (built-in defaults when empty)")
	flags.StringVar(&o.dbPath, "db", getEnv("COUNTER_DB", "congestion.db"), "path to the SQLite history store (empty disables it)")
	flags.StringVar(&o.serialPort, "serial", getEnv("COUNTER_SERIAL", ""), "serial device streaming detector frames, e.g. /dev/ttyUSB0")
	flags.IntVar(&o.baudRate, "baud", getEnvAsInt("COUNTER_BAUD", serialmux.DefaultBaudRate), "serial baud rate")
	flags.StringVar(&o.feedFile, "feed", getEnv("COUNTER_FEED", ""), "file of JSON detector frames to replay, '-' for stdin")
	flags.StringVar(&o.detectorURL, "detector-url", getEnv("COUNTER_DETECTOR_URL", ""), "inference endpoint for image uploads on /api/detect")
	flags.DurationVar(&o.detectorTimeout, "detector-timeout", getEnvAsDuration("COUNTER_DETECTOR_TIMEOUT", 10*time.Second), "timeout for a single detector request")
	flags.DurationVar(&o.retention, "retention", getEnvAsDuration("COUNTER_RETENTION", 0), "prune stored history older than this (0 keeps everything)")
	flags.BoolVar(&o.debug, "debug", getEnvAsBool("COUNTER_DEBUG", false), "enable debug logging")
	flags.BoolVar(&o.listPorts, "list-ports", false, "list serial ports and exit")
	flags.BoolVar(&o.showVersion, "version", false, "print version and exit")
	flags.StringVar(&o.migrate, "migrate", "", "run a schema action ("+migrateUsage+") against --db and exit")
	return o
}

func (o *options) validate() error {
	if o.serialPort != "" && o.feedFile != "" {
		return errors.New("--serial and --feed are mutually exclusive")
	}
	if o.detectorTimeout <= 0 {
		return fmt.Errorf("--detector-timeout must be positive, got %s", o.detectorTimeout)
	}
	if o.retention < 0 {
		return fmt.Errorf("--retention must not be negative, got %s", o.retention)
	}
	return nil
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// openFeed picks the frame source: a serial device, a replay file, or nothing.
func openFeed(o *options) (serialmux.SerialMuxInterface, error) {
	switch {
	case o.serialPort != "":
		return serialmux.NewRealSerialMux(o.serialPort, serialmux.PortOptions{BaudRate: o.baudRate})
	case o.feedFile != "":
		return serialmux.NewFileSerialMux(o.feedFile)
	default:
		return serialmux.NewDisabledSerialMux(), nil
	}
}

// app is the wired service. Fields that are optional stay nil when disabled.
type app struct {
	tuning   *config.TuningConfig
	engine   *tracking.Engine
	pipeline *ingest.Pipeline
	metrics  *metrics.Metrics
	hub      *api.Hub
	store    *db.DB
	recorder *db.Recorder
	feed     serialmux.SerialMuxInterface
	clock    timeutil.Clock
}

func newApp(o *options, feed serialmux.SerialMuxInterface, clock timeutil.Clock) (*app, error) {
	tuning, err := loadTuning(o.configPath)
	if err != nil {
		return nil, err
	}
	engine, err := tracking.NewEngine(tracking.ConfigFromTuning(tuning), clock)
	if err != nil {
		return nil, err
	}
	normalizer, err := vehicle.NewNormalizer(tuning.GetConfidenceThreshold(), tuning.GetClassLabels())
	if err != nil {
		return nil, err
	}

	a := &app{tuning: tuning, engine: engine, feed: feed, clock: clock}
	a.metrics = metrics.New(func() int { return len(engine.Cameras()) })
	a.hub = api.NewHub()
	engine.Subscribe(a.metrics)
	engine.Subscribe(a.hub)

	pipelineOpts := []ingest.Option{ingest.WithMetrics(a.metrics), ingest.WithClock(clock)}
	if o.detectorURL != "" {
		d, err := detector.NewHTTPDetector(o.detectorURL, httputil.NewStandardClient(o.detectorTimeout))
		if err != nil {
			return nil, err
		}
		pipelineOpts = append(pipelineOpts, ingest.WithDetector(d))
		log.Printf("Image detection forwarded to %s", d.Endpoint())
	}
	a.pipeline = ingest.NewPipeline(normalizer, engine, pipelineOpts...)

	if o.dbPath != "" {
		store, err := db.NewDB(o.dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		a.store = store
		a.recorder = db.NewRecorder(store, tuning.GetSnapshotInterval(), 0)
		a.recorder.Start()
		engine.Subscribe(a.recorder)
	}
	return a, nil
}

func (a *app) handler() http.Handler {
	mux := api.NewServer(a.pipeline, a.store, a.metrics, a.hub).ServeMux()
	a.feed.AttachAdminRoutes(mux)
	if a.store != nil {
		a.store.AttachAdminRoutes(mux)
	}
	return api.LoggingMiddleware(mux)
}

// startWorkers launches the background loops. They all stop when ctx is done.
func (a *app) startWorkers(ctx context.Context, wg *sync.WaitGroup, retention time.Duration) {
	// Subscribe before the monitor starts so a replayed file loses no lines.
	id, lines := a.feed.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer a.feed.Unsubscribe(id)
		if err := a.pipeline.Consume(ctx, lines); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("feed pipeline stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.feed.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor feed: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		tracking.RunSweeper(ctx, a.engine, a.clock, a.tuning.GetSweepInterval())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hub.Run(ctx)
	}()

	if a.store != nil && retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runRetention(ctx, retention)
		}()
	}
}

// runRetention prunes history older than retention once at start and then
// hourly, or every retention if that is shorter.
func (a *app) runRetention(ctx context.Context, retention time.Duration) {
	period := min(time.Hour, retention)
	ticker := a.clock.NewTicker(period)
	defer ticker.Stop()
	for {
		n, err := a.store.PruneBefore(ctx, a.clock.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			log.Printf("failed to prune history: %v", err)
		} else if n > 0 {
			monitoring.Debugf("pruned %d history rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

// close releases resources in dependency order: pending writes are flushed
// before the store goes away.
func (a *app) close() {
	if a.recorder != nil {
		a.recorder.Stop()
		st := a.recorder.Stats()
		log.Printf("recorder flushed: written=%d dropped=%d failed=%d", st.Written, st.Dropped, st.Failed)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("failed to close history store: %v", err)
		}
	}
	if err := a.feed.Close(); err != nil && !errors.Is(err, fs.ErrClosed) {
		log.Printf("failed to close feed: %v", err)
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	opts := registerFlags(flag.CommandLine)
	flag.Parse()

	if opts.showVersion {
		fmt.Println(version.String())
		return
	}
	if opts.listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	if opts.migrate != "" {
		if err := runMigrate(opts.dbPath, opts.migrate, os.Stdout); err != nil {
			log.Fatalf("migrate %s: %v", opts.migrate, err)
		}
		return
	}
	if err := opts.validate(); err != nil {
		log.Fatal(err)
	}
	monitoring.SetDebug(opts.debug)

	feed, err := openFeed(opts)
	if err != nil {
		log.Fatalf("failed to open feed: %v", err)
	}
	a, err := newApp(opts, feed, timeutil.RealClock{})
	if err != nil {
		feed.Close()
		log.Fatalf("failed to start: %v", err)
	}
	defer a.close()

	// Create a context that is cancelled on SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	a.startWorkers(ctx, &wg, opts.retention)

	wg.Add(1)
	go func() {
		defer wg.Done()
		server := &http.Server{
			Addr:    opts.listen,
			Handler: a.handler(),
		}

		go func() {
			log.Printf("Starting HTTP server on %s (%s)", opts.listen, version.String())
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Printf("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if closeErr := server.Close(); closeErr != nil {
				log.Printf("HTTP server force close error: %v", closeErr)
			}
		}
		log.Printf("HTTP server goroutine exiting")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
