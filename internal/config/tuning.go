package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical counting defaults file.
const DefaultConfigPath = "config/counting.defaults.json"

// Default values used by the getters when a field is omitted.
const (
	DefaultCountLinePosition      = 100.0
	DefaultBuffer                 = 10.0
	DefaultEntryDirection         = "down"
	DefaultConfidenceThreshold    = 0.4
	DefaultDisappearanceThreshold = 5
	DefaultCongestionUnitWeight   = 10.0
	DefaultCongestionCap          = 100.0
	DefaultFrameInterval          = 200 * time.Millisecond
	DefaultIdleTimeout            = 30 * time.Second
	DefaultSweepInterval          = 5 * time.Second
	DefaultSnapshotInterval       = 10 * time.Second
)

// TuningConfig represents the counting and tracking parameters for a camera
// fleet. All fields are optional; the Get* methods supply defaults, so a
// partial JSON file only overrides what it names.
type TuningConfig struct {
	// Counting line
	CountLinePosition *float64 `json:"count_line_position,omitempty"` // pixel row of the line
	Buffer            *float64 `json:"buffer,omitempty"`              // pixel tolerance around the line
	EntryDirection    *string  `json:"entry_direction,omitempty"`     // "down" or "up"

	// Normalizer
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	ClassLabels         []string `json:"class_labels,omitempty"` // class index -> label table override

	// Identity lifecycle
	DisappearanceThreshold *int    `json:"disappearance_threshold,omitempty"` // frames
	FrameInterval          *string `json:"frame_interval,omitempty"`          // duration string like "200ms"
	IdleTimeout            *string `json:"idle_timeout,omitempty"`            // duration string like "30s"
	SweepInterval          *string `json:"sweep_interval,omitempty"`          // duration string like "5s"

	// Congestion
	CongestionUnitWeight *float64 `json:"congestion_unit_weight,omitempty"`
	CongestionCap        *float64 `json:"congestion_cap,omitempty"`

	// Persistence
	SnapshotInterval *string `json:"snapshot_interval,omitempty"` // duration string like "10s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the package defaults.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		CountLinePosition:      ptrFloat64(DefaultCountLinePosition),
		Buffer:                 ptrFloat64(DefaultBuffer),
		EntryDirection:         ptrString(DefaultEntryDirection),
		ConfidenceThreshold:    ptrFloat64(DefaultConfidenceThreshold),
		DisappearanceThreshold: ptrInt(DefaultDisappearanceThreshold),
		FrameInterval:          ptrString(DefaultFrameInterval.String()),
		IdleTimeout:            ptrString(DefaultIdleTimeout.String()),
		SweepInterval:          ptrString(DefaultSweepInterval.String()),
		CongestionUnitWeight:   ptrFloat64(DefaultCongestionUnitWeight),
		CongestionCap:          ptrFloat64(DefaultCongestionCap),
		SnapshotInterval:       ptrString(DefaultSnapshotInterval.String()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/<pkg>/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Only fields that
// are set are checked; nil fields fall back to valid defaults.
func (c *TuningConfig) Validate() error {
	if c.CountLinePosition != nil {
		if v := *c.CountLinePosition; !isFinite(v) || v <= 0 {
			return fmt.Errorf("count_line_position must be positive, got %v", v)
		}
	}
	if c.Buffer != nil {
		if v := *c.Buffer; !isFinite(v) || v < 0 {
			return fmt.Errorf("buffer must be non-negative, got %v", v)
		}
	}
	if c.EntryDirection != nil {
		switch strings.ToLower(strings.TrimSpace(*c.EntryDirection)) {
		case "down", "up":
		default:
			return fmt.Errorf("entry_direction must be \"down\" or \"up\", got %q", *c.EntryDirection)
		}
	}
	if c.ConfidenceThreshold != nil {
		if v := *c.ConfidenceThreshold; !isFinite(v) || v < 0 || v > 1 {
			return fmt.Errorf("confidence_threshold must be between 0 and 1, got %v", v)
		}
	}
	if c.DisappearanceThreshold != nil && *c.DisappearanceThreshold < 0 {
		return fmt.Errorf("disappearance_threshold must be non-negative, got %d", *c.DisappearanceThreshold)
	}
	if c.CongestionUnitWeight != nil {
		if v := *c.CongestionUnitWeight; !isFinite(v) || v <= 0 {
			return fmt.Errorf("congestion_unit_weight must be positive, got %v", v)
		}
	}
	if c.CongestionCap != nil {
		if v := *c.CongestionCap; !isFinite(v) || v <= 0 {
			return fmt.Errorf("congestion_cap must be positive, got %v", v)
		}
	}
	for name, value := range map[string]*string{
		"frame_interval":    c.FrameInterval,
		"idle_timeout":      c.IdleTimeout,
		"sweep_interval":    c.SweepInterval,
		"snapshot_interval": c.SnapshotInterval,
	} {
		if value == nil || *value == "" {
			continue
		}
		d, err := time.ParseDuration(*value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *value)
		}
	}
	for i, label := range c.ClassLabels {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("class_labels[%d] is empty", i)
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func parseDurationOr(value *string, def time.Duration) time.Duration {
	if value == nil || *value == "" {
		return def
	}
	d, err := time.ParseDuration(*value)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetCountLinePosition returns the count_line_position value or the default.
func (c *TuningConfig) GetCountLinePosition() float64 {
	if c.CountLinePosition == nil {
		return DefaultCountLinePosition
	}
	return *c.CountLinePosition
}

// GetBuffer returns the buffer value or the default.
func (c *TuningConfig) GetBuffer() float64 {
	if c.Buffer == nil {
		return DefaultBuffer
	}
	return *c.Buffer
}

// GetEntryDirection returns the normalised entry_direction or the default.
func (c *TuningConfig) GetEntryDirection() string {
	if c.EntryDirection == nil || strings.TrimSpace(*c.EntryDirection) == "" {
		return DefaultEntryDirection
	}
	return strings.ToLower(strings.TrimSpace(*c.EntryDirection))
}

// GetConfidenceThreshold returns the confidence_threshold value or the default.
func (c *TuningConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *c.ConfidenceThreshold
}

// GetClassLabels returns the class index table override, or nil when the
// detector's built-in table should be used.
func (c *TuningConfig) GetClassLabels() []string {
	if len(c.ClassLabels) == 0 {
		return nil
	}
	out := make([]string, len(c.ClassLabels))
	copy(out, c.ClassLabels)
	return out
}

// GetDisappearanceThreshold returns the disappearance_threshold value or the default.
func (c *TuningConfig) GetDisappearanceThreshold() int {
	if c.DisappearanceThreshold == nil {
		return DefaultDisappearanceThreshold
	}
	return *c.DisappearanceThreshold
}

// GetFrameInterval parses and returns the FrameInterval as a time.Duration.
func (c *TuningConfig) GetFrameInterval() time.Duration {
	return parseDurationOr(c.FrameInterval, DefaultFrameInterval)
}

// GetIdleTimeout parses and returns the IdleTimeout as a time.Duration.
func (c *TuningConfig) GetIdleTimeout() time.Duration {
	return parseDurationOr(c.IdleTimeout, DefaultIdleTimeout)
}

// GetSweepInterval parses and returns the SweepInterval as a time.Duration.
func (c *TuningConfig) GetSweepInterval() time.Duration {
	return parseDurationOr(c.SweepInterval, DefaultSweepInterval)
}

// GetSnapshotInterval parses and returns the SnapshotInterval as a time.Duration.
func (c *TuningConfig) GetSnapshotInterval() time.Duration {
	return parseDurationOr(c.SnapshotInterval, DefaultSnapshotInterval)
}

// GetCongestionUnitWeight returns the congestion_unit_weight value or the default.
func (c *TuningConfig) GetCongestionUnitWeight() float64 {
	if c.CongestionUnitWeight == nil {
		return DefaultCongestionUnitWeight
	}
	return *c.CongestionUnitWeight
}

// GetCongestionCap returns the congestion_cap value or the default.
func (c *TuningConfig) GetCongestionCap() float64 {
	if c.CongestionCap == nil {
		return DefaultCongestionCap
	}
	return *c.CongestionCap
}
