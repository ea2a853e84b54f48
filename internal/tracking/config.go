package tracking

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/congestion.report/internal/config"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid tracking config")

// Direction is the image-space direction of travel that counts as an entry.
type Direction string

const (
	DirectionDown Direction = "down" // increasing y
	DirectionUp   Direction = "up"   // decreasing y
)

// ParseDirection resolves a configured direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionDown, DirectionUp:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown entry direction %q", ErrInvalidConfig, s)
}

// Config holds the counting engine parameters.
type Config struct {
	CountLinePosition      float64       // y coordinate of the counting line (pixels)
	Buffer                 float64       // distance past the line a vehicle must clear before an exit registers
	EntryDirection         Direction     // direction of travel counted as entry
	DisappearanceThreshold int           // missed frames tolerated before a vehicle is evicted
	CongestionUnitWeight   float64       // score contributed by each present vehicle
	CongestionCap          float64       // maximum congestion score
	FrameInterval          time.Duration // nominal time between frames, used by Sweep
	IdleTimeout            time.Duration // silence after which Sweep starts ageing a session
}

// DefaultConfig returns the built-in engine defaults.
func DefaultConfig() Config {
	return Config{
		CountLinePosition:      config.DefaultCountLinePosition,
		Buffer:                 config.DefaultBuffer,
		EntryDirection:         DirectionDown,
		DisappearanceThreshold: config.DefaultDisappearanceThreshold,
		CongestionUnitWeight:   config.DefaultCongestionUnitWeight,
		CongestionCap:          config.DefaultCongestionCap,
		FrameInterval:          config.DefaultFrameInterval,
		IdleTimeout:            config.DefaultIdleTimeout,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		CountLinePosition:      cfg.GetCountLinePosition(),
		Buffer:                 cfg.GetBuffer(),
		EntryDirection:         Direction(cfg.GetEntryDirection()),
		DisappearanceThreshold: cfg.GetDisappearanceThreshold(),
		CongestionUnitWeight:   cfg.GetCongestionUnitWeight(),
		CongestionCap:          cfg.GetCongestionCap(),
		FrameInterval:          cfg.GetFrameInterval(),
		IdleTimeout:            cfg.GetIdleTimeout(),
	}
}

// Validate reports the first invalid parameter, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.CountLinePosition) || math.IsInf(c.CountLinePosition, 0) || c.CountLinePosition <= 0:
		return fmt.Errorf("%w: count line position must be positive, got %v", ErrInvalidConfig, c.CountLinePosition)
	case math.IsNaN(c.Buffer) || math.IsInf(c.Buffer, 0) || c.Buffer < 0:
		return fmt.Errorf("%w: buffer must be non-negative, got %v", ErrInvalidConfig, c.Buffer)
	case c.DisappearanceThreshold < 0:
		return fmt.Errorf("%w: disappearance threshold must be non-negative, got %d", ErrInvalidConfig, c.DisappearanceThreshold)
	case !(c.CongestionUnitWeight > 0) || math.IsInf(c.CongestionUnitWeight, 0):
		return fmt.Errorf("%w: congestion unit weight must be positive, got %v", ErrInvalidConfig, c.CongestionUnitWeight)
	case !(c.CongestionCap > 0) || math.IsInf(c.CongestionCap, 0):
		return fmt.Errorf("%w: congestion cap must be positive, got %v", ErrInvalidConfig, c.CongestionCap)
	case c.FrameInterval <= 0:
		return fmt.Errorf("%w: frame interval must be positive, got %v", ErrInvalidConfig, c.FrameInterval)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle timeout must be positive, got %v", ErrInvalidConfig, c.IdleTimeout)
	}
	if _, err := ParseDirection(string(c.EntryDirection)); err != nil {
		return err
	}
	return nil
}

// progress returns the signed distance of y past the counting line, measured
// along the entry direction. Negative values are on the approach side.
func (c Config) progress(y float64) float64 {
	if c.EntryDirection == DirectionUp {
		return c.CountLinePosition - y
	}
	return y - c.CountLinePosition
}
