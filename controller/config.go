package controller

import (
	"time"

	"github.com/nvr-ai/go-motion/images"
	"github.com/nvr-ai/go-motion/source"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid detection config")

// Config contains every tunable of one detection task. It is built once when
// the task is accepted and never changed afterwards.
type Config struct {
	// Region restricts detection to a polygon. Nil means the whole frame.
	Region *images.Region
	// Degree is the dissimilarity at or above which motion is reported (0-64).
	Degree int
	// Threshold binarizes the foreground mask (0-255).
	Threshold int
	// MaxValue is added to the accumulator per foreground pixel (1-255).
	MaxValue int
	// Heatmap selects whether and how a heatmap is returned.
	Heatmap images.HeatmapMode
	// SleepTimes is the pacing interval applied after each sampling step.
	SleepTimes time.Duration
	// HeatmapDir is the caller's preferred heatmap directory.
	HeatmapDir string
	// BackgroundModel names the adaptive model used for accumulation.
	BackgroundModel images.BackgroundModelType
	// ReduceNoise enables erosion and dilation of the foreground mask.
	ReduceNoise bool
}

// DefaultConfig returns the defaults used when a request leaves a field out.
func DefaultConfig() Config {
	return Config{
		Degree:          10,
		Threshold:       2,
		MaxValue:        2,
		Heatmap:         images.HeatmapSkip,
		SleepTimes:      50 * time.Millisecond,
		BackgroundModel: images.BackgroundMOG2,
	}
}

// Validate checks every field range.
func (c Config) Validate() error {
	switch {
	case c.Degree < 0 || c.Degree > 64:
		return errors.Wrapf(ErrInvalidConfig, "degree %d not in [0, 64]", c.Degree)
	case c.Threshold < 0 || c.Threshold > 255:
		return errors.Wrapf(ErrInvalidConfig, "threshold %d not in [0, 255]", c.Threshold)
	case c.MaxValue < 1 || c.MaxValue > 255:
		return errors.Wrapf(ErrInvalidConfig, "maxValue %d not in [1, 255]", c.MaxValue)
	case !c.Heatmap.Valid():
		return errors.Wrapf(ErrInvalidConfig, "heatmap mode %d not in [0, 2]", c.Heatmap)
	case c.SleepTimes < 0:
		return errors.Wrapf(ErrInvalidConfig, "sleepTimes %v is negative", c.SleepTimes)
	}
	switch c.BackgroundModel {
	case images.BackgroundMOG2, images.BackgroundEMA, "":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown background model %q", c.BackgroundModel)
	}
	return nil
}

// AccumulatorConfig derives the accumulator parameters.
func (c Config) AccumulatorConfig() images.AccumulatorConfig {
	return images.AccumulatorConfig{
		Threshold:   float32(c.Threshold),
		MaxValue:    float32(c.MaxValue),
		ReduceNoise: c.ReduceNoise,
	}
}

// Task is a list of sources analysed with one Config.
type Task struct {
	Sources    []string
	SourceType source.Type
	Config     Config
}
