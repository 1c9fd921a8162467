package timeseries

import (
	"errors"
	"fmt"
	"time"
)

// Settings controls retention and estimator behaviour for a single point.
// Zero values are replaced by the defaults passed to WithDefaults; per-point
// changes are expressed as Overrides.
type Settings struct {
	MaxTimeToKeep       time.Duration       `mapstructure:"max_time_to_keep" yaml:"max_time_to_keep" json:"max_time_to_keep"`
	MaxSamples          int                 `mapstructure:"max_samples" yaml:"max_samples" json:"max_samples"`
	PeriodAlpha         float64             `mapstructure:"period_alpha" yaml:"period_alpha" json:"period_alpha"`
	StaleMultiplier     float64             `mapstructure:"stale_multiplier" yaml:"stale_multiplier" json:"stale_multiplier"`
	RangeAlpha          float64             `mapstructure:"range_alpha" yaml:"range_alpha" json:"range_alpha"`
	RangeSigma          float64             `mapstructure:"range_sigma" yaml:"range_sigma" json:"range_sigma"`
	RangeWarmup         int                 `mapstructure:"range_warmup" yaml:"range_warmup" json:"range_warmup"`
	RangeMaxConsecutive int                 `mapstructure:"range_max_consecutive" yaml:"range_max_consecutive" json:"range_max_consecutive"`
	Min                 *float64            `mapstructure:"min" yaml:"min" json:"min,omitempty"`
	Max                 *float64            `mapstructure:"max" yaml:"max" json:"max,omitempty"`
	LatencyAlpha        float64             `mapstructure:"latency_alpha" yaml:"latency_alpha" json:"latency_alpha"`
	Compression         CompressionSettings `mapstructure:"compression" yaml:"compression" json:"compression"`
}

type CompressionSettings struct {
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Tolerance        float64 `mapstructure:"tolerance" yaml:"tolerance" json:"tolerance"`
	Kalman           bool    `mapstructure:"kalman" yaml:"kalman" json:"kalman"`
	ProcessNoise     float64 `mapstructure:"process_noise" yaml:"process_noise" json:"process_noise"`
	MeasurementNoise float64 `mapstructure:"measurement_noise" yaml:"measurement_noise" json:"measurement_noise"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxTimeToKeep:       24 * time.Hour,
		PeriodAlpha:         0.1,
		StaleMultiplier:     3,
		RangeAlpha:          0.05,
		RangeSigma:          4,
		RangeWarmup:         10,
		RangeMaxConsecutive: 30,
		LatencyAlpha:        0.1,
		Compression: CompressionSettings{
			ProcessNoise:     0.01,
			MeasurementNoise: 1,
		},
	}
}

func (s Settings) WithDefaults(d Settings) Settings {
	if s.MaxTimeToKeep <= 0 {
		s.MaxTimeToKeep = d.MaxTimeToKeep
	}
	if s.MaxSamples <= 0 {
		s.MaxSamples = d.MaxSamples
	}
	if s.PeriodAlpha <= 0 {
		s.PeriodAlpha = d.PeriodAlpha
	}
	if s.StaleMultiplier <= 0 {
		s.StaleMultiplier = d.StaleMultiplier
	}
	if s.RangeAlpha <= 0 {
		s.RangeAlpha = d.RangeAlpha
	}
	if s.RangeSigma <= 0 {
		s.RangeSigma = d.RangeSigma
	}
	if s.RangeWarmup <= 0 {
		s.RangeWarmup = d.RangeWarmup
	}
	if s.RangeMaxConsecutive <= 0 {
		s.RangeMaxConsecutive = d.RangeMaxConsecutive
	}
	if s.Min == nil {
		s.Min = d.Min
	}
	if s.Max == nil {
		s.Max = d.Max
	}
	if s.LatencyAlpha <= 0 {
		s.LatencyAlpha = d.LatencyAlpha
	}
	if s.Compression.Tolerance <= 0 {
		s.Compression.Tolerance = d.Compression.Tolerance
	}
	if s.Compression.ProcessNoise <= 0 {
		s.Compression.ProcessNoise = d.Compression.ProcessNoise
	}
	if s.Compression.MeasurementNoise <= 0 {
		s.Compression.MeasurementNoise = d.Compression.MeasurementNoise
	}
	if !s.Compression.Enabled {
		s.Compression.Enabled = d.Compression.Enabled
	}
	if !s.Compression.Kalman {
		s.Compression.Kalman = d.Compression.Kalman
	}
	return s
}

// Overrides are per-point changes to the default Settings. A nil field keeps
// the default, so a point can turn compression or smoothing off, or set a
// zero tolerance, even when the defaults enable them.
type Overrides struct {
	MaxTimeToKeep       *time.Duration        `yaml:"max_time_to_keep" json:"max_time_to_keep,omitempty"`
	MaxSamples          *int                  `yaml:"max_samples" json:"max_samples,omitempty"`
	PeriodAlpha         *float64              `yaml:"period_alpha" json:"period_alpha,omitempty"`
	StaleMultiplier     *float64              `yaml:"stale_multiplier" json:"stale_multiplier,omitempty"`
	RangeAlpha          *float64              `yaml:"range_alpha" json:"range_alpha,omitempty"`
	RangeSigma          *float64              `yaml:"range_sigma" json:"range_sigma,omitempty"`
	RangeWarmup         *int                  `yaml:"range_warmup" json:"range_warmup,omitempty"`
	RangeMaxConsecutive *int                  `yaml:"range_max_consecutive" json:"range_max_consecutive,omitempty"`
	Min                 *float64              `yaml:"min" json:"min,omitempty"`
	Max                 *float64              `yaml:"max" json:"max,omitempty"`
	LatencyAlpha        *float64              `yaml:"latency_alpha" json:"latency_alpha,omitempty"`
	Compression         *CompressionOverrides `yaml:"compression" json:"compression,omitempty"`
}

type CompressionOverrides struct {
	Enabled          *bool    `yaml:"enabled" json:"enabled,omitempty"`
	Tolerance        *float64 `yaml:"tolerance" json:"tolerance,omitempty"`
	Kalman           *bool    `yaml:"kalman" json:"kalman,omitempty"`
	ProcessNoise     *float64 `yaml:"process_noise" json:"process_noise,omitempty"`
	MeasurementNoise *float64 `yaml:"measurement_noise" json:"measurement_noise,omitempty"`
}

// Apply returns d with every set override in place.
func (o Overrides) Apply(d Settings) Settings {
	set(&d.MaxTimeToKeep, o.MaxTimeToKeep)
	set(&d.MaxSamples, o.MaxSamples)
	set(&d.PeriodAlpha, o.PeriodAlpha)
	set(&d.StaleMultiplier, o.StaleMultiplier)
	set(&d.RangeAlpha, o.RangeAlpha)
	set(&d.RangeSigma, o.RangeSigma)
	set(&d.RangeWarmup, o.RangeWarmup)
	set(&d.RangeMaxConsecutive, o.RangeMaxConsecutive)
	set(&d.LatencyAlpha, o.LatencyAlpha)
	if o.Min != nil {
		d.Min = o.Min
	}
	if o.Max != nil {
		d.Max = o.Max
	}
	if c := o.Compression; c != nil {
		set(&d.Compression.Enabled, c.Enabled)
		set(&d.Compression.Tolerance, c.Tolerance)
		set(&d.Compression.Kalman, c.Kalman)
		set(&d.Compression.ProcessNoise, c.ProcessNoise)
		set(&d.Compression.MeasurementNoise, c.MeasurementNoise)
	}
	return d
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (s Settings) Validate() error {
	if s.MaxTimeToKeep <= 0 {
		return errors.New("max_time_to_keep must be > 0")
	}
	if s.PeriodAlpha <= 0 || s.PeriodAlpha > 1 {
		return fmt.Errorf("period_alpha must be in (0,1], got %v", s.PeriodAlpha)
	}
	if s.RangeAlpha <= 0 || s.RangeAlpha > 1 {
		return fmt.Errorf("range_alpha must be in (0,1], got %v", s.RangeAlpha)
	}
	if s.LatencyAlpha <= 0 || s.LatencyAlpha > 1 {
		return fmt.Errorf("latency_alpha must be in (0,1], got %v", s.LatencyAlpha)
	}
	if s.StaleMultiplier <= 0 {
		return errors.New("stale_multiplier must be > 0")
	}
	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return fmt.Errorf("min %v greater than max %v", *s.Min, *s.Max)
	}
	if s.Compression.Tolerance < 0 {
		return errors.New("compression.tolerance cannot be negative")
	}
	if s.Compression.Kalman && (s.Compression.ProcessNoise <= 0 || s.Compression.MeasurementNoise <= 0) {
		return errors.New("compression kalman noise parameters must be > 0")
	}
	return nil
}
