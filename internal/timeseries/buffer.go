package timeseries

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var ErrEmptyPointID = errors.New("point id is required")

type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	IsValid   bool      `json:"is_valid"`
}

// Buffer is the rolling, time-ordered sample store for one point together
// with the online estimators fed by every append. Samples are kept sorted by
// timestamp with at most one sample per instant; anything older than
// MaxTimeToKeep relative to the newest sample is evicted.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	PointID         string        `json:"point_id"`
	Binary          bool          `json:"binary"`
	Settings        Settings      `json:"settings"`
	Samples         []Sample      `json:"samples"`
	EstimatedPeriod time.Duration `json:"estimated_period"`
	LastGap         time.Duration `json:"last_gap"`
	Latency         time.Duration `json:"latency"`
	TotalSamples    int64         `json:"total_samples"`
	OutOfOrder      int64         `json:"out_of_order"`

	Period           AveragePeriodEstimator   `json:"period"`
	Range            ValueOutOfRangeEstimator `json:"range"`
	LatencyEstimator LatencyEstimator         `json:"latency_estimator"`
	Compression      CompressionState         `json:"compression"`
}

func NewBuffer(pointID string, binary bool, settings Settings) (*Buffer, error) {
	if pointID == "" {
		return nil, ErrEmptyPointID
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("point %s: %w", pointID, err)
	}
	return &Buffer{PointID: pointID, Binary: binary, Settings: settings}, nil
}

// Configure applies new settings to a live buffer. Samples and estimator
// state are kept, but a change to the compression settings or to Binary
// restarts compression with the newest sample as its anchor.
func (b *Buffer) Configure(binary bool, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("point %s: %w", b.PointID, err)
	}
	restart := binary != b.Binary || settings.Compression != b.Settings.Compression
	b.Binary = binary
	b.Settings = settings
	if restart {
		b.Compression = CompressionState{}
		if latest, ok := b.Latest(); ok && settings.Compression.Enabled {
			b.Compression.Reset(latest)
		}
	}
	return nil
}

// Append stores a sample and updates every estimator. It returns the sample
// as stored, which may differ from the input in value (binary coercion,
// smoothing) and validity (range checks).
func (b *Buffer) Append(s Sample, ingestedAt time.Time) Sample {
	s = b.sanitize(s)
	b.TotalSamples++

	if !ingestedAt.IsZero() {
		b.LatencyEstimator.Observe(ingestedAt.Sub(s.Timestamp), b.Settings.LatencyAlpha)
		b.Latency = b.LatencyEstimator.Estimate
	}
	if s.IsValid && !b.Binary {
		s.IsValid = b.Range.Observe(s.Value, b.Settings)
	}

	n := len(b.Samples)
	switch {
	case n == 0 || s.Timestamp.After(b.Samples[n-1].Timestamp):
		if n > 0 {
			b.Period.Observe(s.Timestamp.Sub(b.Samples[n-1].Timestamp), b.Settings.PeriodAlpha)
			b.EstimatedPeriod = b.Period.Estimate
			b.LastGap = b.Period.LastGap
		}
		s = b.appendTail(s)
	case s.Timestamp.Equal(b.Samples[n-1].Timestamp):
		b.Samples[n-1] = s
		if b.Settings.Compression.Enabled {
			b.Compression.ReplaceTail(s)
		}
	default:
		b.OutOfOrder++
		if s.Timestamp.Before(b.Samples[n-1].Timestamp.Add(-b.Settings.MaxTimeToKeep)) {
			return s
		}
		b.insert(s)
		if b.Settings.Compression.Enabled {
			b.Compression.Reset(b.Samples[len(b.Samples)-1])
		}
	}
	b.evict()
	return s
}

func (b *Buffer) sanitize(s Sample) Sample {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		s.Value = 0
		s.IsValid = false
	}
	if b.Binary && s.Value != 0 {
		s.Value = 1
	}
	s.Timestamp = s.Timestamp.UTC()
	return s
}

func (b *Buffer) appendTail(s Sample) Sample {
	c := b.Settings.Compression
	if !c.Enabled {
		b.Samples = append(b.Samples, s)
		return s
	}
	if !s.IsValid {
		b.Samples = append(b.Samples, s)
		b.Compression.Reset(s)
		return s
	}
	tolerance := c.Tolerance
	if b.Binary {
		tolerance = 0
	} else if c.Kalman {
		s.Value = b.Compression.Filter.Update(s.Value, c.ProcessNoise, c.MeasurementNoise)
	}
	if b.Compression.Offer(s, tolerance) {
		b.Samples[len(b.Samples)-1] = s
	} else {
		b.Samples = append(b.Samples, s)
	}
	return s
}

func (b *Buffer) insert(s Sample) {
	i := sort.Search(len(b.Samples), func(i int) bool {
		return !b.Samples[i].Timestamp.Before(s.Timestamp)
	})
	if i < len(b.Samples) && b.Samples[i].Timestamp.Equal(s.Timestamp) {
		b.Samples[i] = s
		return
	}
	b.Samples = append(b.Samples, Sample{})
	copy(b.Samples[i+1:], b.Samples[i:])
	b.Samples[i] = s
}

func (b *Buffer) evict() {
	n := len(b.Samples)
	if n == 0 {
		return
	}
	cutoff := b.Samples[n-1].Timestamp.Add(-b.Settings.MaxTimeToKeep)
	drop := sort.Search(n, func(i int) bool {
		return !b.Samples[i].Timestamp.Before(cutoff)
	})
	if limit := b.Settings.MaxSamples; limit > 0 && n-drop > limit {
		drop = n - limit
	}
	if drop == 0 {
		return
	}
	b.Samples = b.Samples[drop:]
	if cap(b.Samples) > 2*len(b.Samples)+64 {
		b.Samples = append(make([]Sample, 0, 2*len(b.Samples)), b.Samples...)
	}
}

func (b *Buffer) Len() int {
	return len(b.Samples)
}

func (b *Buffer) Latest() (Sample, bool) {
	if len(b.Samples) == 0 {
		return Sample{}, false
	}
	return b.Samples[len(b.Samples)-1], true
}

// Window returns the samples with from <= timestamp <= to. The returned slice
// aliases the buffer and must not be retained across appends.
func (b *Buffer) Window(from, to time.Time) []Sample {
	lo := sort.Search(len(b.Samples), func(i int) bool {
		return !b.Samples[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(b.Samples), func(i int) bool {
		return b.Samples[i].Timestamp.After(to)
	})
	if lo >= hi {
		return nil
	}
	return b.Samples[lo:hi]
}

// Interpolate reconstructs the value at t from the retained samples.
func (b *Buffer) Interpolate(t time.Time) (float64, bool) {
	n := len(b.Samples)
	i := sort.Search(n, func(i int) bool {
		return !b.Samples[i].Timestamp.Before(t)
	})
	if i < n && b.Samples[i].Timestamp.Equal(t) {
		return b.Samples[i].Value, true
	}
	if i == 0 || i == n {
		return 0, false
	}
	prev, next := b.Samples[i-1], b.Samples[i]
	span := next.Timestamp.Sub(prev.Timestamp).Seconds()
	frac := t.Sub(prev.Timestamp).Seconds() / span
	return prev.Value + frac*(next.Value-prev.Value), true
}

// IsGapExcessive reports whether the latest inter-arrival gap exceeded the
// staleness threshold.
func (b *Buffer) IsGapExcessive() bool {
	if b.EstimatedPeriod <= 0 {
		return false
	}
	return float64(b.LastGap) > b.Settings.StaleMultiplier*float64(b.EstimatedPeriod)
}

// IsStale reports whether no sample has arrived for longer than multiplier
// estimated periods. A multiplier <= 0 uses the configured StaleMultiplier.
func (b *Buffer) IsStale(now time.Time, multiplier float64) bool {
	latest, ok := b.Latest()
	if !ok {
		return true
	}
	if b.EstimatedPeriod <= 0 {
		return false
	}
	if multiplier <= 0 {
		multiplier = b.Settings.StaleMultiplier
	}
	return float64(now.Sub(latest.Timestamp)) > multiplier*float64(b.EstimatedPeriod)
}
