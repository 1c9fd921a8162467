package timeseries

import (
	"math"
	"time"
)

// AveragePeriodEstimator tracks an exponential moving average of the spacing
// between consecutive in-order samples.
type AveragePeriodEstimator struct {
	Estimate time.Duration `json:"estimate"`
	LastGap  time.Duration `json:"last_gap"`
	Count    int64         `json:"count"`
}

func (e *AveragePeriodEstimator) Observe(delta time.Duration, alpha float64) {
	if delta <= 0 {
		return
	}
	e.LastGap = delta
	if e.Count == 0 {
		e.Estimate = delta
	} else {
		e.Estimate = time.Duration(alpha*float64(delta) + (1-alpha)*float64(e.Estimate))
	}
	e.Count++
}

// ValueOutOfRangeEstimator keeps an exponentially weighted mean and variance
// of accepted values. Values outside mean ± sigma·stddev (after warm-up) or
// outside the static bounds are rejected and do not move the statistics.
// A run of consecutive rejections re-seeds the band so a genuine level shift
// is eventually accepted.
type ValueOutOfRangeEstimator struct {
	Mean        float64 `json:"mean"`
	Variance    float64 `json:"variance"`
	Count       int64   `json:"count"`
	Consecutive int     `json:"consecutive"`
	Rejected    int64   `json:"rejected"`
}

func (e *ValueOutOfRangeEstimator) StdDev() float64 {
	if e.Variance <= 0 {
		return 0
	}
	return math.Sqrt(e.Variance)
}

// Observe reports whether v is inside the plausible band and folds it into
// the statistics when it is.
func (e *ValueOutOfRangeEstimator) Observe(v float64, s Settings) bool {
	if (s.Min != nil && v < *s.Min) || (s.Max != nil && v > *s.Max) {
		e.Rejected++
		return false
	}
	if e.Count >= int64(s.RangeWarmup) && math.Abs(v-e.Mean) > s.RangeSigma*e.StdDev() {
		e.Consecutive++
		if s.RangeMaxConsecutive > 0 && e.Consecutive >= s.RangeMaxConsecutive {
			e.reseed(v)
			return true
		}
		e.Rejected++
		return false
	}
	e.Consecutive = 0
	if e.Count == 0 {
		e.Mean = v
		e.Variance = 0
	} else {
		diff := v - e.Mean
		incr := s.RangeAlpha * diff
		e.Mean += incr
		e.Variance = (1 - s.RangeAlpha) * (e.Variance + diff*incr)
	}
	e.Count++
	return true
}

func (e *ValueOutOfRangeEstimator) reseed(v float64) {
	e.Mean = v
	e.Variance = 0
	e.Count = 1
	e.Consecutive = 0
}

// LatencyEstimator tracks ingestion delay, the gap between when a sample was
// taken and when it reached the engine.
type LatencyEstimator struct {
	Estimate time.Duration `json:"estimate"`
	Max      time.Duration `json:"max"`
	Count    int64         `json:"count"`
}

func (e *LatencyEstimator) Observe(latency time.Duration, alpha float64) {
	if latency < 0 {
		latency = 0
	}
	if latency > e.Max {
		e.Max = latency
	}
	if e.Count == 0 {
		e.Estimate = latency
	} else {
		e.Estimate = time.Duration(alpha*float64(latency) + (1-alpha)*float64(e.Estimate))
	}
	e.Count++
}

// KalmanFilter is a scalar random-walk Kalman filter.
type KalmanFilter struct {
	Estimate    float64 `json:"estimate"`
	Covariance  float64 `json:"covariance"`
	Initialized bool    `json:"initialized"`
}

func (k *KalmanFilter) Update(z, processNoise, measurementNoise float64) float64 {
	if !k.Initialized {
		k.Estimate = z
		k.Covariance = measurementNoise
		k.Initialized = true
		return z
	}
	k.Covariance += processNoise
	gain := k.Covariance / (k.Covariance + measurementNoise)
	k.Estimate += gain * (z - k.Estimate)
	k.Covariance *= 1 - gain
	return k.Estimate
}

func (k *KalmanFilter) Reset() {
	*k = KalmanFilter{}
}
