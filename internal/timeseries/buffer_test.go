package timeseries_test

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"willow/internal/timeseries"
)

func floatPtr(v float64) *float64 { return &v }

var _ = Describe("Buffer", func() {
	var (
		base     time.Time
		settings timeseries.Settings
		buf      *timeseries.Buffer
	)

	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

	BeforeEach(func() {
		base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		settings = timeseries.DefaultSettings()
		settings.MaxTimeToKeep = time.Hour
	})

	JustBeforeEach(func() {
		var err error
		buf, err = timeseries.NewBuffer("p1", false, settings)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("construction", func() {
		It("rejects an empty point id", func() {
			_, err := timeseries.NewBuffer("", false, settings)
			Expect(err).To(MatchError(timeseries.ErrEmptyPointID))
		})

		It("rejects inverted static bounds", func() {
			s := settings
			s.Min = floatPtr(10)
			s.Max = floatPtr(5)
			_, err := timeseries.NewBuffer("p1", false, s)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("greater than max"))
		})
	})

	Describe("ordering", func() {
		It("keeps samples sorted when they arrive out of order", func() {
			for _, sec := range []int{0, 10, 30, 20, 5, 40} {
				buf.Append(timeseries.Sample{Timestamp: at(sec), Value: float64(sec), IsValid: true}, time.Time{})
			}
			Expect(buf.Len()).To(Equal(6))
			for i := 1; i < buf.Len(); i++ {
				Expect(buf.Samples[i].Timestamp.After(buf.Samples[i-1].Timestamp)).To(BeTrue())
			}
			Expect(buf.OutOfOrder).To(Equal(int64(2)))
		})

		It("replaces duplicate timestamps with the last write", func() {
			buf.Append(timeseries.Sample{Timestamp: at(0), Value: 1, IsValid: true}, time.Time{})
			buf.Append(timeseries.Sample{Timestamp: at(10), Value: 2, IsValid: true}, time.Time{})
			buf.Append(timeseries.Sample{Timestamp: at(10), Value: 3, IsValid: true}, time.Time{})
			buf.Append(timeseries.Sample{Timestamp: at(0), Value: 4, IsValid: true}, time.Time{})

			Expect(buf.Len()).To(Equal(2))
			Expect(buf.Samples[0].Value).To(Equal(4.0))
			Expect(buf.Samples[1].Value).To(Equal(3.0))
		})
	})

	Describe("eviction", func() {
		It("drops samples older than the retention window", func() {
			for sec := 0; sec <= 7200; sec += 60 {
				buf.Append(timeseries.Sample{Timestamp: at(sec), Value: 1, IsValid: true}, time.Time{})
			}
			first := buf.Samples[0].Timestamp
			latest, _ := buf.Latest()
			Expect(latest.Timestamp.Sub(first)).To(BeNumerically("<=", time.Hour))
			Expect(buf.TotalSamples).To(Equal(int64(121)))
		})

		It("ignores late samples that fall outside the window", func() {
			buf.Append(timeseries.Sample{Timestamp: at(7200), Value: 1, IsValid: true}, time.Time{})
			buf.Append(timeseries.Sample{Timestamp: at(0), Value: 1, IsValid: true}, time.Time{})
			Expect(buf.Len()).To(Equal(1))
		})

		Context("with a sample cap", func() {
			BeforeEach(func() { settings.MaxSamples = 5 })

			It("keeps only the newest samples", func() {
				for sec := 0; sec < 20; sec++ {
					buf.Append(timeseries.Sample{Timestamp: at(sec), Value: float64(sec), IsValid: true}, time.Time{})
				}
				Expect(buf.Len()).To(Equal(5))
				Expect(buf.Samples[0].Value).To(Equal(15.0))
			})
		})
	})

	Describe("period estimation", func() {
		It("converges on the sampling interval and flags long gaps", func() {
			for sec := 0; sec <= 600; sec += 10 {
				buf.Append(timeseries.Sample{Timestamp: at(sec), Value: 1, IsValid: true}, time.Time{})
			}
			Expect(buf.EstimatedPeriod).To(Equal(10 * time.Second))
			Expect(buf.IsGapExcessive()).To(BeFalse())
			Expect(buf.IsStale(at(620), 0)).To(BeFalse())
			Expect(buf.IsStale(at(700), 0)).To(BeTrue())

			buf.Append(timeseries.Sample{Timestamp: at(1200), Value: 1, IsValid: true}, time.Time{})
			Expect(buf.LastGap).To(Equal(600 * time.Second))
			Expect(buf.IsGapExcessive()).To(BeTrue())
		})
	})

	Describe("latency estimation", func() {
		It("tracks ingestion delay independently of the value", func() {
			for sec := 0; sec < 10; sec++ {
				buf.Append(timeseries.Sample{Timestamp: at(sec), Value: float64(sec), IsValid: true}, at(sec).Add(2*time.Second))
			}
			Expect(buf.Latency).To(Equal(2 * time.Second))
			Expect(buf.LatencyEstimator.Max).To(Equal(2 * time.Second))
		})
	})

	Describe("range estimation", func() {
		It("flags outliers after warm-up without discarding them", func() {
			for sec := 0; sec < 50; sec++ {
				v := 20.0
				if sec%2 == 0 {
					v = 21.0
				}
				buf.Append(timeseries.Sample{Timestamp: at(sec), Value: v, IsValid: true}, time.Time{})
			}
			stored := buf.Append(timeseries.Sample{Timestamp: at(50), Value: 500, IsValid: true}, time.Time{})
			Expect(stored.IsValid).To(BeFalse())
			latest, _ := buf.Latest()
			Expect(latest.Value).To(Equal(500.0))
			Expect(latest.IsValid).To(BeFalse())
		})

		It("accepts a persistent level shift after enough consecutive outliers", func() {
			for sec := 0; sec < 20; sec++ {
				buf.Append(timeseries.Sample{Timestamp: at(sec), Value: 20 + float64(sec%2), IsValid: true}, time.Time{})
			}
			var last timeseries.Sample
			for sec := 20; sec < 20+settings.RangeMaxConsecutive; sec++ {
				last = buf.Append(timeseries.Sample{Timestamp: at(sec), Value: 100, IsValid: true}, time.Time{})
			}
			Expect(last.IsValid).To(BeTrue())
			Expect(buf.Range.Mean).To(Equal(100.0))
		})

		Context("with static bounds", func() {
			BeforeEach(func() { settings.Max = floatPtr(50) })

			It("rejects values above max even during warm-up", func() {
				stored := buf.Append(timeseries.Sample{Timestamp: at(0), Value: 51, IsValid: true}, time.Time{})
				Expect(stored.IsValid).To(BeFalse())
			})
		})

		It("coerces NaN to an invalid zero sample", func() {
			stored := buf.Append(timeseries.Sample{Timestamp: at(0), Value: math.NaN(), IsValid: true}, time.Time{})
			Expect(stored.Value).To(Equal(0.0))
			Expect(stored.IsValid).To(BeFalse())
		})
	})

	Describe("window and interpolation", func() {
		It("answers time-range queries", func() {
			for sec := 0; sec <= 100; sec += 10 {
				buf.Append(timeseries.Sample{Timestamp: at(sec), Value: float64(sec), IsValid: true}, time.Time{})
			}
			Expect(buf.Window(at(25), at(55))).To(HaveLen(3))
			v, ok := buf.Interpolate(at(25))
			Expect(ok).To(BeTrue())
			Expect(v).To(BeNumerically("~", 25.0, 1e-9))
			_, ok = buf.Interpolate(at(200))
			Expect(ok).To(BeFalse())
		})
	})

	Describe("serialization", func() {
		It("round-trips estimator state", func() {
			settings.Compression.Enabled = true
			settings.Compression.Tolerance = 0.5
			b, err := timeseries.NewBuffer("p1", false, settings)
			Expect(err).NotTo(HaveOccurred())
			for sec := 0; sec < 30; sec++ {
				b.Append(timeseries.Sample{Timestamp: at(sec), Value: float64(sec % 7), IsValid: true}, at(sec).Add(time.Second))
			}
			data, err := json.Marshal(b)
			Expect(err).NotTo(HaveOccurred())
			var restored timeseries.Buffer
			Expect(json.Unmarshal(data, &restored)).To(Succeed())
			Expect(restored.Samples).To(HaveLen(b.Len()))
			Expect(restored.Compression).To(Equal(b.Compression))
			Expect(restored.EstimatedPeriod).To(Equal(b.EstimatedPeriod))
		})
	})
})

var _ = Describe("Compression", func() {
	var base time.Time

	BeforeEach(func() {
		base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	})

	newBuffer := func(tolerance float64, kalman, binary bool) *timeseries.Buffer {
		s := timeseries.DefaultSettings()
		s.MaxTimeToKeep = 48 * time.Hour
		s.RangeSigma = 1000
		s.Compression.Enabled = true
		s.Compression.Tolerance = tolerance
		s.Compression.Kalman = kalman
		b, err := timeseries.NewBuffer("p1", binary, s)
		Expect(err).NotTo(HaveOccurred())
		return b
	}

	DescribeTable("bounds the deviation of every dropped sample",
		func(tolerance float64, kalman bool) {
			b := newBuffer(tolerance, kalman, false)
			rng := rand.New(rand.NewSource(42))
			stored := make([]timeseries.Sample, 0, 2000)
			for i := 0; i < 2000; i++ {
				ts := base.Add(time.Duration(i) * 15 * time.Second)
				v := 20 + 5*math.Sin(float64(i)/50) + rng.NormFloat64()*0.3
				stored = append(stored, b.Append(timeseries.Sample{Timestamp: ts, Value: v, IsValid: true}, time.Time{}))
			}
			Expect(b.Len()).To(BeNumerically("<", len(stored)))
			for _, s := range stored {
				v, ok := b.Interpolate(s.Timestamp)
				Expect(ok).To(BeTrue())
				Expect(math.Abs(v - s.Value)).To(BeNumerically("<=", tolerance+1e-9))
			}
		},
		Entry("tight tolerance", 0.1, false),
		Entry("loose tolerance", 1.0, false),
		Entry("kalman smoothed", 0.2, true),
	)

	It("collapses a linear ramp to its endpoints", func() {
		b := newBuffer(0.01, false, false)
		for i := 0; i < 100; i++ {
			b.Append(timeseries.Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Value: float64(i) * 0.5, IsValid: true}, time.Time{})
		}
		Expect(b.Len()).To(Equal(2))
		Expect(b.Compression.Dropped).To(Equal(int64(98)))
	})

	It("uses zero tolerance for binary points", func() {
		b := newBuffer(5, false, true)
		values := []float64{0, 0, 0, 1, 1, 1, 0, 0}
		for i, v := range values {
			b.Append(timeseries.Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Value: v, IsValid: true}, time.Time{})
		}
		for i, v := range values {
			got, ok := b.Interpolate(base.Add(time.Duration(i) * time.Second))
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(v))
		}
	})

	It("freezes the tail when a late sample arrives", func() {
		b := newBuffer(10, false, false)
		for i := 0; i < 5; i++ {
			b.Append(timeseries.Sample{Timestamp: base.Add(time.Duration(i*10) * time.Second), Value: 1, IsValid: true}, time.Time{})
		}
		Expect(b.Len()).To(Equal(2))
		b.Append(timeseries.Sample{Timestamp: base.Add(15 * time.Second), Value: 3, IsValid: true}, time.Time{})
		Expect(b.Len()).To(Equal(3))
		Expect(b.Compression.HasTail).To(BeFalse())
		Expect(b.Compression.Anchor.Timestamp).To(Equal(base.Add(40 * time.Second)))

		b.Append(timeseries.Sample{Timestamp: base.Add(50 * time.Second), Value: 1, IsValid: true}, time.Time{})
		Expect(b.Len()).To(Equal(4))
	})

	It("smooths values with the kalman filter before storing them", func() {
		b := newBuffer(0, true, false)
		first := b.Append(timeseries.Sample{Timestamp: base, Value: 10, IsValid: true}, time.Time{})
		second := b.Append(timeseries.Sample{Timestamp: base.Add(time.Second), Value: 20, IsValid: true}, time.Time{})
		Expect(first.Value).To(Equal(10.0))
		Expect(second.Value).To(BeNumerically(">", 10))
		Expect(second.Value).To(BeNumerically("<", 20))
	})
})

var _ = Describe("Reconfiguration", func() {
	var base time.Time

	BeforeEach(func() {
		base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	})

	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

	It("restarts compression when its settings change", func() {
		s := timeseries.DefaultSettings()
		s.MaxTimeToKeep = 48 * time.Hour
		s.RangeWarmup = 1000
		s.Compression.Enabled = true
		s.Compression.Tolerance = 0.01
		b, err := timeseries.NewBuffer("p1", false, s)
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 10; i++ {
			b.Append(timeseries.Sample{Timestamp: at(i), Value: float64(i) * 0.5, IsValid: true}, time.Time{})
		}
		Expect(b.Len()).To(Equal(2))

		off := s
		off.Compression.Enabled = false
		Expect(b.Configure(false, off)).To(Succeed())
		Expect(b.Compression.HasAnchor).To(BeFalse())
		for i := 10; i < 15; i++ {
			b.Append(timeseries.Sample{Timestamp: at(i), Value: 100 + float64(i), IsValid: true}, time.Time{})
		}
		Expect(b.Len()).To(Equal(7))

		Expect(b.Configure(false, s)).To(Succeed())
		Expect(b.Compression.Anchor.Timestamp).To(Equal(at(14)))
		for i := 15; i < 20; i++ {
			b.Append(timeseries.Sample{Timestamp: at(i), Value: 100 + float64(i), IsValid: true}, time.Time{})
		}
		Expect(b.Len()).To(Equal(8))
		for i := 10; i < 20; i++ {
			v, ok := b.Interpolate(at(i))
			Expect(ok).To(BeTrue())
			Expect(v).To(BeNumerically("~", 100+float64(i), 1e-9))
		}
	})

	It("keeps compression state when only other settings change", func() {
		s := timeseries.DefaultSettings()
		s.Compression.Enabled = true
		b, err := timeseries.NewBuffer("p1", false, s)
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 5; i++ {
			b.Append(timeseries.Sample{Timestamp: at(i), Value: 1, IsValid: true}, time.Time{})
		}
		before := b.Compression
		next := s
		next.MaxTimeToKeep = 2 * time.Hour
		Expect(b.Configure(false, next)).To(Succeed())
		Expect(b.Compression).To(Equal(before))
		Expect(b.Settings.MaxTimeToKeep).To(Equal(2 * time.Hour))
	})

	It("rejects invalid settings", func() {
		b, err := timeseries.NewBuffer("p1", false, timeseries.DefaultSettings())
		Expect(err).NotTo(HaveOccurred())
		bad := timeseries.DefaultSettings()
		bad.PeriodAlpha = 2
		Expect(b.Configure(false, bad)).NotTo(Succeed())
	})
})

var _ = Describe("Overrides", func() {
	boolPtr := func(v bool) *bool { return &v }

	It("can switch off compression and smoothing enabled by the defaults", func() {
		d := timeseries.DefaultSettings()
		d.Compression.Enabled = true
		d.Compression.Kalman = true
		d.Compression.Tolerance = 0.5

		got := timeseries.Overrides{
			Compression: &timeseries.CompressionOverrides{
				Enabled:   boolPtr(false),
				Kalman:    boolPtr(false),
				Tolerance: floatPtr(0),
			},
		}.Apply(d)
		Expect(got.Compression.Enabled).To(BeFalse())
		Expect(got.Compression.Kalman).To(BeFalse())
		Expect(got.Compression.Tolerance).To(Equal(0.0))
		Expect(got.Compression.MeasurementNoise).To(Equal(d.Compression.MeasurementNoise))
	})

	It("keeps every default that is not overridden", func() {
		d := timeseries.DefaultSettings()
		keep := 2 * time.Hour
		got := timeseries.Overrides{MaxTimeToKeep: &keep, Max: floatPtr(80)}.Apply(d)
		Expect(got.MaxTimeToKeep).To(Equal(keep))
		Expect(*got.Max).To(Equal(80.0))
		Expect(got.Min).To(BeNil())
		got.MaxTimeToKeep = d.MaxTimeToKeep
		got.Max = nil
		Expect(got).To(Equal(d))
	})
})
