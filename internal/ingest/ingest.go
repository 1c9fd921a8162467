package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"willow/internal/config"
	"willow/internal/model"
	"willow/internal/normalize"
)

// SendNonBlocking offers b to out and drops it when the channel is full.
// Dropped batches are acknowledged so that upstream bookkeeping stays
// consistent.
func SendNonBlocking(ctx context.Context, out chan<- model.TelemetryBatch, b model.TelemetryBatch, logger zerolog.Logger) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	default:
		logger.Warn().Str("point_id", b.PointID).Int("samples", len(b.Samples)).Msg("telemetry channel full, dropping batch")
		b.Done()
		return false
	}
}

// Send blocks until out accepts b or ctx is done. Sources that must not lose
// data, such as Kafka, use it for backpressure.
func Send(ctx context.Context, out chan<- model.TelemetryBatch, b model.TelemetryBatch) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Group turns normalized records into one batch per point, keeping the order
// in which points first appear.
func Group(records []normalize.Record, source string, seq int64, ingestedAt time.Time) []model.TelemetryBatch {
	index := make(map[string]int, len(records))
	var out []model.TelemetryBatch
	for _, r := range records {
		i, ok := index[r.PointID]
		if !ok {
			i = len(out)
			index[r.PointID] = i
			out = append(out, model.TelemetryBatch{
				PointID:    r.PointID,
				Source:     source,
				Seq:        seq,
				IngestedAt: ingestedAt,
			})
		}
		out[i].Samples = append(out[i].Samples, r.Sample)
	}
	return out
}

// normalizeAll converts every parsed record, logging and counting the ones
// that fail.
func normalizeAll(fields []normalize.Fields, cfg *config.Config, now time.Time, logger zerolog.Logger) ([]normalize.Record, int) {
	records := make([]normalize.Record, 0, len(fields))
	failed := 0
	for _, f := range fields {
		rec, err := normalize.Normalize(f, cfg, now)
		if err != nil {
			logger.Warn().Err(err).Str("raw", truncate(f.Raw, 200)).Msg("telemetry normalize error")
			failed++
			continue
		}
		records = append(records, rec)
	}
	return records, failed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
