package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"willow/internal/config"
	"willow/internal/timeseries"
)

var (
	ErrMissingPoint = errors.New("missing point id")
	ErrMissingValue = errors.New("missing value")
	ErrFutureSample = errors.New("sample timestamp is too far in the future")
)

// Fields is one raw telemetry record as extracted by a parser, before any
// type conversion.
type Fields struct {
	PointID   string
	Timestamp string
	Value     string
	Quality   string
	Raw       string
}

// Record is a normalized telemetry sample for one point.
type Record struct {
	PointID string
	Sample  timeseries.Sample
}

// Normalize converts raw fields into a sample. A missing timestamp is taken
// as now; a bad quality marks the sample invalid but keeps its value.
func Normalize(fields Fields, cfg *config.Config, now time.Time) (Record, error) {
	point := strings.TrimSpace(fields.PointID)
	if point == "" {
		return Record{}, ErrMissingPoint
	}

	loc := time.UTC
	if cfg != nil && cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := now.UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return Record{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	if cfg != nil && cfg.Ingest.Parser.MaxFutureSkew > 0 && ts.Sub(now) > cfg.Ingest.Parser.MaxFutureSkew {
		return Record{}, fmt.Errorf("%w: %s", ErrFutureSample, ts.Format(time.RFC3339))
	}

	value, err := ParseValue(fields.Value)
	if err != nil {
		return Record{}, fmt.Errorf("point %s: %w", point, err)
	}
	return Record{
		PointID: point,
		Sample: timeseries.Sample{
			Timestamp: ts,
			Value:     value,
			IsValid:   ParseQuality(fields.Quality) && !math.IsNaN(value),
		},
	}, nil
}

// ParseValue accepts numbers, numeric strings and boolean words.
func ParseValue(value string) (float64, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "":
		return 0, ErrMissingValue
	case "true", "on", "yes", "open", "active":
		return 1, nil
	case "false", "off", "no", "closed", "inactive":
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("unsupported value %q", value)
	}
	return f, nil
}

// ParseQuality reports whether a quality flag denotes a usable sample. An
// absent flag counts as good.
func ParseQuality(quality string) bool {
	switch strings.ToLower(strings.TrimSpace(quality)) {
	case "", "good", "ok", "valid", "true", "1", "192":
		return true
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05 -0700 MST",
}

// ParseTimestamp accepts RFC3339 and common layouts, unix seconds (with an
// optional fraction) and unix milliseconds. Layouts without a zone are read
// in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1
}

func parseUnix(value string) (time.Time, error) {
	whole, frac, hasFrac := strings.Cut(value, ".")
	if len(whole) >= 13 {
		ms, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nanos int64
	if hasFrac && frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nanos, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(sec, nanos).UTC(), nil
}
