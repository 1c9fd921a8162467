package expression

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"willow/internal/timeseries"
)

func newEvaluatorForTest(t *testing.T, timeout time.Duration) *Evaluator {
	t.Helper()
	ev, err := New(Config{Timeout: timeout}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	return ev
}

func bufferWith(t *testing.T, start time.Time, values ...float64) *timeseries.Buffer {
	t.Helper()
	buf, err := timeseries.NewBuffer("p1", false, timeseries.DefaultSettings())
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for i, v := range values {
		buf.Append(timeseries.Sample{Timestamp: start.Add(time.Duration(i) * time.Minute), Value: v, IsValid: true}, time.Time{})
	}
	return buf
}

func TestEvaluateShapes(t *testing.T) {
	ev := newEvaluatorForTest(t, time.Second)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Input{
		Buffers:    map[string]*timeseries.Buffer{"temp": bufferWith(t, start, 20, 22, 30)},
		Parameters: map[string]float64{"limit": 25},
		Now:        start.Add(2 * time.Minute),
	}
	cases := []struct {
		expr    string
		value   float64
		faulted bool
		valid   bool
	}{
		{"temp > params.limit", 1, true, true},
		{"temp < params.limit", 0, false, true},
		{"temp - 30", 0, false, true},
		{"temp / 4", 7.5, true, true},
		{"({value: avg('temp', 180), faulted: max('temp', 180) > 25})", 24, true, true},
		{"({value: temp, faulted: true, valid: false})", 30, false, false},
		{"count('temp', 60)", 2, true, true},
		{"delta('temp', 600)", 10, true, true},
		{"min('temp', 600)", 20, true, true},
		{"0/0", 0, false, false},
	}
	for _, tc := range cases {
		res, err := ev.Evaluate(context.Background(), tc.expr, in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.expr, err)
		}
		if res.Value != tc.value || res.Faulted != tc.faulted || res.IsValid != tc.valid {
			t.Fatalf("%s: got %+v", tc.expr, res)
		}
	}
}

func TestEvaluateIsRepeatable(t *testing.T) {
	ev := newEvaluatorForTest(t, time.Second)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Input{
		Buffers: map[string]*timeseries.Buffer{"temp": bufferWith(t, start, 20, 21, 26, 24)},
		Now:     start.Add(3 * time.Minute),
	}
	first, err := ev.Evaluate(context.Background(), "avg('temp', 3600) > 22", in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := ev.Evaluate(context.Background(), "avg('temp', 3600) > 22", in)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if again != first {
			t.Fatalf("expected %+v, got %+v", first, again)
		}
	}
}

func TestEvaluateTimeout(t *testing.T) {
	ev := newEvaluatorForTest(t, 50*time.Millisecond)
	in := Input{Buffers: map[string]*timeseries.Buffer{}}
	started := time.Now()
	_, err := ev.Evaluate(context.Background(), "while (true) {}", in)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(started) > 2*time.Second {
		t.Fatalf("timeout was not enforced promptly")
	}
}

func TestEvaluateErrors(t *testing.T) {
	ev := newEvaluatorForTest(t, time.Second)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	empty, err := timeseries.NewBuffer("p2", false, timeseries.DefaultSettings())
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}

	if _, err := ev.Evaluate(context.Background(), "temp >", Input{}); err == nil {
		t.Fatalf("expected compile error")
	}
	if _, err := ev.Evaluate(context.Background(), "x > 1", Input{Buffers: map[string]*timeseries.Buffer{"x": empty}}); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	in := Input{Buffers: map[string]*timeseries.Buffer{"temp": bufferWith(t, start, 1)}, Now: start}
	if _, err := ev.Evaluate(context.Background(), "avg('missing', 60)", in); err == nil {
		t.Fatalf("expected unknown point error")
	}
	if _, err := ev.Evaluate(context.Background(), "undefined", in); !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("expected invalid result, got %v", err)
	}
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"temp", "_x", "zone1_temp"} {
		if err := ValidName(name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	for _, name := range []string{"", "1temp", "zone-temp", "avg", "params"} {
		if err := ValidName(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("%s: expected invalid name, got %v", name, err)
		}
	}
}
