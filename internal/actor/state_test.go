package actor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"willow/internal/expression"
	"willow/internal/rules"
	"willow/internal/timeseries"
)

type stubEvaluator struct {
	result expression.Result
	err    error
	calls  int
}

func (s *stubEvaluator) Evaluate(context.Context, string, expression.Input) (expression.Result, error) {
	s.calls++
	return s.result, s.err
}

func testRuleInstance() *rules.RuleInstance {
	limit := 25.0
	return &rules.RuleInstance{
		ID:       "ri-1",
		RuleID:   "rule-1",
		Template: rules.TemplateSpec{Template: rules.RangeTemplate{Point: "temp", Max: &limit}},
		Points:   []rules.PointBinding{{ID: "pt-temp", Name: "temp"}},
		ImpactScores: []rules.ImpactScoreDef{
			{FieldID: "excess", Name: "Excess", Unit: "degC", Expression: "temp - 25"},
		},
	}
}

func newStateForTest(t *testing.T, ri *rules.RuleInstance) *State {
	t.Helper()
	s, err := New(ri, timeseries.DefaultSettings(), 0)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return s
}

func newEvaluator(t *testing.T) *expression.Evaluator {
	t.Helper()
	ev, err := expression.New(expression.Config{Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	return ev
}

func sample(ts time.Time, v float64) []timeseries.Sample {
	return []timeseries.Sample{{Timestamp: ts, Value: v, IsValid: true}}
}

func TestNewRequiresID(t *testing.T) {
	if _, err := New(&rules.RuleInstance{}, timeseries.DefaultSettings(), 0); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestIngestUpdatesCountersAndWatermarks(t *testing.T) {
	s := newStateForTest(t, testRuleInstance())
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	if _, err := s.Ingest("pt-other", "", 0, sample(t0, 1), time.Time{}); !errors.Is(err, ErrUnboundPoint) {
		t.Fatalf("expected ErrUnboundPoint, got %v", err)
	}
	if _, err := s.Ingest("pt-temp", "kafka/telemetry/0", 5, sample(t0, 20), t0); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := s.Ingest("pt-temp", "kafka/telemetry/0", 5, sample(t0.Add(time.Minute), 99), t0); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected replayed batch to be skipped, got %v", err)
	}
	if _, err := s.Ingest("pt-temp", "kafka/telemetry/0", 6, sample(t0.Add(2*time.Minute), 21), t0); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if s.TriggerCount != 2 {
		t.Fatalf("expected 2 triggers, got %d", s.TriggerCount)
	}
	if !s.Timestamp.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("unexpected timestamp %s", s.Timestamp)
	}
	if got := s.Buffers["pt-temp"].Len(); got != 2 {
		t.Fatalf("expected 2 samples, got %d", got)
	}
}

func TestEvaluateAppendsOneOutput(t *testing.T) {
	ri := testRuleInstance()
	s := newStateForTest(t, ri)
	ev := newEvaluator(t)
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	s.Ingest("pt-temp", "", 0, sample(t0, 20), time.Time{})
	s.Ingest("pt-temp", "", 0, sample(t0.Add(time.Minute), 30), time.Time{})
	out := s.Evaluate(context.Background(), ev, ri, time.Second)

	if len(s.OutputValues) != 1 || out.Seq != 1 {
		t.Fatalf("expected one output with seq 1, got %d outputs %+v", len(s.OutputValues), out)
	}
	if !out.Faulted || !out.IsValid || out.Value != 30 {
		t.Fatalf("unexpected output %+v", out)
	}
	if !out.Timestamp.Equal(t0) || !out.EndTime.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected span %s - %s", out.Timestamp, out.EndTime)
	}
	if s.FaultedCount != 1 || !s.FirstFaultedTime.Equal(t0) || s.LastFaultedValue != 30 {
		t.Fatalf("unexpected aggregates %d %s %v", s.FaultedCount, s.FirstFaultedTime, s.LastFaultedValue)
	}
	if s.ImpactValues["excess"] != 5 {
		t.Fatalf("unexpected impact %v", s.ImpactValues)
	}
	if s.Phase != PhaseIdle {
		t.Fatalf("expected idle phase, got %s", s.Phase)
	}

	s.Ingest("pt-temp", "", 0, sample(t0.Add(30*time.Second), 20), time.Time{})
	s.Ingest("pt-temp", "", 0, sample(t0.Add(2*time.Minute), 20), time.Time{})
	next := s.Evaluate(context.Background(), ev, ri, time.Second)
	if !next.Timestamp.Equal(out.EndTime) {
		t.Fatalf("late sample must not move the start before the previous end: %s", next.Timestamp)
	}
	if next.Faulted || !next.IsValid {
		t.Fatalf("expected healthy output, got %+v", next)
	}
	if got := s.Points(1); len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("unexpected points after seq 1: %+v", got)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	ri := testRuleInstance()
	s := newStateForTest(t, ri)
	ev := newEvaluator(t)
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		s.Ingest("pt-temp", "", 0, sample(t0.Add(time.Duration(i)*time.Minute), 20+float64(i)), time.Time{})
	}
	first := s.Evaluate(context.Background(), ev, ri, time.Second)
	for i := 0; i < 3; i++ {
		again := s.Evaluate(context.Background(), ev, ri, time.Second)
		if again.Value != first.Value || again.Faulted != first.Faulted || again.IsValid != first.IsValid {
			t.Fatalf("expected %+v, got %+v", first, again)
		}
	}
}

func TestEvaluateFailureIsInvalidNotFaulted(t *testing.T) {
	ri := testRuleInstance()
	s := newStateForTest(t, ri)
	stub := &stubEvaluator{err: expression.ErrTimeout}
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		s.Ingest("pt-temp", "", 0, sample(t0.Add(time.Duration(i)*time.Minute), 40), time.Time{})
		out := s.Evaluate(context.Background(), stub, ri, time.Second)
		if out.IsValid || out.Faulted || out.Error == "" {
			t.Fatalf("unexpected output %+v", out)
		}
	}
	if s.ConsecutiveFailures != 3 || s.TotalFailures != 3 {
		t.Fatalf("unexpected failure counters %d %d", s.ConsecutiveFailures, s.TotalFailures)
	}
	if s.FaultedCount != 0 {
		t.Fatalf("failures must not count as faults")
	}
	if s.ImpactValues["excess"] != 0 {
		t.Fatalf("failed impact must be zero")
	}

	stub.err = nil
	stub.result = expression.Result{Value: 0, IsValid: true}
	s.Ingest("pt-temp", "", 0, sample(t0.Add(5*time.Minute), 20), time.Time{})
	s.Evaluate(context.Background(), stub, ri, time.Second)
	if s.ConsecutiveFailures != 0 || s.TotalFailures != 3 {
		t.Fatalf("unexpected failure counters after recovery %d %d", s.ConsecutiveFailures, s.TotalFailures)
	}
}

func TestOutputValuesAreBounded(t *testing.T) {
	ri := testRuleInstance()
	s, err := New(ri, timeseries.DefaultSettings(), 5)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stub := &stubEvaluator{result: expression.Result{IsValid: true}}
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		s.Ingest("pt-temp", "", 0, sample(t0.Add(time.Duration(i)*time.Minute), 20), time.Time{})
		s.Evaluate(context.Background(), stub, ri, 0)
	}
	if len(s.OutputValues) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(s.OutputValues))
	}
	if s.OutputValues[0].Seq != 8 || s.NextSeq != 12 {
		t.Fatalf("unexpected seq window %d..%d", s.OutputValues[0].Seq, s.NextSeq)
	}
}

func TestOutputTrimDoesNotCopyEveryEvaluation(t *testing.T) {
	ri := testRuleInstance()
	s, err := New(ri, timeseries.DefaultSettings(), 50)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stub := &stubEvaluator{result: expression.Result{IsValid: true}}
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	tick := func(i int) {
		s.Ingest("pt-temp", "", 0, sample(t0.Add(time.Duration(i)*time.Minute), 20), time.Time{})
		s.Evaluate(context.Background(), stub, ri, 0)
	}
	for i := 0; i < 50; i++ {
		tick(i)
	}
	copies := 0
	for i := 50; i < 550; i++ {
		prev := s.OutputValues
		tick(i)
		if &s.OutputValues[0] != &prev[1] {
			copies++
		}
		if len(s.OutputValues) != 50 {
			t.Fatalf("expected 50 outputs, got %d", len(s.OutputValues))
		}
	}
	if copies > 100 {
		t.Fatalf("output window was copied %d times in 500 evaluations", copies)
	}
	if s.OutputValues[0].Seq != 501 || s.OutputValues[49].Seq != 550 {
		t.Fatalf("unexpected seq window %d..%d", s.OutputValues[0].Seq, s.OutputValues[49].Seq)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ri := testRuleInstance()
	s := newStateForTest(t, ri)
	ev := newEvaluator(t)
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	s.Ingest("pt-temp", "rest", 3, sample(t0, 30), t0)
	s.Evaluate(context.Background(), ev, ri, time.Second)

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored State
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := restored.Bind(ri, timeseries.DefaultSettings()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if restored.FaultedCount != 1 || restored.NextSeq != 1 || restored.Watermarks["rest|pt-temp"] != 3 {
		t.Fatalf("unexpected restored state %+v", restored)
	}
	if _, err := restored.Ingest("pt-temp", "rest", 3, sample(t0, 30), t0); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected replay to be skipped after restore, got %v", err)
	}
	out := restored.Evaluate(context.Background(), ev, ri, time.Second)
	if out.Seq != 2 || !out.Faulted {
		t.Fatalf("unexpected output after restore %+v", out)
	}
}
