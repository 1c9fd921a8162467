package actor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/looplab/fsm"

	"willow/internal/expression"
	"willow/internal/rules"
	"willow/internal/timeseries"
)

var (
	ErrUnboundPoint   = errors.New("point is not bound to this actor")
	ErrAlreadyApplied = errors.New("batch already applied")
	ErrMissingID      = errors.New("actor id is required")
)

const DefaultMaxOutputValues = 2000

// Evaluator is the rule expression engine the actor delegates to.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, in expression.Input) (expression.Result, error)
}

// OutputValue is the result of one evaluation tick. Seq increases by one per
// evaluation and lets consumers fold only what they have not seen.
type OutputValue struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	EndTime   time.Time `json:"end_time"`
	Value     float64   `json:"value"`
	Faulted   bool      `json:"faulted"`
	IsValid   bool      `json:"is_valid"`
	Error     string    `json:"error,omitempty"`
}

// State is the live evaluation state for one rule instance. It owns one
// buffer per bound point and the sequence of outputs produced so far.
//
// A State must only be mutated by one goroutine at a time.
type State struct {
	ID                  string                        `json:"id"`
	RuleID              string                        `json:"rule_id"`
	Phase               string                        `json:"phase"`
	Timestamp           time.Time                     `json:"timestamp"`
	TriggerCount        int64                         `json:"trigger_count"`
	FaultedCount        int64                         `json:"faulted_count"`
	FirstFaultedTime    time.Time                     `json:"first_faulted_time"`
	LastFaultedValue    float64                       `json:"last_faulted_value"`
	Buffers             map[string]*timeseries.Buffer `json:"buffers"`
	OutputValues        []OutputValue                 `json:"output_values"`
	NextSeq             int64                         `json:"next_seq"`
	MaxOutputValues     int                           `json:"max_output_values"`
	Watermarks          map[string]int64              `json:"watermarks"`
	ConsecutiveFailures int64                         `json:"consecutive_failures"`
	TotalFailures       int64                         `json:"total_failures"`
	ImpactValues        map[string]float64            `json:"impact_values"`
	PendingStart        time.Time                     `json:"pending_start"`
	LastEvaluated       time.Time                     `json:"last_evaluated"`
	LastTransition      time.Time                     `json:"last_transition"`

	lifecycle *fsm.FSM
}

func New(ri *rules.RuleInstance, defaults timeseries.Settings, maxOutputs int) (*State, error) {
	if ri == nil || ri.ID == "" {
		return nil, ErrMissingID
	}
	if maxOutputs <= 0 {
		maxOutputs = DefaultMaxOutputValues
	}
	s := &State{
		ID:              ri.ID,
		RuleID:          ri.RuleID,
		Phase:           PhaseIdle,
		Buffers:         make(map[string]*timeseries.Buffer, len(ri.Points)),
		MaxOutputValues: maxOutputs,
		Watermarks:      make(map[string]int64),
		ImpactValues:    make(map[string]float64),
	}
	if err := s.Bind(ri, defaults); err != nil {
		return nil, err
	}
	return s, nil
}

// Bind reconciles the buffers with the points of ri: new points get empty
// buffers, points no longer referenced are dropped, and buffer settings are
// refreshed. Existing samples and estimator state are kept; compression
// restarts on buffers whose compression settings changed.
func (s *State) Bind(ri *rules.RuleInstance, defaults timeseries.Settings) error {
	if s.Buffers == nil {
		s.Buffers = make(map[string]*timeseries.Buffer, len(ri.Points))
	}
	if s.Watermarks == nil {
		s.Watermarks = make(map[string]int64)
	}
	if s.ImpactValues == nil {
		s.ImpactValues = make(map[string]float64)
	}
	s.RuleID = ri.RuleID
	keep := make(map[string]struct{}, len(ri.Points))
	for _, p := range ri.Points {
		keep[p.ID] = struct{}{}
		settings := p.Settings(defaults)
		if buf, ok := s.Buffers[p.ID]; ok {
			if err := buf.Configure(p.Binary, settings); err != nil {
				return err
			}
			continue
		}
		buf, err := timeseries.NewBuffer(p.ID, p.Binary, settings)
		if err != nil {
			return err
		}
		s.Buffers[p.ID] = buf
	}
	for id := range s.Buffers {
		if _, ok := keep[id]; !ok {
			delete(s.Buffers, id)
		}
	}
	s.ensureLifecycle()
	return nil
}

func (s *State) ensureLifecycle() {
	if s.lifecycle != nil {
		return
	}
	phase := s.Phase
	if phase != PhaseIdle {
		// A snapshot taken mid-evaluation is resumed from idle; the
		// evaluation is repeated on replay.
		phase = PhaseIdle
	}
	s.Phase = phase
	s.lifecycle = newLifecycle(phase, func(_, to string) {
		s.Phase = to
		s.LastTransition = time.Now().UTC()
	})
}

// Ingest appends samples for one bound point. A batch carrying a source and
// sequence number at or below the watermark for that source and point has
// already been applied and is skipped with ErrAlreadyApplied.
func (s *State) Ingest(pointID, source string, seq int64, samples []timeseries.Sample, ingestedAt time.Time) (int, error) {
	buf, ok := s.Buffers[pointID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnboundPoint, pointID)
	}
	key := ""
	if source != "" && seq > 0 {
		key = source + "|" + pointID
		if seq <= s.Watermarks[key] {
			return 0, ErrAlreadyApplied
		}
	}
	for _, sample := range samples {
		stored := buf.Append(sample, ingestedAt)
		if s.PendingStart.IsZero() || stored.Timestamp.Before(s.PendingStart) {
			s.PendingStart = stored.Timestamp
		}
		if stored.Timestamp.After(s.Timestamp) {
			s.Timestamp = stored.Timestamp
		}
	}
	s.TriggerCount++
	if key != "" {
		s.Watermarks[key] = seq
	}
	return len(samples), nil
}

// Evaluate runs the rule expression against the current buffers and appends
// exactly one OutputValue. Expression failures and timeouts produce an
// invalid output that is neither faulted nor healthy.
func (s *State) Evaluate(ctx context.Context, ev Evaluator, ri *rules.RuleInstance, timeout time.Duration) OutputValue {
	s.ensureLifecycle()
	s.transition(ctx, EventEvaluate)

	in := s.input(ri)
	start := s.PendingStart
	if start.IsZero() {
		start = in.Now
	}
	if last, ok := s.Last(); ok && last.EndTime.After(start) {
		start = last.EndTime
	}
	end := in.Now
	if end.Before(start) {
		end = start
	}

	res, err := run(ctx, ev, ri.Expression(), in, timeout)

	s.NextSeq++
	out := OutputValue{Seq: s.NextSeq, Timestamp: start, EndTime: end}
	switch {
	case err != nil:
		out.Error = err.Error()
		s.ConsecutiveFailures++
		s.TotalFailures++
		s.transition(ctx, EventFail)
	case !res.IsValid:
		out.Value = finite(res.Value)
		s.ConsecutiveFailures = 0
		s.transition(ctx, EventFail)
	default:
		s.ConsecutiveFailures = 0
		out.Value = finite(res.Value)
		out.IsValid = true
		out.Faulted = res.Faulted
		if out.Faulted {
			s.FaultedCount++
			if s.FirstFaultedTime.IsZero() {
				s.FirstFaultedTime = out.Timestamp
			}
			s.LastFaultedValue = out.Value
			s.transition(ctx, EventFault)
		} else {
			s.transition(ctx, EventPass)
		}
	}

	for _, def := range ri.ImpactScores {
		r, err := run(ctx, ev, def.Expression, in, timeout)
		if err != nil || !r.IsValid {
			s.ImpactValues[def.FieldID] = 0
			continue
		}
		s.ImpactValues[def.FieldID] = finite(r.Value)
	}

	s.OutputValues = append(s.OutputValues, out)
	if over := len(s.OutputValues) - s.MaxOutputValues; s.MaxOutputValues > 0 && over > 0 {
		// Reslicing lets append move the window only when capacity runs out.
		s.OutputValues = s.OutputValues[over:]
	}
	s.PendingStart = time.Time{}
	s.LastEvaluated = end
	s.transition(ctx, EventSettle)
	return out
}

func run(ctx context.Context, ev Evaluator, expr string, in expression.Input, timeout time.Duration) (expression.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return ev.Evaluate(ctx, expr, in)
}

func (s *State) input(ri *rules.RuleInstance) expression.Input {
	in := expression.Input{
		Buffers:    make(map[string]*timeseries.Buffer, len(ri.Points)),
		Parameters: ri.Parameters,
	}
	for _, p := range ri.Points {
		buf, ok := s.Buffers[p.ID]
		if !ok {
			continue
		}
		in.Buffers[p.Name] = buf
		if latest, ok := buf.Latest(); ok && latest.Timestamp.After(in.Now) {
			in.Now = latest.Timestamp
		}
	}
	if in.Now.IsZero() {
		in.Now = s.Timestamp
	}
	return in
}

func (s *State) transition(ctx context.Context, event string) {
	if !s.lifecycle.Can(event) {
		return
	}
	_ = s.lifecycle.Event(ctx, event)
}

// Points returns the outputs with Seq greater than afterSeq.
func (s *State) Points(afterSeq int64) []OutputValue {
	i := sort.Search(len(s.OutputValues), func(i int) bool {
		return s.OutputValues[i].Seq > afterSeq
	})
	return s.OutputValues[i:]
}

func (s *State) Last() (OutputValue, bool) {
	if len(s.OutputValues) == 0 {
		return OutputValue{}, false
	}
	return s.OutputValues[len(s.OutputValues)-1], true
}

func (s *State) IsFaulted() bool {
	last, ok := s.Last()
	return ok && last.Faulted
}

func (s *State) IsValid() bool {
	last, ok := s.Last()
	return ok && last.IsValid
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
