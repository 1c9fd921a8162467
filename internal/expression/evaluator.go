package expression

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"willow/internal/timeseries"
)

var (
	ErrTimeout          = errors.New("expression evaluation timed out")
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidResult    = errors.New("expression returned no usable result")
	ErrInvalidName      = errors.New("invalid variable name")
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// reserved names are bound by the evaluator itself.
var reserved = map[string]struct{}{
	"params": {}, "avg": {}, "min": {}, "max": {}, "count": {}, "delta": {},
	"stale": {}, "valid": {}, "interp": {}, "now": {},
}

type Config struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheSize    int           `mapstructure:"cache_size" yaml:"cache_size"`
	MaxCallStack int           `mapstructure:"max_call_stack" yaml:"max_call_stack"`
	SlowWarning  time.Duration `mapstructure:"slow_warning" yaml:"slow_warning"`
}

// Input is the snapshot an expression is evaluated against. Buffers are keyed
// by the variable name the rule uses for each point. Now is the reference
// instant for windowed functions; it is derived from the data rather than the
// wall clock so that evaluation stays repeatable.
type Input struct {
	Buffers    map[string]*timeseries.Buffer
	Parameters map[string]float64
	Now        time.Time
}

type Result struct {
	Value   float64 `json:"value"`
	Faulted bool    `json:"faulted"`
	IsValid bool    `json:"is_valid"`
}

// Evaluator runs rule expressions in a fresh JavaScript runtime per call.
// Compiled programs are shared through an LRU cache.
type Evaluator struct {
	cfg      Config
	programs *lru.Cache[string, *goja.Program]
	logger   zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) (*Evaluator, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.MaxCallStack <= 0 {
		cfg.MaxCallStack = 256
	}
	cache, err := lru.New[string, *goja.Program](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("program cache: %w", err)
	}
	return &Evaluator{
		cfg:      cfg,
		programs: cache,
		logger:   logger.With().Str("component", "expression").Logger(),
	}, nil
}

func ValidName(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := reserved[name]; ok {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// Compile parses the expression, caching the program.
func (e *Evaluator) Compile(expr string) (*goja.Program, error) {
	if p, ok := e.programs.Get(expr); ok {
		return p, nil
	}
	p, err := goja.Compile("rule", expr, false)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expr, err)
	}
	e.programs.Add(expr, p)
	return p, nil
}

func (e *Evaluator) Evaluate(ctx context.Context, expr string, in Input) (Result, error) {
	program, err := e.Compile(expr)
	if err != nil {
		return Result{}, err
	}
	for name, buf := range in.Buffers {
		if buf == nil || buf.Len() == 0 {
			return Result{}, fmt.Errorf("%w: point %s has no samples", ErrInsufficientData, name)
		}
	}

	rt := goja.New()
	rt.SetMaxCallStackSize(e.cfg.MaxCallStack)
	if err := e.bind(rt, in); err != nil {
		return Result{}, err
	}

	timer := time.AfterFunc(e.cfg.Timeout, func() { rt.Interrupt(ErrTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { rt.Interrupt(ctx.Err()) })
	defer stop()

	start := time.Now()
	v, err := rt.RunProgram(program)
	if elapsed := time.Since(start); e.cfg.SlowWarning > 0 && elapsed > e.cfg.SlowWarning {
		e.logger.Warn().Str("expression", expr).Dur("elapsed", elapsed).Msg("slow rule expression")
	}
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return Result{}, cause
			}
			return Result{}, ErrTimeout
		}
		return Result{}, fmt.Errorf("evaluate expression: %w", err)
	}
	return toResult(v)
}

func (e *Evaluator) bind(rt *goja.Runtime, in Input) error {
	for name, buf := range in.Buffers {
		latest, _ := buf.Latest()
		if err := rt.Set(name, latest.Value); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	params := make(map[string]interface{}, len(in.Parameters))
	for k, v := range in.Parameters {
		params[k] = v
	}
	lookup := func(name string) *timeseries.Buffer {
		buf, ok := in.Buffers[name]
		if !ok {
			panic(rt.NewTypeError("unknown point %q", name))
		}
		return buf
	}
	window := func(name string, seconds float64) []timeseries.Sample {
		from := in.Now.Add(-time.Duration(seconds * float64(time.Second)))
		return lookup(name).Window(from, in.Now)
	}
	funcs := map[string]interface{}{
		"params": params,
		"now":    float64(in.Now.UnixMilli()),
		"avg": func(name string, seconds float64) float64 {
			w := window(name, seconds)
			if len(w) == 0 {
				return math.NaN()
			}
			sum := 0.0
			for _, s := range w {
				sum += s.Value
			}
			return sum / float64(len(w))
		},
		"min": func(name string, seconds float64) float64 {
			w := window(name, seconds)
			if len(w) == 0 {
				return math.NaN()
			}
			out := w[0].Value
			for _, s := range w[1:] {
				out = math.Min(out, s.Value)
			}
			return out
		},
		"max": func(name string, seconds float64) float64 {
			w := window(name, seconds)
			if len(w) == 0 {
				return math.NaN()
			}
			out := w[0].Value
			for _, s := range w[1:] {
				out = math.Max(out, s.Value)
			}
			return out
		},
		"count": func(name string, seconds float64) int {
			return len(window(name, seconds))
		},
		"delta": func(name string, seconds float64) float64 {
			w := window(name, seconds)
			if len(w) == 0 {
				return math.NaN()
			}
			return w[len(w)-1].Value - w[0].Value
		},
		"interp": func(name string, secondsAgo float64) float64 {
			v, ok := lookup(name).Interpolate(in.Now.Add(-time.Duration(secondsAgo * float64(time.Second))))
			if !ok {
				return math.NaN()
			}
			return v
		},
		"stale": func(name string, multiplier float64) bool {
			return lookup(name).IsStale(in.Now, multiplier)
		},
		"valid": func(name string) bool {
			latest, ok := lookup(name).Latest()
			return ok && latest.IsValid
		},
	}
	for k, v := range funcs {
		if err := rt.Set(k, v); err != nil {
			return fmt.Errorf("bind %s: %w", k, err)
		}
	}
	return nil
}

// toResult accepts a number (non-zero is faulted), a boolean, or an object
// with value/faulted/valid fields.
func toResult(v goja.Value) (Result, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return Result{}, ErrInvalidResult
	}
	switch x := v.Export().(type) {
	case bool:
		return Result{Value: boolFloat(x), Faulted: x, IsValid: true}, nil
	case int64:
		return Result{Value: float64(x), Faulted: x != 0, IsValid: true}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Result{IsValid: false}, nil
		}
		return Result{Value: x, Faulted: x != 0, IsValid: true}, nil
	case map[string]interface{}:
		res := Result{IsValid: true}
		if raw, ok := x["value"]; ok {
			res.Value = toFloat(raw)
		}
		if raw, ok := x["faulted"]; ok {
			res.Faulted = truthy(raw)
		} else {
			res.Faulted = res.Value != 0
		}
		if raw, ok := x["valid"]; ok {
			res.IsValid = truthy(raw)
		}
		if math.IsNaN(res.Value) || math.IsInf(res.Value, 0) {
			res.Value = 0
			res.IsValid = false
		}
		if !res.IsValid {
			res.Faulted = false
		}
		return res, nil
	default:
		return Result{}, fmt.Errorf("%w: %T", ErrInvalidResult, x)
	}
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	case bool:
		return boolFloat(x)
	default:
		return math.NaN()
	}
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0 && !math.IsNaN(x)
	default:
		return v != nil
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
