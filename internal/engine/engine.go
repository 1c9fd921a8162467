package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"willow/internal/activity"
	"willow/internal/actor"
	"willow/internal/command"
	"willow/internal/config"
	"willow/internal/insight"
	"willow/internal/metrics"
	"willow/internal/model"
	"willow/internal/rules"
	"willow/internal/storage"
)

// Deps are the collaborators an Engine reports to. Store and Gate may be nil.
type Deps struct {
	Store     storage.Store
	Codec     storage.Codec
	Gate      *command.Gate
	Activity  *activity.Store
	Summaries *metrics.Store
}

// Engine routes telemetry to rule instance actors and owns their lifecycle:
// ingest, evaluation, insight folding, sync and checkpointing.
type Engine struct {
	logger    zerolog.Logger
	cfg       atomic.Pointer[config.Config]
	catalog   atomic.Pointer[rules.Catalog]
	evaluator actor.Evaluator
	store     storage.Store
	codec     storage.Codec
	gate      *command.Gate
	activity  *activity.Store
	summaries *metrics.Store
	cooldown  *Cooldown
	dedupe    *DedupeCache
	now       func() time.Time

	mu     sync.RWMutex
	actors map[string]*entry

	pendingMu sync.Mutex
	pending   map[string][]func()

	checkpoints chan checkpoint
	done        chan struct{}
}

type entry struct {
	mu      sync.Mutex
	state   *actor.State
	insight *insight.Insight
}

type work struct {
	actorID string
	batch   model.TelemetryBatch
	ack     func()
}

// checkpoint is the persisted result of one actor tick. Acks run only after
// the snapshot and insight are saved.
type checkpoint struct {
	actorID string
	dirty   bool
	data    []byte
	err     error
	insight *insight.Insight
	updated time.Time
	acks    []func()
}

func New(cfg *config.Config, catalog *rules.Catalog, ev actor.Evaluator, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	if catalog == nil {
		return nil, errors.New("engine: rule catalog is required")
	}
	if ev == nil {
		return nil, errors.New("engine: evaluator is required")
	}
	if deps.Activity == nil {
		deps.Activity = activity.NewStore(cfg.Activity.StoreLimit)
	}
	if deps.Summaries == nil {
		deps.Summaries = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	e := &Engine{
		logger:    logger.With().Str("component", "engine").Logger(),
		evaluator: ev,
		store:     deps.Store,
		codec:     deps.Codec,
		gate:      deps.Gate,
		activity:  deps.Activity,
		summaries: deps.Summaries,
		cooldown:  NewCooldown(),
		dedupe:    NewDedupeCache(),
		now:       func() time.Time { return time.Now().UTC() },
		actors:    make(map[string]*entry),
		pending:   make(map[string][]func()),
	}
	e.cfg.Store(cfg)
	e.catalog.Store(catalog)
	return e, nil
}

func (e *Engine) config() *config.Config {
	return e.cfg.Load()
}

// UpdateConfig swaps the configuration and rebinds live actors so new
// buffer defaults take effect without a catalog reload.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.cfg.Store(cfg)
	dropped := e.rebind(e.Catalog(), cfg)
	e.logger.Info().Int("dropped", dropped).Msg("engine configuration updated")
}

func (e *Engine) Catalog() *rules.Catalog {
	return e.catalog.Load()
}

func (e *Engine) Activity() *activity.Store {
	return e.activity
}

// Start runs the sharded workers and the checkpointer until ctx is done.
// Work already queued when ctx ends is still evaluated and checkpointed;
// Wait blocks until that has finished.
func (e *Engine) Start(ctx context.Context, in <-chan model.TelemetryBatch) {
	cfg := e.config().Engine
	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	e.checkpoints = make(chan checkpoint, max(cfg.CheckpointQueue, 1))
	e.done = make(chan struct{})
	bg := context.WithoutCancel(ctx)

	shards := make([]chan work, n)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan work, e.queueSize())
		wg.Add(1)
		go func(ch <-chan work) {
			defer wg.Done()
			e.worker(bg, ch)
		}(shards[i])
	}
	go e.checkpointLoop()
	go func() {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
			wg.Wait()
			close(e.checkpoints)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-in:
				if !ok {
					return
				}
				for _, w := range e.fanOut(b) {
					shards[shardFor(w.actorID, n)] <- w
				}
			}
		}
	}()
	e.logger.Info().Int("workers", n).Dur("coalesce_window", cfg.CoalesceWindow).Msg("engine started")
}

// Wait blocks until a started engine has flushed its checkpoints.
func (e *Engine) Wait() {
	if e.done != nil {
		<-e.done
	}
}

func shardFor(id string, n int) int {
	return int(xxhash.Sum64String(id) % uint64(n))
}

func (e *Engine) queueSize() int {
	if n := e.config().Engine.QueueSize; n > 0 {
		return n
	}
	return 1024
}

// ProcessBatches runs batches through the same pipeline as the workers but
// synchronously, checkpointing before it returns.
func (e *Engine) ProcessBatches(ctx context.Context, batches []model.TelemetryBatch) error {
	var items []work
	for _, b := range batches {
		items = append(items, e.fanOut(b)...)
	}
	return e.run(ctx, items, e.persist)
}

// fanOut addresses a batch to every rule instance bound to its point. The
// upstream ack fires once all of them have been checkpointed.
func (e *Engine) fanOut(b model.TelemetryBatch) []work {
	subs := e.Catalog().Subscribers(b.PointID)
	if len(subs) == 0 {
		e.logger.Debug().Str("point_id", b.PointID).Msg("no rule instance bound to point")
		b.Done()
		return nil
	}
	ack := b.Ack
	if ack != nil && len(subs) > 1 {
		ack = model.NewAckCounter(len(subs), b.Ack).Ack
	}
	out := make([]work, 0, len(subs))
	for _, id := range subs {
		out = append(out, work{actorID: id, batch: b, ack: ack})
	}
	return out
}

func (e *Engine) worker(ctx context.Context, ch <-chan work) {
	for first := range ch {
		items := e.collect(ch, []work{first})
		_ = e.run(ctx, items, e.enqueue)
	}
}

// collect keeps reading for the coalescing quantum, or until the channel is
// momentarily empty when the quantum is zero.
func (e *Engine) collect(ch <-chan work, items []work) []work {
	limit := e.queueSize()
	window := e.config().Engine.CoalesceWindow
	if window <= 0 {
		for len(items) < limit {
			select {
			case w, ok := <-ch:
				if !ok {
					return items
				}
				items = append(items, w)
			default:
				return items
			}
		}
		return items
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	for len(items) < limit {
		select {
		case w, ok := <-ch:
			if !ok {
				return items
			}
			items = append(items, w)
		case <-timer.C:
			return items
		}
	}
	return items
}

// run ingests every item per actor and evaluates each touched actor once.
func (e *Engine) run(ctx context.Context, items []work, sink func(context.Context, checkpoint) error) error {
	var order []string
	grouped := make(map[string][]work)
	for _, w := range items {
		if _, ok := grouped[w.actorID]; !ok {
			order = append(order, w.actorID)
		}
		grouped[w.actorID] = append(grouped[w.actorID], w)
	}
	var errs []error
	for _, id := range order {
		cp, err := e.tick(ctx, id, grouped[id])
		if err != nil {
			e.logger.Error().Err(err).Str("rule_instance", id).Msg("actor tick failed")
			errs = append(errs, err)
		}
		if err := sink(ctx, cp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) tick(ctx context.Context, id string, items []work) (checkpoint, error) {
	cp := checkpoint{actorID: id}
	for _, w := range items {
		if w.ack != nil {
			cp.acks = append(cp.acks, w.ack)
		}
	}
	ri, ok := e.Catalog().Get(id)
	if !ok {
		return cp, nil
	}
	ent, err := e.entry(ctx, ri)
	if err != nil {
		// Hold the acks back so the batches are redelivered.
		cp.dirty, cp.err = true, err
		return cp, fmt.Errorf("load actor %s: %w", id, err)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	applied := 0
	for _, w := range items {
		b := w.batch
		n, err := ent.state.Ingest(b.PointID, b.Source, b.Seq, b.Samples, b.IngestedAt)
		switch {
		case errors.Is(err, actor.ErrAlreadyApplied):
			metrics.RecordSkippedBatch()
			e.logger.Debug().Str("rule_instance", id).Str("source", b.Source).Int64("seq", b.Seq).Msg("batch already applied")
		case err != nil:
			e.logger.Warn().Err(err).Str("rule_instance", id).Msg("ingest rejected")
		default:
			applied++
			metrics.RecordSamples(n)
		}
	}
	if applied == 0 {
		return cp, nil
	}
	e.evaluate(ctx, ri, ent)
	if e.store == nil {
		return cp, nil
	}
	cp.dirty = true
	cp.updated = e.now()
	cp.insight = cloneInsight(ent.insight)
	data, err := e.codec.Encode(ent.state)
	if err != nil {
		cp.err = fmt.Errorf("encode actor: %w", err)
	}
	cp.data = data
	return cp, nil
}

func (e *Engine) evaluate(ctx context.Context, ri *rules.RuleInstance, ent *entry) {
	cfg := e.config()
	prev, hadPrev := ent.state.Last()
	began := time.Now()
	out := ent.state.Evaluate(ctx, e.evaluator, ri, cfg.Expression.Timeout)
	metrics.RecordEvaluation(outcome(out), time.Since(began))

	now := e.now()
	ins := ent.insight
	if _, err := ins.UpdateOccurrences(ent.state, ri, now); err != nil {
		if errors.Is(err, insight.ErrOverlappingOccurrences) {
			metrics.RecordOverlap()
			if e.cooldown.Allow(ri.ID, now, cfg.Engine.OverlapCooldown) {
				e.logger.Warn().Str("rule_instance", ri.ID).Int("occurrences", len(ins.Occurrences)).Msg("overlapping occurrences")
				e.record(model.ActivityOverlap, ri.ID, "insight has overlapping occurrences", nil, now)
			}
		} else {
			e.logger.Error().Err(err).Str("rule_instance", ri.ID).Msg("occurrence fold failed")
		}
	}
	if err := ins.UpdateImpactScores(ent.state, ri); err != nil {
		e.logger.Error().Err(err).Str("rule_instance", ri.ID).Msg("impact score update failed")
	}
	if !hadPrev || prev.Faulted != out.Faulted || prev.IsValid != out.IsValid {
		e.recordTransition(ri, out, now)
	}

	synced, err := e.gate.Sync(ctx, ins, now)
	switch {
	case err != nil:
		metrics.RecordSync(err)
		e.record(model.ActivitySyncFailed, ri.ID, err.Error(), nil, now)
	case synced:
		metrics.RecordSync(nil)
		e.record(model.ActivitySynced, ri.ID, "insight synced to command", map[string]string{
			"status":             string(ins.Status),
			"command_insight_id": ins.CommandInsightID,
		}, now)
	}
	e.summaries.Update(summarize(ent.state, now))
}

func outcome(out actor.OutputValue) string {
	switch {
	case !out.IsValid:
		return "invalid"
	case out.Faulted:
		return "faulted"
	default:
		return "healthy"
	}
}

func (e *Engine) recordTransition(ri *rules.RuleInstance, out actor.OutputValue, now time.Time) {
	ev := model.ActivityEvent{
		Timestamp:      now,
		RuleInstanceID: ri.ID,
		Context:        map[string]string{"value": fmt.Sprintf("%g", out.Value), "seq": fmt.Sprintf("%d", out.Seq)},
	}
	switch outcome(out) {
	case "faulted":
		e.logger.Info().Str("rule_instance", ri.ID).Float64("value", out.Value).Msg("rule faulted")
		ev.Kind, ev.Message = model.ActivityFaulted, "rule faulted"
	case "healthy":
		e.logger.Info().Str("rule_instance", ri.ID).Msg("rule healthy")
		ev.Kind, ev.Message = model.ActivityHealthy, "rule healthy"
	default:
		msg := out.Error
		if msg == "" {
			msg = "insufficient data"
		}
		e.logger.Info().Str("rule_instance", ri.ID).Str("reason", msg).Msg("rule invalid")
		ev.Kind, ev.Message = model.ActivityInvalid, msg
	}
	e.add(ev)
}

// record adds an activity event unless an identical one was recorded within
// the dedupe window.
func (e *Engine) record(kind model.ActivityKind, id, msg string, fields map[string]string, now time.Time) {
	if e.dedupe.Seen(id+"|"+string(kind)+"|"+msg, now, e.config().Engine.DedupeWindow) {
		return
	}
	e.add(model.ActivityEvent{Timestamp: now, RuleInstanceID: id, Kind: kind, Message: msg, Context: fields})
}

// add stores an activity event without deduplication. State transitions go
// through here: each one is a distinct event even when it repeats an
// earlier message.
func (e *Engine) add(ev model.ActivityEvent) {
	e.activity.Add(ev)
	if e.store == nil {
		return
	}
	ctx, cancel := e.storeContext(context.Background())
	defer cancel()
	if err := e.store.SaveActivity(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Str("rule_instance", ev.RuleInstanceID).Msg("save activity failed")
	}
}

func summarize(s *actor.State, now time.Time) model.ActorSummary {
	sum := model.ActorSummary{
		ID:                  s.ID,
		RuleID:              s.RuleID,
		Phase:               s.Phase,
		Faulted:             s.IsFaulted(),
		Valid:               s.IsValid(),
		LastEvaluated:       s.LastEvaluated,
		TriggerCount:        s.TriggerCount,
		FaultedCount:        s.FaultedCount,
		ConsecutiveFailures: s.ConsecutiveFailures,
		NextSeq:             s.NextSeq,
		ImpactValues:        make(map[string]float64, len(s.ImpactValues)),
		Points:              make(map[string]model.PointSummary, len(s.Buffers)),
	}
	if last, ok := s.Last(); ok {
		sum.LastValue = last.Value
		sum.LastError = last.Error
	}
	for k, v := range s.ImpactValues {
		sum.ImpactValues[k] = v
	}
	for id, buf := range s.Buffers {
		p := model.PointSummary{
			Samples:         buf.Len(),
			TotalSamples:    buf.TotalSamples,
			OutOfOrder:      buf.OutOfOrder,
			EstimatedPeriod: buf.EstimatedPeriod,
			Latency:         buf.Latency,
			Stale:           buf.IsStale(now, 0),
		}
		if latest, ok := buf.Latest(); ok {
			p.LastTimestamp = latest.Timestamp
			p.LastValue = latest.Value
		}
		sum.Points[id] = p
	}
	return sum
}

// entry returns the live actor for ri, restoring it from storage on first use.
func (e *Engine) entry(ctx context.Context, ri *rules.RuleInstance) (*entry, error) {
	e.mu.RLock()
	ent, ok := e.actors[ri.ID]
	e.mu.RUnlock()
	if ok {
		return ent, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.actors[ri.ID]; ok {
		return ent, nil
	}
	ent, err := e.load(ctx, ri)
	if err != nil {
		return nil, err
	}
	e.actors[ri.ID] = ent
	metrics.SetActors(len(e.actors))
	return ent, nil
}

func (e *Engine) load(ctx context.Context, ri *rules.RuleInstance) (*entry, error) {
	cfg := e.config()
	state, err := actor.New(ri, cfg.Buffer, cfg.Engine.MaxOutputValues)
	if err != nil {
		return nil, err
	}
	ins, err := insight.FromRuleInstance(ri, e.now())
	if err != nil {
		return nil, err
	}
	if e.store != nil {
		ctx, cancel := e.storeContext(ctx)
		defer cancel()
		raw, err := e.store.LoadActorState(ctx, ri.ID)
		switch {
		case err == nil:
			restored := &actor.State{}
			if err := e.codec.Decode(raw, restored); err != nil {
				return nil, fmt.Errorf("decode actor snapshot: %w", err)
			}
			if err := restored.Bind(ri, cfg.Buffer); err != nil {
				return nil, fmt.Errorf("rebind actor snapshot: %w", err)
			}
			if restored.MaxOutputValues <= 0 {
				restored.MaxOutputValues = state.MaxOutputValues
			}
			state = restored
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load actor snapshot: %w", err)
		}
		saved, err := e.store.LoadInsight(ctx, ri.ID)
		switch {
		case err == nil:
			saved.ApplyRuleInstance(ri)
			ins = saved
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load insight: %w", err)
		}
	}
	if cfg.Engine.MaxOccurrences > 0 {
		ins.MaxOccurrences = cfg.Engine.MaxOccurrences
	}
	return &entry{state: state, insight: ins}, nil
}

// Restore loads every catalog rule instance from storage up front.
func (e *Engine) Restore(ctx context.Context) error {
	catalog := e.Catalog()
	var errs []error
	for _, id := range catalog.IDs() {
		ri, _ := catalog.Get(id)
		if _, err := e.entry(ctx, ri); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
		}
	}
	e.logger.Info().Int("actors", e.ActorCount()).Int("failed", len(errs)).Msg("actors restored")
	return errors.Join(errs...)
}

// UpdateCatalog swaps the rule catalog. Live actors are rebound to their new
// definition; actors whose rule instance disappeared are dropped.
func (e *Engine) UpdateCatalog(c *rules.Catalog) {
	if c == nil {
		return
	}
	e.catalog.Store(c)
	dropped := e.rebind(c, e.config())
	e.logger.Info().Int("rule_instances", c.Len()).Int("dropped", dropped).Msg("rule catalog updated")
}

// rebind binds every live actor to its definition in c under cfg and drops
// the actors that are gone or no longer bind. It returns the number dropped.
func (e *Engine) rebind(c *rules.Catalog, cfg *config.Config) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := 0
	for id, ent := range e.actors {
		if ri, ok := c.Get(id); ok {
			ent.mu.Lock()
			err := ent.state.Bind(ri, cfg.Buffer)
			if err == nil {
				ent.insight.ApplyRuleInstance(ri)
			}
			ent.mu.Unlock()
			if err == nil {
				continue
			}
			e.logger.Warn().Err(err).Str("rule_instance", id).Msg("rebind failed, dropping actor")
		}
		delete(e.actors, id)
		e.summaries.Remove(id)
		e.cooldown.Forget(id)
		e.gate.Forget(id)
		dropped++
	}
	metrics.SetActors(len(e.actors))
	return dropped
}

func (e *Engine) ActorCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.actors)
}

func (e *Engine) Actor(id string) (model.ActorSummary, bool) {
	sum, _, ok := e.summaries.Get(id)
	return sum, ok
}

func (e *Engine) Actors() []model.ActorSummary {
	return e.summaries.GetAll()
}

// Insight returns a copy of the live insight for a rule instance.
func (e *Engine) Insight(id string) (*insight.Insight, bool) {
	e.mu.RLock()
	ent, ok := e.actors[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return cloneInsight(ent.insight), true
}

func (e *Engine) Insights() []*insight.Insight {
	e.mu.RLock()
	ents := make([]*entry, 0, len(e.actors))
	for _, ent := range e.actors {
		ents = append(ents, ent)
	}
	e.mu.RUnlock()
	out := make([]*insight.Insight, 0, len(ents))
	for _, ent := range ents {
		ent.mu.Lock()
		out = append(out, cloneInsight(ent.insight))
		ent.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneInsight(in *insight.Insight) *insight.Insight {
	out := *in
	out.Occurrences = slices.Clone(in.Occurrences)
	out.ImpactScores = slices.Clone(in.ImpactScores)
	out.Dependencies = slices.Clone(in.Dependencies)
	out.Feeds = slices.Clone(in.Feeds)
	out.FedBy = slices.Clone(in.FedBy)
	out.Points = slices.Clone(in.Points)
	out.TwinLocations = slices.Clone(in.TwinLocations)
	out.RuleTags = slices.Clone(in.RuleTags)
	return &out
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := e.config().Storage.Timeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
