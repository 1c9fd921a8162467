package engine

import (
	"context"
	"fmt"

	"willow/internal/metrics"
	"willow/internal/model"
)

func (e *Engine) enqueue(_ context.Context, cp checkpoint) error {
	e.checkpoints <- cp
	return nil
}

func (e *Engine) checkpointLoop() {
	defer close(e.done)
	for cp := range e.checkpoints {
		_ = e.persist(context.Background(), cp)
	}
	if n := e.pendingAcks(); n > 0 {
		e.logger.Warn().Int("batches", n).Msg("unacknowledged batches at shutdown will be redelivered")
	}
}

// persist saves one checkpoint and then acknowledges its batches. When a save
// fails the acks are parked and carried into the actor's next checkpoint,
// whose snapshot covers the same batches.
func (e *Engine) persist(ctx context.Context, cp checkpoint) error {
	e.pendingMu.Lock()
	parked, blocked := e.pending[cp.actorID]
	delete(e.pending, cp.actorID)
	e.pendingMu.Unlock()
	acks := append(parked, cp.acks...)

	if !cp.dirty {
		if blocked {
			e.park(cp.actorID, acks)
			return nil
		}
		ackAll(acks)
		return nil
	}

	err := e.save(ctx, cp)
	metrics.RecordCheckpoint(err)
	if err != nil {
		e.park(cp.actorID, acks)
		e.logger.Error().Err(err).Str("rule_instance", cp.actorID).Int("pending_acks", len(acks)).Msg("checkpoint failed")
		e.record(model.ActivityCheckpointFailed, cp.actorID, err.Error(), nil, cp.updated)
		return fmt.Errorf("checkpoint %s: %w", cp.actorID, err)
	}
	ackAll(acks)
	return nil
}

func (e *Engine) save(ctx context.Context, cp checkpoint) error {
	if cp.err != nil {
		return cp.err
	}
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.store.SaveActorState(ctx, cp.actorID, cp.data, cp.updated); err != nil {
		return fmt.Errorf("save actor: %w", err)
	}
	if err := e.store.SaveInsight(ctx, cp.insight); err != nil {
		return fmt.Errorf("save insight: %w", err)
	}
	return nil
}

func (e *Engine) park(id string, acks []func()) {
	e.pendingMu.Lock()
	e.pending[id] = acks
	e.pendingMu.Unlock()
}

func (e *Engine) pendingAcks() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	n := 0
	for _, acks := range e.pending {
		n += len(acks)
	}
	return n
}

func ackAll(acks []func()) {
	for _, ack := range acks {
		ack()
	}
}
