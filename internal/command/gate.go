package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"willow/internal/config"
	"willow/internal/insight"
)

var ErrRejected = errors.New("command rejected sync request")

// SyncRequest is the payload pushed to Command for one insight.
type SyncRequest struct {
	RequestID        string           `json:"request_id"`
	Insight          *insight.Insight `json:"insight"`
	NewStatus        insight.Status   `json:"new_status"`
	CommandInsightID string           `json:"command_insight_id,omitempty"`
}

type SyncResponse struct {
	Status           insight.Status `json:"status"`
	CommandInsightID string         `json:"command_insight_id"`
}

// Publisher delivers sync requests to Command.
type Publisher interface {
	Publish(ctx context.Context, req SyncRequest) (SyncResponse, error)
	Close() error
}

// Gate decides when an insight is pushed to Command and records the outcome
// on the insight. Sync makes at most one publish attempt; after a failure the
// insight's NextAllowedSyncDateUTC is set from a per-insight exponential
// backoff, and once that backoff is exhausted from RetryDelay. Retries are
// therefore driven by later evaluations and never block the caller.
type Gate struct {
	pub        Publisher
	cfg        config.CommandConfig
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	backoffs map[string]backoff.BackOff
}

func NewGate(pub Publisher, cfg config.CommandConfig, logger zerolog.Logger) *Gate {
	g := &Gate{
		pub:      pub,
		cfg:      cfg,
		logger:   logger.With().Str("component", "command").Logger(),
		backoffs: make(map[string]backoff.BackOff),
	}
	g.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialInterval
		b.MaxInterval = cfg.MaxInterval
		b.MaxElapsedTime = cfg.MaxElapsedTime
		b.Reset()
		return backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
	}
	return g
}

// Sync pushes ins to Command when the sync policy asks for it. It reports
// whether a sync happened. On failure the next attempt is deferred and the
// error is returned.
func (g *Gate) Sync(ctx context.Context, ins *insight.Insight, now time.Time) (bool, error) {
	if g == nil || g.pub == nil {
		return false, nil
	}
	if !ins.SyncAllowed(now) || !ins.ShouldSync(now) {
		return false, nil
	}
	req := SyncRequest{
		RequestID:        fmt.Sprintf("%s_%d", ins.ID, now.UnixNano()),
		Insight:          ins,
		NewStatus:        ins.NextStatus(),
		CommandInsightID: ins.CommandInsightID,
	}

	resp, err := g.pub.Publish(ctx, req)
	if err == nil {
		if resp.Status == "" {
			resp.Status = req.NewStatus
		}
		err = ins.InsightSynced(resp.Status, resp.CommandInsightID, now)
	}
	if err != nil {
		wait := g.retryAfter(ins.ID)
		ins.SyncFailed(now, wait)
		g.logger.Warn().Err(err).Str("insight", ins.ID).Dur("retry_in", wait).Msg("sync attempt failed")
		return false, fmt.Errorf("sync insight %s: %w", ins.ID, err)
	}
	g.Forget(ins.ID)
	g.logger.Debug().Str("insight", ins.ID).Str("status", string(resp.Status)).Msg("insight synced")
	return true, nil
}

// retryAfter returns the delay before the next attempt for id. The backoff
// schedule restarts after it falls back to RetryDelay.
func (g *Gate) retryAfter(id string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.backoffs[id]
	if !ok {
		b = g.newBackOff()
		g.backoffs[id] = b
	}
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		delete(g.backoffs, id)
		return g.cfg.RetryDelay
	}
	return wait
}

// Forget drops the retry schedule kept for an insight.
func (g *Gate) Forget(id string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.backoffs, id)
	g.mu.Unlock()
}

func (g *Gate) Close() error {
	if g == nil || g.pub == nil {
		return nil
	}
	return g.pub.Close()
}
