package model

import (
	"sync/atomic"
	"time"

	"willow/internal/timeseries"
)

// TelemetryBatch is a group of samples for one point delivered by a single
// ingest source. Seq is monotonic per Source and is used as a replay watermark;
// zero disables watermarking.
type TelemetryBatch struct {
	PointID    string              `json:"point_id"`
	Samples    []timeseries.Sample `json:"samples"`
	Source     string              `json:"source,omitempty"`
	Seq        int64               `json:"seq,omitempty"`
	IngestedAt time.Time           `json:"ingested_at"`
	Ack        func()              `json:"-"`
}

func (b TelemetryBatch) Done() {
	if b.Ack != nil {
		b.Ack()
	}
}

type ActivityKind string

const (
	ActivityFaulted          ActivityKind = "faulted"
	ActivityHealthy          ActivityKind = "healthy"
	ActivityInvalid          ActivityKind = "invalid"
	ActivitySynced           ActivityKind = "synced"
	ActivitySyncFailed       ActivityKind = "sync_failed"
	ActivityOverlap          ActivityKind = "overlapping_occurrences"
	ActivityCheckpointFailed ActivityKind = "checkpoint_failed"
)

type ActivityEvent struct {
	Timestamp      time.Time         `json:"timestamp"`
	RuleInstanceID string            `json:"rule_instance_id"`
	Kind           ActivityKind      `json:"kind"`
	Message        string            `json:"message"`
	Context        map[string]string `json:"context,omitempty"`
}

// AckCounter calls done once Ack has been called n times. It lets one
// upstream message fan out to several actors and be acknowledged only when
// every one of them is checkpointed.
type AckCounter struct {
	remaining atomic.Int64
	done      func()
}

func NewAckCounter(n int, done func()) *AckCounter {
	c := &AckCounter{done: done}
	c.remaining.Store(int64(n))
	if n <= 0 && done != nil {
		done()
	}
	return c
}

func (c *AckCounter) Ack() {
	if c.remaining.Add(-1) == 0 && c.done != nil {
		c.done()
	}
}

// ActorSummary is a read-only view of an actor published after each tick.
type ActorSummary struct {
	ID                  string                  `json:"id"`
	RuleID              string                  `json:"rule_id"`
	Phase               string                  `json:"phase"`
	Faulted             bool                    `json:"faulted"`
	Valid               bool                    `json:"valid"`
	LastValue           float64                 `json:"last_value"`
	LastError           string                  `json:"last_error,omitempty"`
	LastEvaluated       time.Time               `json:"last_evaluated"`
	TriggerCount        int64                   `json:"trigger_count"`
	FaultedCount        int64                   `json:"faulted_count"`
	ConsecutiveFailures int64                   `json:"consecutive_failures"`
	NextSeq             int64                   `json:"next_seq"`
	ImpactValues        map[string]float64      `json:"impact_values,omitempty"`
	Points              map[string]PointSummary `json:"points"`
}

type PointSummary struct {
	Samples         int           `json:"samples"`
	TotalSamples    int64         `json:"total_samples"`
	OutOfOrder      int64         `json:"out_of_order"`
	EstimatedPeriod time.Duration `json:"estimated_period"`
	Latency         time.Duration `json:"latency"`
	LastTimestamp   time.Time     `json:"last_timestamp"`
	LastValue       float64       `json:"last_value"`
	Stale           bool          `json:"stale"`
}
