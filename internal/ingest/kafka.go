package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"willow/internal/config"
	"willow/internal/model"
)

// StartKafka consumes telemetry without auto-commit. Offsets are committed
// only once every batch derived from a message has been checkpointed, and
// only as a contiguous prefix per partition, so a crash redelivers whatever
// was not yet persisted.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.TelemetryBatch, logger zerolog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		logger.Info().Msg("kafka ingest disabled")
		return
	}
	logger = logger.With().Str("component", "ingest").Str("source", "kafka").Logger()
	logger.Info().Strs("brokers", current.Brokers).Str("topic", current.Topic).Str("group_id", current.GroupID).Msg("kafka ingest enabled")
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: current.MinBytes,
		MaxBytes: current.MaxBytes,
	})
	tracker := newCommitTracker()
	go commitLoop(ctx, reader, tracker, current.CommitInterval, logger)
	go func() {
		parser := NewParser()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn().Err(err).Msg("kafka fetch error")
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			tracker.Fetched(m)
			batches := messageBatches(parser, m, cfg.Get(), logger)
			ack := model.NewAckCounter(len(batches), func() { tracker.Acked(m.Partition, m.Offset) })
			for _, b := range batches {
				b.Ack = ack.Ack
				if !Send(ctx, out, b) {
					return
				}
			}
		}
	}()
}

func messageBatches(parser *Parser, m kafka.Message, cfg *config.Config, logger zerolog.Logger) []model.TelemetryBatch {
	fields, err := parser.ParseLine(string(m.Value))
	if err != nil {
		logger.Warn().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("kafka parse error")
		return nil
	}
	for i := range fields {
		if fields[i].Timestamp == "" && !m.Time.IsZero() {
			fields[i].Timestamp = m.Time.UTC().Format(time.RFC3339Nano)
		}
		if fields[i].PointID == "" && len(m.Key) > 0 {
			fields[i].PointID = string(m.Key)
		}
	}
	now := time.Now().UTC()
	records, _ := normalizeAll(fields, cfg, now, logger)
	source := fmt.Sprintf("kafka/%s/%d", m.Topic, m.Partition)
	return Group(records, source, m.Offset+1, now)
}

func commitLoop(ctx context.Context, reader *kafka.Reader, tracker *commitTracker, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	commit := func(ctx context.Context) {
		msgs := tracker.Committable()
		if len(msgs) == 0 {
			return
		}
		if err := reader.CommitMessages(ctx, msgs...); err != nil {
			logger.Warn().Err(err).Int("partitions", len(msgs)).Msg("kafka commit failed")
			tracker.Retry(msgs)
		}
	}
	for {
		select {
		case <-ticker.C:
			commit(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			commit(flushCtx)
			cancel()
			_ = reader.Close()
			return
		}
	}
}

type partitionOffsets struct {
	topic   string
	fetched []int64
	acked   map[int64]struct{}
	commit  int64
	dirty   bool
}

// commitTracker records fetched and acknowledged offsets per partition and
// yields the highest offset below which everything has been acknowledged.
type commitTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

func newCommitTracker() *commitTracker {
	return &commitTracker{partitions: make(map[int]*partitionOffsets)}
}

func (t *commitTracker) Fetched(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[m.Partition]
	if !ok {
		p = &partitionOffsets{topic: m.Topic, acked: make(map[int64]struct{}), commit: -1}
		t.partitions[m.Partition] = p
	}
	p.fetched = append(p.fetched, m.Offset)
}

func (t *commitTracker) Acked(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partition]
	if !ok {
		return
	}
	p.acked[offset] = struct{}{}
	n := 0
	for n < len(p.fetched) {
		if _, done := p.acked[p.fetched[n]]; !done {
			break
		}
		delete(p.acked, p.fetched[n])
		p.commit = p.fetched[n]
		p.dirty = true
		n++
	}
	if n > 0 {
		p.fetched = append(p.fetched[:0], p.fetched[n:]...)
	}
}

// Committable returns one message per partition whose contiguous acked
// prefix advanced since the last call.
func (t *commitTracker) Committable() []kafka.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []kafka.Message
	for partition, p := range t.partitions {
		if !p.dirty {
			continue
		}
		p.dirty = false
		out = append(out, kafka.Message{Topic: p.topic, Partition: partition, Offset: p.commit})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Retry marks partitions from a failed commit as pending again.
func (t *commitTracker) Retry(msgs []kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		if p, ok := t.partitions[m.Partition]; ok {
			p.dirty = true
		}
	}
}
