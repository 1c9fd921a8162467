package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"willow/internal/config"
)

// NewPublisher builds the publisher selected by cfg.Publisher. A disabled
// config yields nil, which turns the gate into a no-op.
func NewPublisher(cfg config.CommandConfig, logger zerolog.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Publisher) {
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return nil, fmt.Errorf("kafka publisher requires brokers and topic")
		}
		return NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	case "http":
		if cfg.HTTP.URL == "" {
			return nil, fmt.Errorf("http publisher requires url")
		}
		return NewHTTPPublisher(cfg.HTTP.URL, cfg.HTTP.Token, cfg.HTTP.Timeout), nil
	case "log", "":
		return NewLogPublisher(logger), nil
	default:
		return nil, fmt.Errorf("unsupported command publisher %q", cfg.Publisher)
	}
}

// accept is the response for transports that do not answer: the requested
// status is taken as applied and a Command id is minted when missing.
func accept(req SyncRequest) SyncResponse {
	id := req.CommandInsightID
	if id == "" {
		id = uuid.NewString()
	}
	return SyncResponse{Status: req.NewStatus, CommandInsightID: id}
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	resp := accept(req)
	req.CommandInsightID = resp.CommandInsightID
	value, err := json.Marshal(req)
	if err != nil {
		return SyncResponse{}, backoff.Permanent(fmt.Errorf("encode sync request: %w", err))
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.Insight.ID),
		Value: value,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return SyncResponse{}, fmt.Errorf("kafka write: %w", err)
	}
	return resp, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type HTTPPublisher struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPPublisher(url, token string, timeout time.Duration) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPublisher{url: url, token: token, client: &http.Client{Timeout: timeout}}
}

func (p *HTTPPublisher) Publish(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SyncResponse{}, backoff.Permanent(fmt.Errorf("encode sync request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return SyncResponse{}, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.RequestID)
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}
	res, err := p.client.Do(httpReq)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("post sync: %w", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	switch {
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return SyncResponse{}, fmt.Errorf("command returned %d", res.StatusCode)
	case res.StatusCode >= 400:
		return SyncResponse{}, backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, res.StatusCode, strings.TrimSpace(string(raw))))
	}
	var resp SyncResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return SyncResponse{}, backoff.Permanent(fmt.Errorf("decode sync response: %w", err))
		}
	}
	if resp.CommandInsightID == "" {
		resp.CommandInsightID = req.CommandInsightID
	}
	return resp, nil
}

func (p *HTTPPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// LogPublisher only logs what would be sent.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "command").Str("publisher", "log").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, req SyncRequest) (SyncResponse, error) {
	resp := accept(req)
	p.logger.Info().
		Str("insight", req.Insight.ID).
		Str("status", string(req.NewStatus)).
		Str("command_insight_id", resp.CommandInsightID).
		Bool("faulty", req.Insight.IsFaulty).
		Int("occurrences", len(req.Insight.Occurrences)).
		Msg("sync insight")
	return resp, nil
}

func (p *LogPublisher) Close() error { return nil }
