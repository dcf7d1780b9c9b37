// Package kafka publishes authcore audit events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrEthical07/authcore"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes each audit event as one JSON message keyed by identity, so a
// single identity's events stay ordered within a partition.
type Sink struct {
	writer  messageWriter
	logger  *slog.Logger
	timeout time.Duration
}

var _ authcore.AuditSink = (*Sink)(nil)

// Config selects the brokers and topic.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka audit sink requires brokers and a topic")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newSink(w, logger, cfg.WriteTimeout), nil
}

func newSink(w messageWriter, logger *slog.Logger, timeout time.Duration) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{writer: w, logger: logger, timeout: timeout}
}

func (s *Sink) Emit(ctx context.Context, event authcore.AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("audit event not encoded", "event_type", event.EventType, "error", err)
		return
	}

	key := event.UserID
	if key == "" {
		key = event.ID
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	})
	if err != nil {
		s.logger.Warn("kafka audit emit failed", "event_type", event.EventType, "error", err)
	}
}

// Close flushes pending messages. Safe to call on a nil Sink.
func (s *Sink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
