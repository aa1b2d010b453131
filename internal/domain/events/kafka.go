// internal/domain/events/kafka.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/your-org/pharmacy-backend/internal/config"
	"github.com/your-org/pharmacy-backend/internal/pkg/metrics"
)

// messageWriter is the subset of *kafka.Writer the sink needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a topic from a background worker.
// Publish only enqueues; a full buffer drops the event with a warning.
type KafkaSink struct {
	writer       messageWriter
	queue        chan Event
	writeTimeout time.Duration
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	done         chan struct{}
	mu           sync.RWMutex
	closed       bool
}

// NewKafkaSink builds a kafka-backed sink and starts its worker
func NewKafkaSink(cfg config.EventsConfig, logger *logrus.Logger, m *metrics.Metrics) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
	}
	return newKafkaSink(writer, cfg.BufferSize, cfg.WriteTimeout, logger, m)
}

func newKafkaSink(w messageWriter, bufferSize int, writeTimeout time.Duration, logger *logrus.Logger, m *metrics.Metrics) *KafkaSink {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	s := &KafkaSink{
		writer:       w,
		queue:        make(chan Event, bufferSize),
		writeTimeout: writeTimeout,
		logger:       logger,
		metrics:      m,
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues the event without waiting for delivery
func (s *KafkaSink) Publish(_ context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- event:
	default:
		s.metrics.EventDropped()
		s.logger.WithField("event_type", event.Type).Warn("Event buffer full, dropping event")
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for event := range s.queue {
		s.write(event)
	}
}

func (s *KafkaSink) write(event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode event")
		return
	}

	ctx := context.Background()
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:   []byte(eventKey(event)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
		Time: event.OccurredAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.WithError(err).WithField("event_type", event.Type).Error("Failed to publish event")
	}
}

// Close drains queued events and closes the writer
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}

// eventKey keeps events for one order (or item) on one partition
func eventKey(e Event) string {
	switch {
	case e.OrderID != 0:
		return "order-" + strconv.FormatUint(uint64(e.OrderID), 10)
	case e.ItemID != 0:
		return "item-" + strconv.FormatUint(uint64(e.ItemID), 10)
	default:
		return string(e.Type)
	}
}
