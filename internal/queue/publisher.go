// Package queue carries tasks to workers and worker events back to the
// dispatcher over Kafka. Delivery is at-least-once: offsets are committed
// only after a message has been handled or dead-lettered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rongwang/titleforge/internal/metrics"
	"github.com/rongwang/titleforge/internal/models"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// Header keys set on every published message
const (
	HeaderMessageID = "message-id"
	HeaderError     = "error"
	HeaderSource    = "source"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherConfig describes one output topic.
type PublisherConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	MaxAttempts  int
}

// Publisher writes JSON messages keyed by request id to a single topic.
// Writes are retried with exponential backoff behind a circuit breaker.
type Publisher struct {
	writer      messageWriter
	breaker     *gobreaker.CircuitBreaker
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	logger      zerolog.Logger
	metrics     *metrics.Registry
}

// NewPublisher creates a Kafka publisher for cfg.Topic. Every write waits for
// all in-sync replicas so published tasks survive a broker restart.
func NewPublisher(cfg PublisherConfig, logger zerolog.Logger, m *metrics.Registry) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newPublisher(w, cfg.Topic, cfg.MaxAttempts, logger, m)
}

func newPublisher(w messageWriter, name string, maxAttempts int, logger zerolog.Logger, m *metrics.Registry) *Publisher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("publisher breaker state changed")
		},
	}

	return &Publisher{
		writer:      w,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		maxAttempts: uint(maxAttempts),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		logger:  logger.With().Str("component", "publisher").Str("topic", name).Logger(),
		metrics: m,
	}
}

// Enqueue publishes a task for the workers
func (p *Publisher) Enqueue(ctx context.Context, task models.TaskMessage) error {
	return p.publish(ctx, task.RequestID, task)
}

// PublishEvent reports a worker event to the dispatcher
func (p *Publisher) PublishEvent(ctx context.Context, ev models.WorkerEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return p.publish(ctx, ev.RequestID, ev)
}

func (p *Publisher) publish(ctx context.Context, requestID int64, v any) error {
	started := time.Now()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding message: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(requestID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(uuid.NewString())},
		},
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.writer.WriteMessages(ctx, msg)
		})
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.maxAttempts),
		backoff.WithMaxElapsedTime(30*time.Second),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn().Err(err).Int64("request_id", requestID).Dur("retry_in", next).Msg("publish failed, retrying")
		}),
	)
	if err != nil {
		p.metrics.RecordPublish("error", started)
		if errors.Is(err, gobreaker.ErrOpenState) {
			return fmt.Errorf("error publishing request %d: broker unavailable: %w", requestID, err)
		}
		return fmt.Errorf("error publishing request %d: %w", requestID, err)
	}

	p.metrics.RecordPublish("ok", started)
	return nil
}

// Close flushes and closes the writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}
