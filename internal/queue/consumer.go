package queue

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rongwang/titleforge/internal/metrics"
	"github.com/rongwang/titleforge/internal/models"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Message dispositions
const (
	DispositionAck    = "ack"
	DispositionReject = "reject"
	DispositionRetry  = "requeue"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// HandlerFunc processes one message. Errors classified by models.IsPermanent
// reject the message at once; others are retried.
type HandlerFunc func(ctx context.Context, msg kafka.Message) error

// ConsumerConfig describes one input topic.
type ConsumerConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
	MaxAttempts     int
}

// Consumer reads a topic in a consumer group and commits each offset after
// its message was handled or rejected.
type Consumer struct {
	name        string
	reader      messageReader
	dlq         messageWriter
	handle      HandlerFunc
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	logger      zerolog.Logger
	metrics     *metrics.Registry
}

// ConsumerOption customises a Consumer
type ConsumerOption func(*Consumer)

// WithRetryBackOff sets the backoff between handler attempts
func WithRetryBackOff(f func() backoff.BackOff) ConsumerOption {
	return func(c *Consumer) { c.newBackOff = f }
}

// WithConsumerMetrics sets the metrics registry
func WithConsumerMetrics(m *metrics.Registry) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// NewConsumer creates a Kafka consumer. Rejected messages go to
// cfg.DeadLetterTopic when it is set.
func NewConsumer(cfg ConsumerConfig, handle HandlerFunc, logger zerolog.Logger, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // synchronous commits
		StartOffset:    kafka.FirstOffset,
	})

	var dlq messageWriter
	if cfg.DeadLetterTopic != "" {
		dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}

	return newConsumer(cfg.Topic, r, dlq, handle, cfg.MaxAttempts, logger, opts...)
}

func newConsumer(
	name string,
	r messageReader,
	dlq messageWriter,
	handle HandlerFunc,
	maxAttempts int,
	logger zerolog.Logger,
	opts ...ConsumerOption,
) *Consumer {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	c := &Consumer{
		name:        name,
		reader:      r,
		dlq:         dlq,
		handle:      handle,
		maxAttempts: uint(maxAttempts),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		logger: logger.With().Str("component", "consumer").Str("topic", name).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is canceled or the reader is closed
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("consumer started")
	defer c.logger.Info().Msg("consumer stopped")

	fetchBackOff := backoff.NewExponentialBackOff()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			wait := fetchBackOff.NextBackOff()
			c.logger.Error().Err(err).Dur("retry_in", wait).Msg("failed to fetch message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		fetchBackOff.Reset()

		disposition := c.process(ctx, msg)
		c.metrics.RecordConsumed(disposition)
		if disposition == DispositionRetry {
			// Shutting down; the uncommitted message is redelivered
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

// process handles msg and returns how it was disposed of
func (c *Consumer) process(ctx context.Context, msg kafka.Message) string {
	logger := c.logger.With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("key", string(msg.Key)).
		Logger()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.handle(ctx, msg)
		if err != nil && models.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("handler failed, retrying")
		}),
	)
	if err == nil {
		return DispositionAck
	}
	if ctx.Err() != nil {
		return DispositionRetry
	}

	logger.Error().Err(err).Bool("permanent", models.IsPermanent(err)).Msg("message rejected")
	c.deadLetter(ctx, msg, err, logger)
	return DispositionReject
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error, logger zerolog.Logger) {
	if c.dlq == nil {
		return
	}

	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderSource, Value: []byte(c.name + "/" + strconv.Itoa(msg.Partition) + "/" + strconv.FormatInt(msg.Offset, 10))},
	)

	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to write dead letter")
	}
}

// Close closes the reader and the dead-letter writer
func (c *Consumer) Close() error {
	err := c.reader.Close()
	if c.dlq != nil {
		err = errors.Join(err, c.dlq.Close())
	}
	return err
}
