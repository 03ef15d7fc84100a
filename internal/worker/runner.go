// Package worker contains the reference worker that turns queued tasks into
// worker events, and an in-memory stand-in for the task queue used in tests
// and local runs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/pricing"
	"github.com/rongwang/titleforge/internal/queue"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// TextMetricsVersion is reported as the model version of TextMetrics results.
const TextMetricsVersion = "text-metrics-1"

// Generator computes the result for a task's text.
type Generator interface {
	Generate(ctx context.Context, text string) (models.Completion, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context, text string) (models.Completion, error)

func (f GeneratorFunc) Generate(ctx context.Context, text string) (models.Completion, error) {
	return f(ctx, text)
}

// TextMetrics reports measurements of the text as the result.
type TextMetrics struct{}

func (TextMetrics) Generate(ctx context.Context, text string) (models.Completion, error) {
	if err := ctx.Err(); err != nil {
		return models.Completion{}, err
	}

	stats := pricing.DefaultPricer().Stats(text)
	confidence := 1.0
	version := TextMetricsVersion
	return models.Completion{
		Result: models.ResultPayload{
			"chars":           float64(stats.TotalChars),
			"non_space_chars": float64(stats.NonSpaceChars),
			"words":           float64(stats.WordCount),
			"sentences":       float64(stats.SentenceCount),
			"complexity":      stats.ComplexityScore,
		},
		Confidence:   &confidence,
		ModelVersion: &version,
	}, nil
}

// EventSink receives the events a worker emits
type EventSink interface {
	PublishEvent(ctx context.Context, ev models.WorkerEvent) error
}

// Runner executes tasks: it reports RUNNING, runs the generator and reports
// COMPLETED, or CANCELED when the generator fails.
type Runner struct {
	gen    Generator
	sink   EventSink
	logger zerolog.Logger
}

// NewRunner creates a Runner. A nil generator means TextMetrics.
func NewRunner(gen Generator, sink EventSink, logger zerolog.Logger) *Runner {
	if gen == nil {
		gen = TextMetrics{}
	}
	return &Runner{
		gen:    gen,
		sink:   sink,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Process runs one task. Errors returned are sink failures or malformed
// tasks; generator failures are reported as CANCELED instead.
func (r *Runner) Process(ctx context.Context, task models.TaskMessage) error {
	if task.RequestID <= 0 || strings.TrimSpace(task.Text) == "" {
		return fmt.Errorf("%w: malformed task for request %d", models.ErrInvalidRequest, task.RequestID)
	}

	logger := r.logger.With().Int64("request_id", task.RequestID).Logger()

	if err := r.sink.PublishEvent(ctx, models.WorkerEvent{RequestID: task.RequestID, Status: models.EventRunning}); err != nil {
		return fmt.Errorf("error reporting start of request %d: %w", task.RequestID, err)
	}

	completion, err := r.gen.Generate(ctx, task.Text)
	if err == nil && completion.Result == nil {
		err = errors.New("generator returned no result")
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the task is redelivered
			return ctx.Err()
		}
		logger.Warn().Err(err).Msg("generation failed")
		if err := r.sink.PublishEvent(ctx, models.WorkerEvent{RequestID: task.RequestID, Status: models.EventCanceled}); err != nil {
			return fmt.Errorf("error reporting failure of request %d: %w", task.RequestID, err)
		}
		return nil
	}

	ev := models.WorkerEvent{
		RequestID:    task.RequestID,
		Status:       models.EventCompleted,
		Result:       completion.Result,
		Confidence:   completion.Confidence,
		ModelVersion: completion.ModelVersion,
	}
	if err := r.sink.PublishEvent(ctx, ev); err != nil {
		return fmt.Errorf("error reporting result of request %d: %w", task.RequestID, err)
	}

	logger.Info().Msg("task completed")
	return nil
}

// Handler decodes task messages for a queue.Consumer
func (r *Runner) Handler() queue.HandlerFunc {
	return func(ctx context.Context, msg kafka.Message) error {
		var task models.TaskMessage
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			return fmt.Errorf("error decoding task: %w", err)
		}
		return r.Process(ctx, task)
	}
}

var _ EventSink = (*queue.Publisher)(nil)
