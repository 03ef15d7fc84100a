package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rongwang/titleforge/internal/metrics"
	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/pricing"
	"github.com/rs/zerolog"
)

// TaskQueue hands accepted requests to the workers.
type TaskQueue interface {
	Enqueue(ctx context.Context, task models.TaskMessage) error
}

// QuoteFunc validates and prices raw request text.
type QuoteFunc func(raw string) (*pricing.PricedRequest, error)

// Dispatcher accepts submissions and applies worker events. Payment is taken
// only when a request completes, after re-checking the balance.
type Dispatcher struct {
	ledger  *Ledger
	log     *RequestLog
	queue   TaskQueue
	quote   QuoteFunc
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// DispatcherOption customises a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithQuoteFunc replaces the default pricer
func WithQuoteFunc(q QuoteFunc) DispatcherOption {
	return func(d *Dispatcher) { d.quote = q }
}

// WithLogger sets the dispatcher logger
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the metrics registry
func WithMetrics(m *metrics.Registry) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(ledger *Ledger, log *RequestLog, queue TaskQueue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		ledger: ledger,
		log:    log,
		queue:  queue,
		quote:  pricing.New,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "dispatcher").Logger()
	return d
}

// Submit prices the text, checks the balance and queues the request. The
// balance check here is advisory; settlement re-checks it.
func (d *Dispatcher) Submit(ctx context.Context, userID, rawText string) (*models.RequestLogEntry, error) {
	priced, err := d.quote(rawText)
	if err != nil {
		d.metrics.RecordSubmission("invalid")
		return nil, err
	}

	balance, err := d.ledger.BalanceOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(priced.Price) {
		d.metrics.RecordSubmission("insufficient_funds")
		return nil, fmt.Errorf("%w: balance %s, price %s",
			models.ErrInsufficientFunds, balance.StringFixed(2), priced.Price.StringFixed(2))
	}

	entry, err := d.log.AddNew(ctx, userID, priced)
	if err != nil {
		return nil, err
	}

	task := models.TaskMessage{RequestID: entry.ID, Text: entry.SubmittedText}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		d.metrics.RecordSubmission("publish_failed")
		// No WAITING entry may be left without a queued task
		if _, cerr := d.log.MarkCanceled(context.WithoutCancel(ctx), entry.ID); cerr != nil {
			d.logger.Error().Err(cerr).Int64("request_id", entry.ID).Msg("failed to cancel unqueued request")
		}
		return nil, fmt.Errorf("error enqueuing request %d: %w", entry.ID, err)
	}

	d.metrics.RecordSubmission("accepted")
	d.logger.Info().
		Str("user_id", userID).
		Int64("request_id", entry.ID).
		Str("price", entry.Price.StringFixed(2)).
		Msg("request queued")

	return entry, nil
}

// OnWorkerEvent applies one worker event. Events for terminal entries and
// repeated RUNNING events are no-ops, so redelivery is harmless.
func (d *Dispatcher) OnWorkerEvent(ctx context.Context, ev models.WorkerEvent) error {
	if ev.RequestID <= 0 {
		return fmt.Errorf("%w: request id %d", models.ErrInvalidEvent, ev.RequestID)
	}
	switch ev.Status {
	case models.EventRunning, models.EventCompleted, models.EventCanceled:
	default:
		d.metrics.RecordWorkerEvent("unknown", "invalid")
		return fmt.Errorf("%w: status %d", models.ErrInvalidEvent, int(ev.Status))
	}

	entry, err := d.log.GetByID(ctx, ev.RequestID)
	if err != nil {
		d.metrics.RecordWorkerEvent(ev.Status.String(), "error")
		return err
	}

	logger := d.logger.With().
		Int64("request_id", entry.ID).
		Str("user_id", entry.UserID).
		Stringer("event", ev.Status).
		Stringer("state", entry.Status).
		Logger()

	if entry.Status.Terminal() {
		logger.Debug().Msg("event for finished request ignored")
		d.metrics.RecordWorkerEvent(ev.Status.String(), "noop")
		return nil
	}

	var outcome string
	switch ev.Status {
	case models.EventRunning:
		outcome, err = d.onRunning(ctx, entry)
	case models.EventCompleted:
		outcome, err = d.onCompleted(ctx, entry, ev, logger)
	case models.EventCanceled:
		outcome, err = d.cancel(ctx, entry.ID, "canceled")
	}

	if err != nil {
		d.metrics.RecordWorkerEvent(ev.Status.String(), "error")
		logger.Error().Err(err).Msg("worker event failed")
		return err
	}

	d.metrics.RecordWorkerEvent(ev.Status.String(), outcome)
	logger.Info().Str("outcome", outcome).Msg("worker event applied")
	return nil
}

func (d *Dispatcher) onRunning(ctx context.Context, entry *models.RequestLogEntry) (string, error) {
	if entry.Status == models.StatusRunning {
		return "noop", nil
	}
	_, err := d.log.MarkRunning(ctx, entry.ID)
	return d.absorbFinished(ctx, entry.ID, "running", err)
}

func (d *Dispatcher) onCompleted(
	ctx context.Context,
	entry *models.RequestLogEntry,
	ev models.WorkerEvent,
	logger zerolog.Logger,
) (string, error) {
	if ev.Result == nil {
		return "", fmt.Errorf("%w: request %d", models.ErrMissingResult, entry.ID)
	}
	if entry.Status != models.StatusRunning {
		return "", fmt.Errorf("%w: request %d from %s to %s",
			models.ErrInvalidTransition, entry.ID, entry.Status, models.StatusCompleted)
	}

	// The charge runs while the request is locked, so a redelivery either
	// reuses this settlement or finds the request already finished.
	settled, err := d.log.Settle(ctx, entry.ID, func(e *models.RequestLogEntry) (*models.LedgerEntry, error) {
		return d.ledger.ChargeForRequest(ctx, e.UserID, e.Price, e.ID)
	}, models.Completion{
		Result:       ev.Result,
		Confidence:   ev.Confidence,
		ModelVersion: ev.ModelVersion,
	})
	if err != nil {
		return d.absorbFinished(ctx, entry.ID, "settled", err)
	}

	if settled.Status == models.StatusCanceled {
		logger.Warn().Str("price", settled.Price.StringFixed(2)).Msg("balance no longer covers price")
		return "insufficient_funds", nil
	}
	return "settled", nil
}

func (d *Dispatcher) cancel(ctx context.Context, id int64, outcome string) (string, error) {
	_, err := d.log.MarkCanceled(ctx, id)
	return d.absorbFinished(ctx, id, outcome, err)
}

// absorbFinished turns a transition rejected because a concurrent delivery
// already finished the request into a no-op.
func (d *Dispatcher) absorbFinished(ctx context.Context, id int64, outcome string, err error) (string, error) {
	if err == nil {
		return outcome, nil
	}
	if !errors.Is(err, models.ErrInvalidTransition) {
		return "", err
	}

	current, gerr := d.log.GetByID(ctx, id)
	if gerr != nil {
		return "", err
	}
	if current.Status.Terminal() || (current.Status == models.StatusRunning && outcome == "running") {
		return "noop", nil
	}
	return "", err
}
