package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/pricing"
	"github.com/rongwang/titleforge/internal/repository"
	"github.com/shopspring/decimal"
)

// CancelMessage is recorded on every canceled request.
const CancelMessage = "title generation failed"

// DefaultStatsDays is the stats window when none is given.
const DefaultStatsDays = 30

// RequestLog tracks each submitted request through
// WAITING -> RUNNING -> COMPLETED|CANCELED (WAITING -> CANCELED is also allowed).
type RequestLog struct {
	repo repository.RequestLogRepository
	now  func() time.Time
}

// NewRequestLog creates a RequestLog over repo
func NewRequestLog(repo repository.RequestLogRepository) *RequestLog {
	return &RequestLog{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// AddNew records a WAITING entry with the request's price snapshot
func (r *RequestLog) AddNew(ctx context.Context, userID string, priced *pricing.PricedRequest) (*models.RequestLogEntry, error) {
	entry := &models.RequestLogEntry{
		UserID:        userID,
		SubmittedText: priced.NormalizedText,
		Price:         priced.Price,
		Status:        models.StatusWaiting,
		SubmittedAt:   r.now(),
	}

	if err := r.repo.CreateRequest(ctx, entry); err != nil {
		return nil, fmt.Errorf("error creating request log entry: %w", err)
	}
	return entry, nil
}

// MarkRunning moves a WAITING entry to RUNNING
func (r *RequestLog) MarkRunning(ctx context.Context, id int64) (*models.RequestLogEntry, error) {
	return r.transition(ctx, id, func(e *models.RequestLogEntry) error {
		if e.Status != models.StatusWaiting {
			return transitionError(e, models.StatusRunning)
		}
		now := r.now()
		e.Status = models.StatusRunning
		e.StartedAt = &now
		return nil
	})
}

// MarkCompleted moves a RUNNING entry to COMPLETED, linking the settling ledger entry
func (r *RequestLog) MarkCompleted(
	ctx context.Context,
	id int64,
	settlement *models.LedgerEntry,
	completion models.Completion,
) (*models.RequestLogEntry, error) {
	if settlement == nil {
		return nil, fmt.Errorf("%w: request %d", models.ErrMissingSettlement, id)
	}

	return r.transition(ctx, id, func(e *models.RequestLogEntry) error {
		if e.Status != models.StatusRunning {
			return transitionError(e, models.StatusCompleted)
		}
		r.complete(e, settlement, completion)
		return nil
	})
}

// ChargeFunc takes payment for a request. It must return the existing charge
// when the request was already settled.
type ChargeFunc func(e *models.RequestLogEntry) (*models.LedgerEntry, error)

// Settle charges a RUNNING entry and completes it in one locked step. When the
// charge fails with models.ErrInsufficientFunds the entry is canceled instead
// and no error is returned; callers tell the outcomes apart by status.
func (r *RequestLog) Settle(
	ctx context.Context,
	id int64,
	charge ChargeFunc,
	completion models.Completion,
) (*models.RequestLogEntry, error) {
	return r.transition(ctx, id, func(e *models.RequestLogEntry) error {
		if e.Status != models.StatusRunning {
			return transitionError(e, models.StatusCompleted)
		}

		settlement, err := charge(e)
		if errors.Is(err, models.ErrInsufficientFunds) {
			r.cancel(e)
			return nil
		}
		if err != nil {
			return err
		}
		if settlement == nil {
			return fmt.Errorf("%w: request %d", models.ErrMissingSettlement, e.ID)
		}

		r.complete(e, settlement, completion)
		return nil
	})
}

func (r *RequestLog) complete(e *models.RequestLogEntry, settlement *models.LedgerEntry, completion models.Completion) {
	now := r.now()
	ledgerID := settlement.ID
	e.Status = models.StatusCompleted
	e.CompletedAt = &now
	e.LedgerEntryID = &ledgerID
	e.Result = completion.Result
	e.Confidence = completion.Confidence
	e.ModelVersion = completion.ModelVersion
}

func (r *RequestLog) cancel(e *models.RequestLogEntry) {
	now := r.now()
	msg := CancelMessage
	e.Status = models.StatusCanceled
	e.CompletedAt = &now
	e.Error = &msg
}

// MarkCanceled moves a WAITING or RUNNING entry to CANCELED
func (r *RequestLog) MarkCanceled(ctx context.Context, id int64) (*models.RequestLogEntry, error) {
	return r.transition(ctx, id, func(e *models.RequestLogEntry) error {
		if e.Status.Terminal() {
			return transitionError(e, models.StatusCanceled)
		}
		r.cancel(e)
		return nil
	})
}

func (r *RequestLog) transition(ctx context.Context, id int64, fn repository.UpdateFunc) (*models.RequestLogEntry, error) {
	entry, err := r.repo.UpdateRequest(ctx, id, fn)
	if err != nil {
		return nil, fmt.Errorf("error updating request %d: %w", id, err)
	}
	return entry, nil
}

func transitionError(e *models.RequestLogEntry, to models.RequestStatus) error {
	return fmt.Errorf("%w: request %d from %s to %s", models.ErrInvalidTransition, e.ID, e.Status, to)
}

// GetByID returns the entry or models.ErrNotFound
func (r *RequestLog) GetByID(ctx context.Context, id int64) (*models.RequestLogEntry, error) {
	entry, err := r.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error getting request %d: %w", id, err)
	}
	return entry, nil
}

// ForUser lists the user's entries newest first within the inclusive date range
func (r *RequestLog) ForUser(ctx context.Context, userID string, from, to *time.Time) ([]models.RequestLogEntry, error) {
	start, end := DateRange(from, to, r.now())
	if start.After(end) {
		return []models.RequestLogEntry{}, nil
	}

	entries, err := r.repo.ListRequests(ctx, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("error listing requests: %w", err)
	}
	return entries, nil
}

// Stats summarises the user's requests submitted in the last days days
func (r *RequestLog) Stats(ctx context.Context, userID string, days int) (*models.RequestStats, error) {
	if days <= 0 {
		days = DefaultStatsDays
	}

	now := r.now()
	entries, err := r.repo.ListRequests(ctx, userID, now.AddDate(0, 0, -days), now)
	if err != nil {
		return nil, fmt.Errorf("error listing requests: %w", err)
	}

	stats := &models.RequestStats{
		TotalRequests: len(entries),
		TotalCost:     decimal.Zero,
	}

	var confidenceSum float64
	for _, e := range entries {
		switch e.Status {
		case models.StatusCompleted:
			stats.Completed++
			stats.TotalCost = stats.TotalCost.Add(e.Price)
			if e.Confidence != nil {
				confidenceSum += *e.Confidence
			}
		case models.StatusCanceled:
			stats.Canceled++
		}
	}

	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.TotalRequests) * 100
	}
	// Completed entries without a confidence count as zero
	if stats.Completed > 0 {
		stats.AvgConfidence = confidenceSum / float64(stats.Completed)
	}

	return stats, nil
}
