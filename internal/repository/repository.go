package repository

import (
	"context"
	"time"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/shopspring/decimal"
)

// AmountFunc receives the user's current balance inside the append
// transaction and returns the signed amount to append, or an error to abort.
type AmountFunc func(current decimal.Decimal) (decimal.Decimal, error)

// UpdateFunc mutates a request log entry inside the update transaction.
// Returning an error aborts the update.
type UpdateFunc func(entry *models.RequestLogEntry) error

// LedgerRepository stores the append-only ledger.
type LedgerRepository interface {
	// LatestBalance returns the resulting balance of the user's latest entry,
	// or zero when the user has none.
	LatestBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// AppendEntry reads the current balance and appends a new entry as one
	// unit, serialized per user. When requestID is set and an entry for that
	// request already exists, the existing entry is returned and fn is not called.
	AppendEntry(ctx context.Context, userID string, requestID *int64, fn AmountFunc) (*models.LedgerEntry, error)

	// EntryForRequest returns the settling entry of a request or models.ErrNotFound.
	EntryForRequest(ctx context.Context, requestID int64) (*models.LedgerEntry, error)

	// ListEntries returns entries with from <= timestamp <= to, oldest first.
	ListEntries(ctx context.Context, userID string, from, to time.Time) ([]models.LedgerEntry, error)
}

// RequestLogRepository stores request lifecycle records.
type RequestLogRepository interface {
	CreateRequest(ctx context.Context, entry *models.RequestLogEntry) error
	GetRequest(ctx context.Context, id int64) (*models.RequestLogEntry, error)

	// UpdateRequest loads the entry under a row lock, applies fn and persists
	// the result. Returns models.ErrNotFound for unknown ids. The lock is held
	// while fn runs, so fn may write to the ledger but must not update the
	// same request.
	UpdateRequest(ctx context.Context, id int64, fn UpdateFunc) (*models.RequestLogEntry, error)

	// ListRequests returns entries with from <= submitted_at <= to, newest first.
	ListRequests(ctx context.Context, userID string, from, to time.Time) ([]models.RequestLogEntry, error)
}

// Repository interface defines the methods that any repository implementation must satisfy
type Repository interface {
	LedgerRepository
	RequestLogRepository
}
