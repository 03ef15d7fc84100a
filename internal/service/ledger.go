package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rongwang/titleforge/internal/metrics"
	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/repository"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// HistoryEpoch is the start of an open-ended history range. No record predates it.
var HistoryEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Ledger is the append-only money log. A user's balance is the resulting
// balance of their latest entry.
type Ledger struct {
	repo    repository.LedgerRepository
	logger  zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// NewLedger creates a Ledger over repo
func NewLedger(repo repository.LedgerRepository, logger zerolog.Logger, m *metrics.Registry) *Ledger {
	return &Ledger{
		repo:    repo,
		logger:  logger.With().Str("component", "ledger").Logger(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// BalanceOf returns the user's current balance, zero for unknown users
func (l *Ledger) BalanceOf(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, err := l.repo.LatestBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("error reading balance: %w", err)
	}
	return balance, nil
}

// Deposit credits a positive amount
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*models.LedgerEntry, error) {
	amount, err := validAmount(amount)
	if err != nil {
		return nil, err
	}

	entry, err := l.repo.AppendEntry(ctx, userID, nil, func(decimal.Decimal) (decimal.Decimal, error) {
		return amount, nil
	})
	if err != nil {
		return nil, fmt.Errorf("error appending deposit: %w", err)
	}

	l.metrics.RecordLedgerWrite("deposit")
	l.logger.Info().
		Str("user_id", userID).
		Str("amount", amount.StringFixed(2)).
		Str("balance", entry.Balance.StringFixed(2)).
		Msg("deposit recorded")

	return entry, nil
}

// Charge debits a positive amount. It fails with models.ErrInsufficientFunds,
// leaving the ledger untouched, when the balance does not cover it.
func (l *Ledger) Charge(ctx context.Context, userID string, amount decimal.Decimal) (*models.LedgerEntry, error) {
	return l.charge(ctx, userID, amount, nil)
}

// ChargeForRequest is the settlement charge of a request. At most one entry
// exists per request; repeated calls return it unchanged.
func (l *Ledger) ChargeForRequest(
	ctx context.Context,
	userID string,
	amount decimal.Decimal,
	requestID int64,
) (*models.LedgerEntry, error) {
	return l.charge(ctx, userID, amount, &requestID)
}

func (l *Ledger) charge(ctx context.Context, userID string, amount decimal.Decimal, requestID *int64) (*models.LedgerEntry, error) {
	amount, err := validAmount(amount)
	if err != nil {
		return nil, err
	}

	entry, err := l.repo.AppendEntry(ctx, userID, requestID, func(current decimal.Decimal) (decimal.Decimal, error) {
		if current.LessThan(amount) {
			return decimal.Zero, fmt.Errorf("%w: balance %s, required %s",
				models.ErrInsufficientFunds, current.StringFixed(2), amount.StringFixed(2))
		}
		return amount.Neg(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("error appending charge: %w", err)
	}

	l.metrics.RecordLedgerWrite("charge")
	l.logger.Info().
		Str("user_id", userID).
		Str("amount", entry.Amount.StringFixed(2)).
		Str("balance", entry.Balance.StringFixed(2)).
		Msg("charge recorded")

	return entry, nil
}

// SettlementFor returns the charge that settled requestID or models.ErrNotFound
func (l *Ledger) SettlementFor(ctx context.Context, requestID int64) (*models.LedgerEntry, error) {
	entry, err := l.repo.EntryForRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("error getting settlement: %w", err)
	}
	return entry, nil
}

// History lists the user's entries oldest first. Both bounds are dates and
// inclusive; nil bounds default to HistoryEpoch and today.
func (l *Ledger) History(ctx context.Context, userID string, from, to *time.Time) ([]models.LedgerEntry, error) {
	start, end := DateRange(from, to, l.now())
	if start.After(end) {
		return []models.LedgerEntry{}, nil
	}

	entries, err := l.repo.ListEntries(ctx, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("error listing ledger entries: %w", err)
	}
	return entries, nil
}

// DateRange resolves optional date bounds to [start of from, end of to] in UTC.
func DateRange(from, to *time.Time, now time.Time) (time.Time, time.Time) {
	start := HistoryEpoch
	if from != nil {
		start = startOfDay(*from)
	}

	end := now
	if to != nil {
		end = *to
	}
	return start, startOfDay(end).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func validAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: got %s", models.ErrInvalidAmount, amount.String())
	}
	return amount, nil
}
