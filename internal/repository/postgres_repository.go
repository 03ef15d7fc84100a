package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rongwang/titleforge/internal/models"
	"github.com/shopspring/decimal"
)

const (
	ledgerColumns  = `id, user_id, timestamp, amount, balance, request_id`
	requestColumns = `id, user_id, submitted_text, price, status, submitted_at, started_at,
		completed_at, ledger_entry_id, result, confidence, model_version, error`

	uniqueViolation = "23505"
)

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository. Every call is
// bounded by timeout.
func NewPostgresRepository(db *sqlx.DB, timeout time.Duration) *PostgresRepository {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PostgresRepository{
		db:      db,
		timeout: timeout,
	}
}

// GetDB returns the underlying database connection
func (r *PostgresRepository) GetDB() *sqlx.DB {
	return r.db
}

// Ledger repository methods
func (r *PostgresRepository) LatestBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return latestBalance(ctx, r.db, userID)
}

func (r *PostgresRepository) AppendEntry(
	ctx context.Context,
	userID string,
	requestID *int64,
	fn AmountFunc,
) (*models.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Serialize all appends for this user until the transaction ends
	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return nil, err
	}

	if requestID != nil {
		var existing models.LedgerEntry
		err = tx.GetContext(ctx, &existing,
			`SELECT `+ledgerColumns+` FROM ledger_entries WHERE request_id = $1`, *requestID)
		if err == nil {
			err = tx.Commit()
			return &existing, err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		err = nil
	}

	current, err := latestBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	amount, err := fn(current)
	if err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Amount:    amount,
		Balance:   current.Add(amount),
		RequestID: requestID,
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO ledger_entries (user_id, timestamp, amount, balance, request_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		entry.UserID, entry.Timestamp, entry.Amount, entry.Balance, entry.RequestID).Scan(&entry.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("duplicate settlement for request: %w", err)
		}
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) EntryForRequest(ctx context.Context, requestID int64) (*models.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entry models.LedgerEntry
	err := r.db.GetContext(ctx, &entry,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE request_id = $1`, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	return &entry, nil
}

func (r *PostgresRepository) ListEntries(
	ctx context.Context,
	userID string,
	from time.Time,
	to time.Time,
) ([]models.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + ledgerColumns + ` FROM ledger_entries
		WHERE user_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY id ASC
	`

	entries := []models.LedgerEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, userID, from, to); err != nil {
		return nil, err
	}

	return entries, nil
}

// Request log repository methods
func (r *PostgresRepository) CreateRequest(ctx context.Context, entry *models.RequestLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO request_log (user_id, submitted_text, price, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = time.Now().UTC()
	}

	return r.db.QueryRowxContext(ctx, query,
		entry.UserID, entry.SubmittedText, entry.Price, entry.Status, entry.SubmittedAt).Scan(&entry.ID)
}

func (r *PostgresRepository) GetRequest(ctx context.Context, id int64) (*models.RequestLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entry models.RequestLogEntry
	err := r.db.GetContext(ctx, &entry, `SELECT `+requestColumns+` FROM request_log WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	return &entry, nil
}

func (r *PostgresRepository) UpdateRequest(ctx context.Context, id int64, fn UpdateFunc) (*models.RequestLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var entry models.RequestLogEntry
	err = tx.GetContext(ctx, &entry, `SELECT `+requestColumns+` FROM request_log WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = models.ErrNotFound
		}
		return nil, err
	}

	if err = fn(&entry); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE request_log
		SET status = $2, started_at = $3, completed_at = $4, ledger_entry_id = $5,
			result = $6, confidence = $7, model_version = $8, error = $9
		WHERE id = $1`,
		entry.ID, entry.Status, entry.StartedAt, entry.CompletedAt, entry.LedgerEntryID,
		entry.Result, entry.Confidence, entry.ModelVersion, entry.Error)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *PostgresRepository) ListRequests(
	ctx context.Context,
	userID string,
	from time.Time,
	to time.Time,
) ([]models.RequestLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + requestColumns + ` FROM request_log
		WHERE user_id = $1 AND submitted_at >= $2 AND submitted_at <= $3
		ORDER BY submitted_at DESC, id DESC
	`

	entries := []models.RequestLogEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, userID, from, to); err != nil {
		return nil, err
	}

	return entries, nil
}

func latestBalance(ctx context.Context, q sqlx.QueryerContext, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := sqlx.GetContext(ctx, q, &balance,
		`SELECT balance FROM ledger_entries WHERE user_id = $1 ORDER BY id DESC LIMIT 1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return balance, nil
}

var _ Repository = (*PostgresRepository)(nil)
