package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
)

// SetupDatabase initializes the database connection
func SetupDatabase(cfg *Config, logger zerolog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Create tables if they don't exist
	if err := CreateTables(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// CreateTables creates the ledger and request log tables
func CreateTables(ctx context.Context, db *sqlx.DB, logger zerolog.Logger) error {
	// Append-only ledger; request_id marks the single settling charge of a request
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			amount NUMERIC(14, 2) NOT NULL,
			balance NUMERIC(14, 2) NOT NULL,
			request_id BIGINT UNIQUE
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS request_log (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			submitted_text TEXT NOT NULL,
			price NUMERIC(14, 2) NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			submitted_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			ledger_entry_id BIGINT REFERENCES ledger_entries(id),
			result JSONB,
			confidence DOUBLE PRECISION,
			model_version VARCHAR(64),
			error TEXT
		)
	`)
	if err != nil {
		return err
	}

	// Create indexes for better performance
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id ON ledger_entries(user_id, id)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_ts ON ledger_entries(user_id, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_request_log_user_submitted ON request_log(user_id, submitted_at)",
	}

	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			// Indexes are not critical
			logger.Warn().Err(err).Str("statement", idx).Msg("failed to create index")
		}
	}

	return nil
}
