package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addAmount(amount string) repository.AmountFunc {
	return func(decimal.Decimal) (decimal.Decimal, error) {
		return decimal.RequireFromString(amount), nil
	}
}

func TestMemoryRepository_ConcurrentAppendsKeepChain(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.AppendEntry(ctx, "alice", nil, addAmount("1.00"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := repo.LatestBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(balance), "got %s", balance)

	entries, err := repo.ListEntries(ctx, "alice", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 50)

	prev := decimal.Zero
	for _, e := range entries {
		assert.True(t, prev.Add(e.Amount).Equal(e.Balance))
		prev = e.Balance
	}
}

func TestMemoryRepository_SettlementIsIdempotent(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	requestID := int64(4)

	_, err := repo.AppendEntry(ctx, "bob", nil, addAmount("20.00"))
	require.NoError(t, err)

	first, err := repo.AppendEntry(ctx, "bob", &requestID, addAmount("-5.50"))
	require.NoError(t, err)
	second, err := repo.AppendEntry(ctx, "bob", &requestID, addAmount("-5.50"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	balance, err := repo.LatestBalance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("14.50").Equal(balance))

	found, err := repo.EntryForRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = repo.EntryForRequest(ctx, 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryRepository_UpdateRequestIsolatesCopies(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	entry := &models.RequestLogEntry{UserID: "carol", SubmittedText: "text", Status: models.StatusWaiting}
	require.NoError(t, repo.CreateRequest(ctx, entry))
	require.NotZero(t, entry.ID)

	_, err := repo.UpdateRequest(ctx, entry.ID, func(e *models.RequestLogEntry) error {
		e.Status = models.StatusRunning
		return models.ErrInvalidTransition
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	stored, err := repo.GetRequest(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, stored.Status, "rejected mutation must not be persisted")

	_, err = repo.UpdateRequest(ctx, 12345, func(*models.RequestLogEntry) error { return nil })
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryRepository_UpdateRequestSerializesPerRequest(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	entry := &models.RequestLogEntry{UserID: "dan", SubmittedText: "text", Status: models.StatusRunning}
	require.NoError(t, repo.CreateRequest(ctx, entry))
	_, err := repo.AppendEntry(ctx, "dan", nil, addAmount("5.00"))
	require.NoError(t, err)

	// Test case 1: updates of one request run one at a time and may append
	// to the ledger while holding the request
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateRequest(ctx, entry.ID, func(e *models.RequestLogEntry) error {
				if e.Status != models.StatusRunning {
					return models.ErrInvalidTransition
				}
				settlement, err := repo.AppendEntry(ctx, "dan", &e.ID, func(current decimal.Decimal) (decimal.Decimal, error) {
					if current.LessThan(decimal.RequireFromString("5.00")) {
						return decimal.Zero, models.ErrInsufficientFunds
					}
					return decimal.RequireFromString("-5.00"), nil
				})
				if err != nil {
					return err
				}
				e.Status = models.StatusCompleted
				e.LedgerEntryID = &settlement.ID
				return nil
			})
			if err != nil {
				assert.ErrorIs(t, err, models.ErrInvalidTransition)
			}
		}()
	}
	wg.Wait()

	stored, err := repo.GetRequest(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)

	balance, err := repo.LatestBalance(ctx, "dan")
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "got %s", balance)

	// Test case 2: other requests are not blocked by a running update
	other := &models.RequestLogEntry{UserID: "dan", SubmittedText: "text", Status: models.StatusWaiting}
	require.NoError(t, repo.CreateRequest(ctx, other))

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = repo.UpdateRequest(ctx, entry.ID, func(*models.RequestLogEntry) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	_, err = repo.UpdateRequest(ctx, other.ID, func(e *models.RequestLogEntry) error {
		e.Status = models.StatusRunning
		return nil
	})
	assert.NoError(t, err)
	_, err = repo.GetRequest(ctx, entry.ID)
	assert.NoError(t, err)

	close(release)
	<-done
}

func TestMemoryRepository_ListRequestsNewestFirst(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		entry := &models.RequestLogEntry{
			UserID:      "dave",
			SubmittedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, repo.CreateRequest(ctx, entry))
	}
	require.NoError(t, repo.CreateRequest(ctx, &models.RequestLogEntry{UserID: "erin", SubmittedAt: base}))

	entries, err := repo.ListRequests(ctx, "dave", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].SubmittedAt.After(entries[1].SubmittedAt))
}
