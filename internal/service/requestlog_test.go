package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/pricing"
	"github.com/rongwang/titleforge/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(t *testing.T, h *harness, user string) *models.RequestLogEntry {
	t.Helper()
	priced, err := pricing.New("Some text for testing")
	require.NoError(t, err)
	entry, err := h.requests.AddNew(context.Background(), user, priced)
	require.NoError(t, err)
	return entry
}

func TestRequestLog_AddNewSnapshotsPrice(t *testing.T) {
	h := newHarness(t)

	entry := newEntry(t, h, "alice")

	assert.Equal(t, models.StatusWaiting, entry.Status)
	assert.Equal(t, "Some text for testing", entry.SubmittedText)
	assert.True(t, dec("9.90").Equal(entry.Price))
	assert.Nil(t, entry.LedgerEntryID)
	assert.False(t, entry.SubmittedAt.IsZero())
}

func TestRequestLog_MarkRunningOnlyFromWaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := newEntry(t, h, "alice")

	running, err := h.requests.MarkRunning(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, running.Status)
	assert.NotNil(t, running.StartedAt)

	_, err = h.requests.MarkRunning(ctx, entry.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	canceled := newEntry(t, h, "alice")
	_, err = h.requests.MarkCanceled(ctx, canceled.ID)
	require.NoError(t, err)
	_, err = h.requests.MarkRunning(ctx, canceled.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = h.requests.MarkRunning(ctx, 424242)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRequestLog_MarkCompletedRequiresSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := newEntry(t, h, "bob")
	_, err := h.requests.MarkRunning(ctx, entry.ID)
	require.NoError(t, err)

	_, err = h.requests.MarkCompleted(ctx, entry.ID, nil, models.Completion{Result: models.ResultPayload{"x": 1}})
	assert.ErrorIs(t, err, models.ErrMissingSettlement)

	stored, err := h.requests.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status)

	confidence := 0.87
	version := "metrics-v1"
	completed, err := h.requests.MarkCompleted(ctx, entry.ID, &models.LedgerEntry{ID: 31}, models.Completion{
		Result:       models.ResultPayload{"x": 1},
		Confidence:   &confidence,
		ModelVersion: &version,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	require.NotNil(t, completed.LedgerEntryID)
	assert.Equal(t, int64(31), *completed.LedgerEntryID)
	assert.NotNil(t, completed.CompletedAt)
	assert.Equal(t, models.ResultPayload{"x": 1}, completed.Result)
	assert.Equal(t, &version, completed.ModelVersion)
}

func TestRequestLog_MarkCompletedFromWaitingIsRejected(t *testing.T) {
	h := newHarness(t)
	entry := newEntry(t, h, "bob")

	_, err := h.requests.MarkCompleted(context.Background(), entry.ID, &models.LedgerEntry{ID: 1}, models.Completion{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRequestLog_MarkCanceled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	waiting := newEntry(t, h, "carol")
	canceled, err := h.requests.MarkCanceled(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, canceled.Status)
	require.NotNil(t, canceled.Error)
	assert.Equal(t, service.CancelMessage, *canceled.Error)
	assert.NotNil(t, canceled.CompletedAt)
	assert.Nil(t, canceled.LedgerEntryID)

	running := newEntry(t, h, "carol")
	_, err = h.requests.MarkRunning(ctx, running.ID)
	require.NoError(t, err)
	_, err = h.requests.MarkCanceled(ctx, running.ID)
	require.NoError(t, err)

	_, err = h.requests.MarkCanceled(ctx, running.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRequestLog_ForUserNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		newEntry(t, h, "dave")
	}
	newEntry(t, h, "erin")

	all, err := h.requests.ForUser(ctx, "dave", nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i-1].SubmittedAt.Before(all[i].SubmittedAt))
	}

	missing, err := h.requests.GetByID(ctx, 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Nil(t, missing)
}

func TestRequestLog_Stats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := newEntry(t, h, "frank")
	_, err := h.requests.MarkRunning(ctx, done.ID)
	require.NoError(t, err)
	confidence := 0.8
	_, err = h.requests.MarkCompleted(ctx, done.ID, &models.LedgerEntry{ID: 1}, models.Completion{
		Result:     models.ResultPayload{"x": 1},
		Confidence: &confidence,
	})
	require.NoError(t, err)

	failed := newEntry(t, h, "frank")
	_, err = h.requests.MarkCanceled(ctx, failed.ID)
	require.NoError(t, err)

	newEntry(t, h, "frank")
	newEntry(t, h, "frank")

	stats, err := h.requests.Stats(ctx, "frank", 0)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.TotalRequests)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Canceled)
	assert.InDelta(t, 25.0, stats.SuccessRate, 1e-9)
	assert.True(t, dec("9.90").Equal(stats.TotalCost))
	assert.InDelta(t, 0.8, stats.AvgConfidence, 1e-9)

	// Completions without a confidence pull the average down
	unscored := newEntry(t, h, "frank")
	_, err = h.requests.MarkRunning(ctx, unscored.ID)
	require.NoError(t, err)
	_, err = h.requests.MarkCompleted(ctx, unscored.ID, &models.LedgerEntry{ID: 2}, models.Completion{
		Result: models.ResultPayload{"x": 2},
	})
	require.NoError(t, err)

	stats, err = h.requests.Stats(ctx, "frank", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)
	assert.InDelta(t, 0.4, stats.AvgConfidence, 1e-9)

	empty, err := h.requests.Stats(ctx, "nobody", 7)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRequests)
	assert.Zero(t, empty.SuccessRate)
}

func TestRequestLog_Settle(t *testing.T) {
	ctx := context.Background()
	completion := models.Completion{Result: models.ResultPayload{"x": 1}}

	running := func(t *testing.T, h *harness) *models.RequestLogEntry {
		t.Helper()
		entry := newEntry(t, h, "gail")
		_, err := h.requests.MarkRunning(ctx, entry.ID)
		require.NoError(t, err)
		return entry
	}

	t.Run("charge completes the entry", func(t *testing.T) {
		h := newHarness(t)
		entry := running(t, h)

		settled, err := h.requests.Settle(ctx, entry.ID, func(e *models.RequestLogEntry) (*models.LedgerEntry, error) {
			assert.True(t, dec("9.90").Equal(e.Price))
			return &models.LedgerEntry{ID: 7}, nil
		}, completion)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, settled.Status)
		require.NotNil(t, settled.LedgerEntryID)
		assert.Equal(t, int64(7), *settled.LedgerEntryID)
		assert.Equal(t, completion.Result, settled.Result)
	})

	t.Run("insufficient funds cancels", func(t *testing.T) {
		h := newHarness(t)
		entry := running(t, h)

		settled, err := h.requests.Settle(ctx, entry.ID, func(*models.RequestLogEntry) (*models.LedgerEntry, error) {
			return nil, models.ErrInsufficientFunds
		}, completion)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCanceled, settled.Status)
		assert.Nil(t, settled.LedgerEntryID)
		require.NotNil(t, settled.Error)
		assert.Equal(t, service.CancelMessage, *settled.Error)
	})

	t.Run("charge failure leaves the entry running", func(t *testing.T) {
		h := newHarness(t)
		entry := running(t, h)
		boom := errors.New("ledger unavailable")

		_, err := h.requests.Settle(ctx, entry.ID, func(*models.RequestLogEntry) (*models.LedgerEntry, error) {
			return nil, boom
		}, completion)
		assert.ErrorIs(t, err, boom)

		stored, err := h.requests.GetByID(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, stored.Status)
	})

	t.Run("finished entry is not charged", func(t *testing.T) {
		h := newHarness(t)
		entry := running(t, h)
		_, err := h.requests.MarkCanceled(ctx, entry.ID)
		require.NoError(t, err)

		_, err = h.requests.Settle(ctx, entry.ID, func(*models.RequestLogEntry) (*models.LedgerEntry, error) {
			t.Error("charge called for a canceled request")
			return nil, nil
		}, completion)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("charge may write to the ledger", func(t *testing.T) {
		h := newHarness(t)
		h.deposit(t, "gail", "10")
		entry := running(t, h)

		settled, err := h.requests.Settle(ctx, entry.ID, func(e *models.RequestLogEntry) (*models.LedgerEntry, error) {
			return h.ledger.ChargeForRequest(ctx, e.UserID, e.Price, e.ID)
		}, completion)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, settled.Status)
		assert.True(t, dec("0.10").Equal(h.balance(t, "gail")))
	})
}
