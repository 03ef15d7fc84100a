package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/pricing"
	"github.com/rongwang/titleforge/internal/repository"
	"github.com/rongwang/titleforge/internal/service"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// recordingQueue captures published tasks and can be told to fail.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []models.TaskMessage
	err   error
}

func (q *recordingQueue) Enqueue(ctx context.Context, task models.TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) Tasks() []models.TaskMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.TaskMessage(nil), q.tasks...)
}

type harness struct {
	repo       *repository.MemoryRepository
	ledger     *service.Ledger
	requests   *service.RequestLog
	queue      *recordingQueue
	dispatcher *service.Dispatcher
}

func newHarness(t *testing.T, opts ...service.DispatcherOption) *harness {
	t.Helper()

	repo := repository.NewMemoryRepository()
	h := &harness{
		repo:     repo,
		ledger:   service.NewLedger(repo, zerolog.Nop(), nil),
		requests: service.NewRequestLog(repo),
		queue:    &recordingQueue{},
	}
	h.dispatcher = service.NewDispatcher(h.ledger, h.requests, h.queue, opts...)
	return h
}

// fixedQuote prices every valid text at price.
func fixedQuote(price string) service.DispatcherOption {
	return service.WithQuoteFunc(func(raw string) (*pricing.PricedRequest, error) {
		pr, err := pricing.New(raw)
		if err != nil {
			return nil, err
		}
		pr.Price = decimal.RequireFromString(price)
		return pr, nil
	})
}

func (h *harness) deposit(t *testing.T, user, amount string) {
	t.Helper()
	_, err := h.ledger.Deposit(context.Background(), user, decimal.RequireFromString(amount))
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (h *harness) event(t *testing.T, id int64, status models.EventStatus) error {
	t.Helper()
	ev := models.WorkerEvent{RequestID: id, Status: status}
	if status == models.EventCompleted {
		ev.Result = models.ResultPayload{"chars": 21}
	}
	return h.dispatcher.OnWorkerEvent(context.Background(), ev)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
