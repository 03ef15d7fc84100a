package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/repository"
	"github.com/rongwang/titleforge/internal/service"
	"github.com/rongwang/titleforge/internal/worker"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleText = "Rain fell on the quiet harbour. Boats rocked gently."

type recordingSink struct {
	mu     sync.Mutex
	events []models.WorkerEvent
	err    error
}

func (s *recordingSink) PublishEvent(ctx context.Context, ev models.WorkerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func statuses(events []models.WorkerEvent) []models.EventStatus {
	out := make([]models.EventStatus, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

func TestRunner_ReportsRunningThenCompleted(t *testing.T) {
	sink := &recordingSink{}
	r := worker.NewRunner(nil, sink, zerolog.Nop())

	require.NoError(t, r.Process(context.Background(), models.TaskMessage{RequestID: 3, Text: sampleText}))

	require.Equal(t, []models.EventStatus{models.EventRunning, models.EventCompleted}, statuses(sink.events))
	done := sink.events[1]
	assert.Equal(t, int64(3), done.RequestID)
	assert.Equal(t, float64(9), done.Result["words"])
	assert.Equal(t, float64(2), done.Result["sentences"])
	require.NotNil(t, done.ModelVersion)
	assert.Equal(t, worker.TextMetricsVersion, *done.ModelVersion)
	assert.NoError(t, done.Validate())
}

func TestRunner_GeneratorFailureCancels(t *testing.T) {
	sink := &recordingSink{}
	gen := worker.GeneratorFunc(func(context.Context, string) (models.Completion, error) {
		return models.Completion{}, errors.New("model unavailable")
	})
	r := worker.NewRunner(gen, sink, zerolog.Nop())

	require.NoError(t, r.Process(context.Background(), models.TaskMessage{RequestID: 4, Text: sampleText}))
	assert.Equal(t, []models.EventStatus{models.EventRunning, models.EventCanceled}, statuses(sink.events))
}

func TestRunner_EmptyResultCancels(t *testing.T) {
	sink := &recordingSink{}
	gen := worker.GeneratorFunc(func(context.Context, string) (models.Completion, error) {
		return models.Completion{}, nil
	})
	r := worker.NewRunner(gen, sink, zerolog.Nop())

	require.NoError(t, r.Process(context.Background(), models.TaskMessage{RequestID: 4, Text: sampleText}))
	assert.Equal(t, []models.EventStatus{models.EventRunning, models.EventCanceled}, statuses(sink.events))
}

func TestRunner_SinkFailureIsReturned(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	r := worker.NewRunner(nil, sink, zerolog.Nop())

	err := r.Process(context.Background(), models.TaskMessage{RequestID: 5, Text: sampleText})
	assert.Error(t, err)
	assert.False(t, models.IsPermanent(err), "sink failures are retried")
}

func TestRunner_HandlerRejectsMalformedTasks(t *testing.T) {
	sink := &recordingSink{}
	handle := worker.NewRunner(nil, sink, zerolog.Nop()).Handler()
	ctx := context.Background()

	for _, payload := range []string{`not json`, `{"request_id": 0, "text": "hello there"}`, `{"request_id": 8, "text": "  "}`} {
		err := handle(ctx, kafka.Message{Value: []byte(payload)})
		assert.Error(t, err, payload)
		assert.True(t, models.IsPermanent(err), payload)
	}
	assert.Empty(t, sink.events)

	require.NoError(t, handle(ctx, kafka.Message{Value: []byte(`{"request_id": 8, "text": "` + sampleText + `"}`)}))
	assert.Len(t, sink.events, 2)
}

type pipeline struct {
	ledger     *service.Ledger
	dispatcher *service.Dispatcher
	queue      *worker.InMemory
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	repo := repository.NewMemoryRepository()
	p := &pipeline{
		ledger: service.NewLedger(repo, zerolog.Nop(), nil),
		queue:  worker.NewInMemory(zerolog.Nop()),
	}
	p.dispatcher = service.NewDispatcher(p.ledger, service.NewRequestLog(repo), p.queue)
	p.queue.Attach(p.dispatcher)
	return p
}

func TestInMemory_DrivesDispatcher(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.ledger.Deposit(ctx, "alice", decimal.NewFromInt(100))
	require.NoError(t, err)

	entry, err := p.dispatcher.Submit(ctx, "alice", sampleText)
	require.NoError(t, err)
	require.Len(t, p.queue.Tasks(), 1)
	assert.Equal(t, entry.ID, p.queue.Tasks()[0].RequestID)

	require.NoError(t, p.queue.Start(ctx, entry.ID))
	require.NoError(t, p.queue.Complete(ctx, entry.ID, models.ResultPayload{"score": 1}))
	require.NoError(t, p.queue.Complete(ctx, entry.ID, models.ResultPayload{"score": 1}))

	balance, err := p.ledger.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Sub(entry.Price).Equal(balance), "charged once: %s", balance)
}

func TestInMemory_FailCancelsWithoutCharge(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.ledger.Deposit(ctx, "bob", decimal.NewFromInt(50))
	require.NoError(t, err)

	entry, err := p.dispatcher.Submit(ctx, "bob", sampleText)
	require.NoError(t, err)
	require.NoError(t, p.queue.Fail(ctx, entry.ID))

	balance, err := p.ledger.BalanceOf(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(balance))
}

func TestInMemory_AutoRun(t *testing.T) {
	p := newPipeline(t)
	p.queue.AutoRun(nil)
	ctx := context.Background()

	_, err := p.ledger.Deposit(ctx, "carol", decimal.NewFromInt(100))
	require.NoError(t, err)

	entry, err := p.dispatcher.Submit(ctx, "carol", sampleText)
	require.NoError(t, err)

	balance, err := p.ledger.BalanceOf(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Sub(entry.Price).Equal(balance))
}

func TestInMemory_FailEnqueue(t *testing.T) {
	p := newPipeline(t)
	p.queue.FailEnqueue(errors.New("queue full"))
	ctx := context.Background()

	_, err := p.ledger.Deposit(ctx, "dave", decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = p.dispatcher.Submit(ctx, "dave", sampleText)
	assert.Error(t, err)
	assert.Empty(t, p.queue.Tasks())
}

func TestInMemory_NoHandler(t *testing.T) {
	q := worker.NewInMemory(zerolog.Nop())
	assert.Error(t, q.Start(context.Background(), 1))
}
