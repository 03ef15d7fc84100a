package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/queue"
	"github.com/rs/zerolog"
)

// InMemory is a task queue that keeps tasks in memory and delivers worker
// events straight to an attached handler, usually the dispatcher.
type InMemory struct {
	mu      sync.Mutex
	handler queue.EventHandler
	tasks   []models.TaskMessage
	auto    *Runner
	err     error
	logger  zerolog.Logger
}

// NewInMemory creates an empty in-memory queue
func NewInMemory(logger zerolog.Logger) *InMemory {
	return &InMemory{logger: logger}
}

// Attach sets the handler receiving worker events
func (w *InMemory) Attach(h queue.EventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// AutoRun makes every enqueued task run to completion with gen before
// Enqueue returns.
func (w *InMemory) AutoRun(gen Generator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.auto = NewRunner(gen, w, w.logger)
}

// FailEnqueue makes Enqueue return err until called again with nil
func (w *InMemory) FailEnqueue(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *InMemory) Enqueue(ctx context.Context, task models.TaskMessage) error {
	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	w.tasks = append(w.tasks, task)
	auto := w.auto
	w.mu.Unlock()

	if auto != nil {
		if err := auto.Process(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("request_id", task.RequestID).Msg("in-memory task failed")
		}
	}
	return nil
}

// Tasks returns the tasks enqueued so far
func (w *InMemory) Tasks() []models.TaskMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.TaskMessage(nil), w.tasks...)
}

// PublishEvent delivers ev to the attached handler
func (w *InMemory) PublishEvent(ctx context.Context, ev models.WorkerEvent) error {
	w.mu.Lock()
	h := w.handler
	w.mu.Unlock()

	if h == nil {
		return fmt.Errorf("no handler attached for request %d", ev.RequestID)
	}
	return h.OnWorkerEvent(ctx, ev)
}

// Start reports that the worker picked up request id
func (w *InMemory) Start(ctx context.Context, id int64) error {
	return w.PublishEvent(ctx, models.WorkerEvent{RequestID: id, Status: models.EventRunning})
}

// Complete reports a result for request id
func (w *InMemory) Complete(ctx context.Context, id int64, result models.ResultPayload) error {
	return w.PublishEvent(ctx, models.WorkerEvent{RequestID: id, Status: models.EventCompleted, Result: result})
}

// Fail reports that the worker gave up on request id
func (w *InMemory) Fail(ctx context.Context, id int64) error {
	return w.PublishEvent(ctx, models.WorkerEvent{RequestID: id, Status: models.EventCanceled})
}

var _ EventSink = (*InMemory)(nil)
