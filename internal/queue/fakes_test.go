package queue

import (
	"context"
	"io"
	"sync"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int // number of writes to fail before succeeding
	err      error
	calls    int
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.failures > 0 {
		w.failures--
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

// fakeReader serves queued messages, then io.EOF once closed.
type fakeReader struct {
	ch        chan kafka.Message
	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{ch: make(chan kafka.Message, len(msgs))}
	for i, m := range msgs {
		m.Offset = int64(i)
		r.ch <- m
	}
	close(r.ch)
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m, ok := <-r.ch:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memoryDeduper) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[key], nil
}

func (d *memoryDeduper) Mark(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	d.seen[key] = true
	return nil
}
