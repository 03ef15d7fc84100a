package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// EventHandler applies a decoded worker event.
type EventHandler interface {
	OnWorkerEvent(ctx context.Context, ev models.WorkerEvent) error
}

// ResultHandler decodes worker events from the result topic and passes them
// to h, skipping pairs of (request, status) that were already handled.
func ResultHandler(h EventHandler, deduper Deduper, logger zerolog.Logger) HandlerFunc {
	if deduper == nil {
		deduper = NoopDeduper{}
	}

	return func(ctx context.Context, msg kafka.Message) error {
		var ev models.WorkerEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("error decoding worker event: %w", err)
		}

		key := fmt.Sprintf("%d:%d", ev.RequestID, int(ev.Status))
		seen, err := deduper.Seen(ctx, key)
		if err != nil {
			// Dedupe is best effort
			logger.Warn().Err(err).Str("key", key).Msg("dedupe lookup failed")
		} else if seen {
			logger.Debug().Str("key", key).Msg("duplicate event skipped")
			return nil
		}

		if err := h.OnWorkerEvent(ctx, ev); err != nil {
			return err
		}

		if err := deduper.Mark(ctx, key); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("dedupe mark failed")
		}
		return nil
	}
}
