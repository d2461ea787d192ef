package eventlogger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/billbatista/acasinha-ledger/ledger"
	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
)

type Worker struct {
	eventCh chan Event
	logger  EventLogger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWorker(logger EventLogger, bufferSize int) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		eventCh: make(chan Event, bufferSize),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

var _ ledger.Notifier = (*Worker)(nil)

func (w *Worker) Start() {
	w.wg.Go(func() {
		for {
			select {
			case <-w.ctx.Done():
				slog.Info("draining events before shutdown", "remaining_events", len(w.eventCh))
				for len(w.eventCh) > 0 {
					event := <-w.eventCh
					if err := w.logger.Save(context.Background(), event); err != nil {
						slog.Error("failed to save event during shutdown", "error", err, "event_type", event.Type)
					}
				}
				return
			case event := <-w.eventCh:
				if err := w.logger.Save(w.ctx, event); err != nil {
					slog.Error("failed to save event", "error", err, "event_type", event.Type)
				}
			}
		}
	})
}

func (w *Worker) Log(event Event) {
	select {
	case w.eventCh <- event:
	default:
		slog.Warn("event channel full, dropping event", "event_type", event.Type)
	}
}

// Publish records a ledger event for the household. The chi request id, if
// any, is kept as metadata.
func (w *Worker) Publish(ctx context.Context, eventType string, householdID uuid.UUID, payload any) {
	metadata := make(map[string]string)
	if id := chimiddleware.GetReqID(ctx); id != "" {
		metadata["request_id"] = id
	}
	w.Log(NewEvent(
		WithType(eventType),
		WithHousehold(householdID),
		WithData(payload),
		WithMetadata(metadata),
	))
}

// Shutdown stops the worker after saving the buffered events.
func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}
