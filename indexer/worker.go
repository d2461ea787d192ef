package indexer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/billbatista/acasinha-ledger/ledger"
)

// Worker buffers index requests and publishes them in the background. When
// the buffer is full requests are dropped with a warning; ledger writes never
// wait for the search service.
type Worker struct {
	requestCh  chan ledger.IndexRequest
	publisher  Publisher
	logger     *slog.Logger
	attempts   int
	retryDelay time.Duration
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

type WorkerOption func(*Worker)

// WithRetry sets how many times a message is tried and the base delay, doubled per retry.
func WithRetry(attempts int, delay time.Duration) WorkerOption {
	return func(w *Worker) {
		if attempts > 0 {
			w.attempts = attempts
		}
		w.retryDelay = delay
	}
}

func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewWorker(publisher Publisher, bufferSize int, opts ...WorkerOption) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		requestCh:  make(chan ledger.IndexRequest, bufferSize),
		publisher:  publisher,
		logger:     slog.Default(),
		attempts:   3,
		retryDelay: 500 * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ ledger.Indexer = (*Worker)(nil)

func (w *Worker) Start() {
	w.wg.Go(func() {
		for {
			select {
			case <-w.ctx.Done():
				w.logger.Info("draining index requests before shutdown", "remaining_requests", len(w.requestCh))
				for len(w.requestCh) > 0 {
					w.publish(context.Background(), <-w.requestCh)
				}
				return
			case req := <-w.requestCh:
				w.publish(w.ctx, req)
			}
		}
	})
}

// Enqueue never blocks.
func (w *Worker) Enqueue(req ledger.IndexRequest) {
	select {
	case w.requestCh <- req:
	default:
		w.logger.Warn("index channel full, dropping request", "expense_id", req.ExpenseID)
	}
}

// Shutdown stops the worker after publishing what is still buffered.
func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) publish(ctx context.Context, req ledger.IndexRequest) {
	msg := NewMessage(req)
	delay := w.retryDelay
	var err error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if err = w.publisher.Publish(ctx, msg); err == nil {
			return
		}
		if attempt == w.attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// shutting down: finish the remaining attempts detached from the worker
			ctx = context.Background()
		}
		delay *= 2
	}
	w.logger.Error("failed to publish index request", "error", err, "expense_id", req.ExpenseID, "attempts", w.attempts)
}
