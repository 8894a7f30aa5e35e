package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Worker drains async requests from a queue through a completion
// function and publishes results on the response queue.
type Worker struct {
	queue    Queue
	complete CompleteFunc
	tracker  RequestTracker
	workers  int
	batch    int
}

// CompleteFunc runs one completion. Wired to orchestrator.GenerateCompletion.
type CompleteFunc func(ctx context.Context, req AsyncRequest) (*AsyncResponse, error)

// RequestTracker counts in-flight work per user. Satisfied by
// ratelimit.Limiter so queued completions occupy the same concurrency
// slots as synchronous ones.
type RequestTracker interface {
	TrackRequestStart(userID string)
	TrackRequestEnd(userID string)
}

type WorkerOption func(*Worker)

// WithTracker brackets each processed request with start/end tracking.
func WithTracker(tracker RequestTracker) WorkerOption {
	return func(w *Worker) { w.tracker = tracker }
}

func NewWorker(q Queue, complete CompleteFunc, workers int, opts ...WorkerOption) *Worker {
	if workers <= 0 {
		workers = 1
	}
	w := &Worker{
		queue:    q,
		complete: complete,
		workers:  workers,
		batch:    10,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled. One receive loop feeds a pool of
// workers; each finished request produces exactly one response message.
func (w *Worker) Run(ctx context.Context) {
	jobs := make(chan AsyncRequest)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				w.process(ctx, req)
			}
		}()
	}

	slog.Info("async queue workers started", "workers", w.workers)

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			slog.Info("async queue workers stopped")
			return
		default:
		}

		requests, err := w.queue.ReceiveRequests(ctx, w.batch)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Warn("receive async requests failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, req := range requests {
			select {
			case jobs <- req:
			case <-ctx.Done():
			}
		}

		if len(requests) == 0 {
			// In-memory queues return immediately when empty.
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (w *Worker) process(ctx context.Context, req AsyncRequest) {
	if w.tracker != nil {
		w.tracker.TrackRequestStart(req.UserID)
		defer w.tracker.TrackRequestEnd(req.UserID)
	}

	resp, err := w.complete(ctx, req)
	if err != nil {
		resp = &AsyncResponse{
			RequestID: req.ID,
			UserID:    req.UserID,
			Error:     err.Error(),
			CreatedAt: time.Now(),
		}
	}

	if sendErr := w.queue.SendResponse(ctx, *resp); sendErr != nil {
		slog.Error("send async response failed",
			"request_id", req.ID,
			"user_id", req.UserID,
			"error", sendErr,
		)
	}
}
