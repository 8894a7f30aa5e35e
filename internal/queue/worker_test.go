package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
)

func TestInMemoryQueue_SendAndReceive(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	req := AsyncRequest{
		ID:     "req-1",
		UserID: "user1",
		Model:  "gpt-4o",
		Request: domain.CompletionRequest{
			Messages: []domain.Message{{Role: "user", Content: "hi"}},
		},
		CreatedAt: time.Now(),
	}

	if err := q.SendRequest(ctx, req); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	got, err := q.ReceiveRequests(ctx, 10)
	if err != nil {
		t.Fatalf("ReceiveRequests() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "req-1" {
		t.Fatalf("got %v, want one request req-1", got)
	}

	// Queue drained
	got, _ = q.ReceiveRequests(ctx, 10)
	if len(got) != 0 {
		t.Errorf("expected empty queue, got %d", len(got))
	}
}

func TestInMemoryQueue_ReceiveBatchLimit(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.SendRequest(ctx, AsyncRequest{ID: "req", UserID: "u"})
	}

	got, _ := q.ReceiveRequests(ctx, 3)
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}

	got, _ = q.ReceiveRequests(ctx, 3)
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestWorker_ProcessesRequests(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.SendRequest(ctx, AsyncRequest{
		ID:     "req-1",
		UserID: "user1",
		Model:  "gpt-4o",
		Request: domain.CompletionRequest{
			Messages: []domain.Message{{Role: "user", Content: "hello"}},
		},
	})

	complete := func(ctx context.Context, req AsyncRequest) (*AsyncResponse, error) {
		return &AsyncResponse{
			RequestID: req.ID,
			UserID:    req.UserID,
			Response:  &domain.AIResponse{Content: "world", Model: req.Model},
			CreatedAt: time.Now(),
		}, nil
	}

	w := NewWorker(q, complete, 2)
	go w.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if responses := q.Responses(); len(responses) > 0 {
			resp := responses[0]
			if resp.RequestID != "req-1" {
				t.Errorf("request_id = %q, want req-1", resp.RequestID)
			}
			if resp.Response == nil || resp.Response.Content != "world" {
				t.Errorf("unexpected response %+v", resp.Response)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no response produced before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type recordingTracker struct {
	mu     sync.Mutex
	starts []string
	ends   []string
}

func (r *recordingTracker) TrackRequestStart(userID string) {
	r.mu.Lock()
	r.starts = append(r.starts, userID)
	r.mu.Unlock()
}

func (r *recordingTracker) TrackRequestEnd(userID string) {
	r.mu.Lock()
	r.ends = append(r.ends, userID)
	r.mu.Unlock()
}

func (r *recordingTracker) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts), len(r.ends)
}

func TestWorker_TracksConcurrencyPerRequest(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.SendRequest(ctx, AsyncRequest{ID: "req-ok", UserID: "user1", Model: "gpt-4o"})
	q.SendRequest(ctx, AsyncRequest{ID: "req-bad", UserID: "user1", Model: "gpt-4o"})

	complete := func(ctx context.Context, req AsyncRequest) (*AsyncResponse, error) {
		if req.ID == "req-bad" {
			return nil, errors.New("all providers failed")
		}
		return &AsyncResponse{RequestID: req.ID, UserID: req.UserID, CreatedAt: time.Now()}, nil
	}

	tracker := &recordingTracker{}
	w := NewWorker(q, complete, 1, WithTracker(tracker))
	go w.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if len(q.Responses()) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("responses not produced before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Every processed request releases its concurrency slot, failures
	// included.
	starts, ends := tracker.counts()
	if starts != 2 || ends != 2 {
		t.Errorf("tracked starts/ends = %d/%d, want 2/2", starts, ends)
	}
}

func TestWorker_ReportsErrors(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.SendRequest(ctx, AsyncRequest{ID: "req-err", UserID: "user1", Model: "down-model"})

	complete := func(ctx context.Context, req AsyncRequest) (*AsyncResponse, error) {
		return nil, errors.New("all providers failed")
	}

	w := NewWorker(q, complete, 1)
	go w.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if responses := q.Responses(); len(responses) > 0 {
			resp := responses[0]
			if resp.Error == "" {
				t.Error("expected error in async response")
			}
			if resp.Response != nil {
				t.Error("expected nil response on failure")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no response produced before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
