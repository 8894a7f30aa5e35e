// Package queue handles asynchronous completions: callers enqueue a
// request, a worker pool drains the queue through the orchestrator, and
// results land on a response queue. SQS in production, in-memory for
// local runs and tests.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/eaplan05/ai-core/internal/domain"
)

type AsyncRequest struct {
	ID        string                   `json:"id"`
	UserID    string                   `json:"user_id"`
	Model     string                   `json:"model"`
	Request   domain.CompletionRequest `json:"request"`
	Callback  string                   `json:"callback,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
}

type AsyncResponse struct {
	RequestID string             `json:"request_id"`
	UserID    string             `json:"user_id"`
	Response  *domain.AIResponse `json:"response,omitempty"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Queue moves async completion work between the API and the workers.
// Message acknowledgment is a backend detail: a request returned by
// ReceiveRequests is already consumed.
type Queue interface {
	SendRequest(ctx context.Context, req AsyncRequest) error
	ReceiveRequests(ctx context.Context, maxMessages int) ([]AsyncRequest, error)
	SendResponse(ctx context.Context, resp AsyncResponse) error
}

// SQSQueue is the production backend: one SQS queue for inbound requests
// and one for finished responses.
type SQSQueue struct {
	client           *sqs.Client
	requestQueueURL  string
	responseQueueURL string
}

func NewSQSQueue(ctx context.Context, region, requestQueueURL, responseQueueURL string) (*SQSQueue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSQueue{
		client:           sqs.NewFromConfig(awsCfg),
		requestQueueURL:  requestQueueURL,
		responseQueueURL: responseQueueURL,
	}, nil
}

// publish marshals v onto the given queue with user and request id
// attributes for consumer-side filtering.
func (q *SQSQueue) publish(ctx context.Context, queueURL, userID, requestID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"UserID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(userID),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(requestID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) SendRequest(ctx context.Context, req AsyncRequest) error {
	return q.publish(ctx, q.requestQueueURL, req.UserID, req.ID, req)
}

func (q *SQSQueue) SendResponse(ctx context.Context, resp AsyncResponse) error {
	return q.publish(ctx, q.responseQueueURL, resp.UserID, resp.RequestID, resp)
}

// ReceiveRequests long-polls the request queue. Messages are deleted as
// they are decoded; a malformed body is logged and dropped rather than
// left to redeliver forever.
func (q *SQSQueue) ReceiveRequests(ctx context.Context, maxMessages int) ([]AsyncRequest, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.requestQueueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	requests := make([]AsyncRequest, 0, len(out.Messages))
	for _, msg := range out.Messages {
		var req AsyncRequest
		if err := json.Unmarshal([]byte(*msg.Body), &req); err == nil {
			requests = append(requests, req)
		} else {
			slog.Warn("dropping malformed async request", "error", err)
		}

		if msg.ReceiptHandle == nil {
			continue
		}
		_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.requestQueueURL),
			ReceiptHandle: msg.ReceiptHandle,
		})
		if err != nil {
			slog.Warn("delete message failed", "error", err)
		}
	}
	return requests, nil
}

// InMemoryQueue is the single-process backend.
type InMemoryQueue struct {
	mu        sync.Mutex
	requests  []AsyncRequest
	responses []AsyncResponse
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

func (q *InMemoryQueue) SendRequest(ctx context.Context, req AsyncRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	return nil
}

func (q *InMemoryQueue) ReceiveRequests(ctx context.Context, maxMessages int) ([]AsyncRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(maxMessages, len(q.requests))
	batch := make([]AsyncRequest, n)
	copy(batch, q.requests[:n])
	q.requests = q.requests[n:]
	return batch, nil
}

func (q *InMemoryQueue) SendResponse(ctx context.Context, resp AsyncResponse) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses = append(q.responses, resp)
	return nil
}

// Responses snapshots everything sent to the response queue so far.
func (q *InMemoryQueue) Responses() []AsyncResponse {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]AsyncResponse, len(q.responses))
	copy(out, q.responses)
	return out
}
