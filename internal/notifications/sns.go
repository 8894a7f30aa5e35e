// Package notifications publishes operational events (budget alerts,
// model health transitions, rate-limit rejections) to SNS, with an
// in-memory notifier for local runs and tests.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/eaplan05/ai-core/internal/budget"
)

// Event kinds published on the operations topic.
type EventKind string

const (
	EventBudgetWarning  EventKind = "budget_warning"
	EventBudgetCritical EventKind = "budget_critical"
	EventBudgetExceeded EventKind = "budget_exceeded"
	EventModelDown      EventKind = "model_down"
	EventModelUp        EventKind = "model_up"
	EventRateLimited    EventKind = "rate_limited"
)

type Notification struct {
	Kind    EventKind      `json:"kind"`
	UserID  string         `json:"user_id,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// FromBudgetAlert converts a budget alert into a notification.
func FromBudgetAlert(alert budget.Alert) Notification {
	kind := EventBudgetWarning
	switch alert.Level {
	case budget.AlertLevelExceeded:
		kind = EventBudgetExceeded
	case budget.AlertLevelCritical:
		kind = EventBudgetCritical
	}

	return Notification{
		Kind:    kind,
		UserID:  alert.UserID,
		Message: fmt.Sprintf("user %s at %.1f%% of monthly budget", alert.UserID, alert.Percentage),
		Data: map[string]any{
			"budget_usd":  alert.Budget,
			"current_use": alert.CurrentUse,
			"percentage":  alert.Percentage,
		},
	}
}

// SNSNotifier publishes to one SNS topic with the event kind and user id
// as message attributes, so subscriptions can filter server-side.
type SNSNotifier struct {
	client   *sns.Client
	topicARN string
}

func NewSNSNotifier(ctx context.Context, region, topicARN string) (*SNSNotifier, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSNotifier{client: sns.NewFromConfig(awsCfg), topicARN: topicARN}, nil
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"Kind": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(notification.Kind)),
		},
	}
	if notification.UserID != "" {
		attrs["UserID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.UserID),
		}
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(n.topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification published", "kind", notification.Kind, "user_id", notification.UserID)
	return nil
}

// InMemoryNotifier records notifications and fans them out to registered
// handlers synchronously.
type InMemoryNotifier struct {
	mu       sync.Mutex
	sent     []Notification
	handlers []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sent = append(n.sent, notification)
	for _, handler := range n.handlers {
		handler(notification)
	}
	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

// Sent snapshots everything delivered so far.
func (n *InMemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}
