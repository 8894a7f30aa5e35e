package notifications

import (
	"context"
	"testing"

	"github.com/eaplan05/ai-core/internal/budget"
)

func TestInMemoryNotifier_Send(t *testing.T) {
	n := NewInMemoryNotifier()

	err := n.Send(context.Background(), Notification{
		Kind:    EventBudgetWarning,
		UserID:  "u1",
		Message: "80% of budget",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := n.Sent()
	if len(sent) != 1 {
		t.Fatalf("Sent() = %d notifications, want 1", len(sent))
	}
	if sent[0].Kind != EventBudgetWarning || sent[0].UserID != "u1" {
		t.Errorf("notification = %+v", sent[0])
	}
}

func TestInMemoryNotifier_Handlers(t *testing.T) {
	n := NewInMemoryNotifier()

	var received []Notification
	n.OnNotification(func(notification Notification) {
		received = append(received, notification)
	})

	n.Send(context.Background(), Notification{Kind: EventModelDown, Message: "gpt-4o unreachable"})

	if len(received) != 1 || received[0].Kind != EventModelDown {
		t.Errorf("received = %+v, want one model_down event", received)
	}
}

func TestInMemoryNotifier_SentIsCopy(t *testing.T) {
	n := NewInMemoryNotifier()
	n.Send(context.Background(), Notification{Kind: EventRateLimited, UserID: "u1"})

	sent := n.Sent()
	sent[0].UserID = "mutated"

	if n.Sent()[0].UserID != "u1" {
		t.Error("caller mutation leaked into notifier state")
	}
}

func TestFromBudgetAlert(t *testing.T) {
	tests := []struct {
		name  string
		level budget.AlertLevel
		want  EventKind
	}{
		{"warning", budget.AlertLevelWarning, EventBudgetWarning},
		{"critical", budget.AlertLevelCritical, EventBudgetCritical},
		{"exceeded", budget.AlertLevelExceeded, EventBudgetExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := FromBudgetAlert(budget.Alert{
				UserID:     "u1",
				Level:      tt.level,
				Budget:     100,
				CurrentUse: 85,
				Percentage: 85,
			})
			if n.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", n.Kind, tt.want)
			}
			if n.UserID != "u1" {
				t.Errorf("UserID = %q", n.UserID)
			}
			if n.Data["budget_usd"] != float64(100) {
				t.Errorf("Data = %v", n.Data)
			}
		})
	}
}
