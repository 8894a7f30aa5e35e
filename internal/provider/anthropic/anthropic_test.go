package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/provider"
)

func modelConfig(baseURL string) domain.ModelConfig {
	return domain.ModelConfig{
		ID:                 "claude-3-5-sonnet",
		Provider:           "anthropic",
		ProviderModelID:    "claude-3-5-sonnet-20241022",
		MaxTokens:          8192,
		CostPerInputToken:  0.000003,
		CostPerOutputToken: 0.000015,
		BaseURL:            baseURL,
		APIKey:             "ak-test",
	}
}

func successBody() map[string]any {
	return map[string]any{
		"content":     []map[string]any{{"type": "text", "text": "hi from claude"}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 12, "output_tokens": 6},
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	cfg := modelConfig("")
	cfg.APIKey = ""
	if _, err := New(cfg, provider.Deps{}); err == nil {
		t.Fatal("New accepted a config without an API key")
	}
}

func TestGenerateCompletion_Success(t *testing.T) {
	var captured messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s, want /messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "ak-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(successBody())
	}))
	defer srv.Close()

	p, err := New(modelConfig(srv.URL), provider.Deps{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.GenerateCompletion(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}

	if captured.Model != "claude-3-5-sonnet-20241022" {
		t.Errorf("sent model = %q", captured.Model)
	}
	if captured.MaxTokens != 8192 {
		t.Errorf("sent max_tokens = %d, want model config default", captured.MaxTokens)
	}
	if resp.Content != "hi from claude" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 6 {
		t.Errorf("tokens = %d/%d, want 12/6", resp.InputTokens, resp.OutputTokens)
	}
	if resp.FinishReason != domain.FinishStop {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
}

func TestGenerateCompletion_SystemPromptLifted(t *testing.T) {
	var captured messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(successBody())
	}))
	defer srv.Close()

	p, _ := New(modelConfig(srv.URL), provider.Deps{})
	_, err := p.GenerateCompletion(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}

	if captured.System != "be terse" {
		t.Errorf("System = %q, want system message promoted", captured.System)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v, want system turn removed", captured.Messages)
	}
}

func TestGenerateCompletion_MaxTokensFromRequest(t *testing.T) {
	var captured messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(successBody())
	}))
	defer srv.Close()

	p, _ := New(modelConfig(srv.URL), provider.Deps{})
	limit := 256
	_, err := p.GenerateCompletion(context.Background(), domain.CompletionRequest{
		Messages:  []domain.Message{{Role: "user", Content: "hello"}},
		MaxTokens: &limit,
	})
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}
	if captured.MaxTokens != 256 {
		t.Errorf("max_tokens = %d, want request value", captured.MaxTokens)
	}
}

func TestGenerateCompletion_ConcatenatesTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "part one "},
				{"type": "tool_use", "text": "ignored"},
				{"type": "text", "text": "part two"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	p, _ := New(modelConfig(srv.URL), provider.Deps{})
	resp, err := p.GenerateCompletion(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}
	if resp.Content != "part one part two" {
		t.Errorf("Content = %q, want text blocks only", resp.Content)
	}
}

func TestGenerateCompletion_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantKind   string
	}{
		{"unauthorized", http.StatusUnauthorized, domain.KindAuthentication},
		{"rate limited", http.StatusTooManyRequests, domain.KindRateLimit},
		{"overloaded", 529, domain.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.statusCode)
			}))
			defer srv.Close()

			p, _ := New(modelConfig(srv.URL), provider.Deps{})
			_, err := p.GenerateCompletion(context.Background(), domain.CompletionRequest{
				Messages: []domain.Message{{Role: "user", Content: "hello"}},
			})
			var pe *domain.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want ProviderError", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", pe.Kind, tt.wantKind)
			}
		})
	}
}

func TestMapStopReason(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"end_turn", domain.FinishStop},
		{"stop_sequence", domain.FinishStop},
		{"", domain.FinishStop},
		{"max_tokens", domain.FinishLength},
		{"refusal", domain.FinishError},
	}
	for _, tt := range tests {
		if got := mapStopReason(tt.in); got != tt.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
