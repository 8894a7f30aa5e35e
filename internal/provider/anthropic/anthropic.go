// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/httputil"
	"github.com/eaplan05/ai-core/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Provider struct {
	cfg     domain.ModelConfig
	deps    provider.Deps
	baseURL string
	client  *http.Client
}

func New(cfg domain.ModelConfig, deps provider.Deps) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic model %s: missing API key", cfg.ID)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := deps.HTTPClient
	if client == nil {
		client = httputil.DefaultClient()
	}

	return &Provider{
		cfg:     cfg,
		deps:    deps,
		baseURL: baseURL,
		client:  client,
	}, nil
}

type messagesRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
	System      string           `json:"system,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) GenerateCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.AIResponse, error) {
	start := time.Now()

	done, err := provider.Gate(ctx, p.deps, p.cfg, req)
	if err != nil {
		return nil, err
	}
	defer done()

	// The Messages API takes the system prompt as a top-level field.
	var system string
	messages := make([]domain.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, m)
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	} else if p.cfg.MaxTokens > 0 {
		maxTokens = p.cfg.MaxTokens
	}

	body, err := json.Marshal(messagesRequest{
		Model:       p.cfg.ProviderModelID,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      system,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewTimeoutError("anthropic", p.cfg.ID, err.Error())
		}
		return nil, domain.NewTransportError("anthropic", p.cfg.ID, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, domain.MapHTTPError("anthropic", p.cfg.ID, resp.StatusCode, string(bodyBytes))
	}

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, domain.NewTransportError("anthropic", p.cfg.ID, resp.StatusCode,
			fmt.Sprintf("decode response: %v", err))
	}

	var content string
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	out := &domain.AIResponse{
		Content:      content,
		InputTokens:  msgResp.Usage.InputTokens,
		OutputTokens: msgResp.Usage.OutputTokens,
		FinishReason: mapStopReason(msgResp.StopReason),
	}
	if out.InputTokens == 0 {
		out.InputTokens = provider.EstimateMessages(req.Messages)
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = provider.EstimateTokens(content)
	}

	provider.Finalize(out, p.cfg, start)
	provider.ReportUsage(ctx, p.deps, p.cfg, out, req.UserID)

	return out, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	default:
		return domain.FinishError
	}
}
