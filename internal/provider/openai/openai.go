// Package openai adapts OpenAI-compatible chat completion APIs.
package openai

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

const defaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	cfg     domain.ModelConfig
	deps    provider.Deps
	baseURL string
	client  *http.Client
}

func New(cfg domain.ModelConfig, deps provider.Deps) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai model %s: missing API key", cfg.ID)
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

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	User        string           `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) GenerateCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.AIResponse, error) {
	start := time.Now()

	done, err := provider.Gate(ctx, p.deps, p.cfg, req)
	if err != nil {
		return nil, err
	}
	defer done()

	body, err := json.Marshal(chatRequest{
		Model:       p.cfg.ProviderModelID,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		User:        req.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewTimeoutError("openai", p.cfg.ID, err.Error())
		}
		return nil, domain.NewTransportError("openai", p.cfg.ID, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, domain.MapHTTPError("openai", p.cfg.ID, resp.StatusCode, string(bodyBytes))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, domain.NewTransportError("openai", p.cfg.ID, resp.StatusCode,
			fmt.Sprintf("decode response: %v", err))
	}
	if len(chatResp.Choices) == 0 {
		return nil, domain.NewTransportError("openai", p.cfg.ID, resp.StatusCode, "empty choices in response")
	}

	out := &domain.AIResponse{
		Content:      chatResp.Choices[0].Message.Content,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		FinishReason: mapFinishReason(chatResp.Choices[0].FinishReason),
	}
	if out.InputTokens == 0 {
		out.InputTokens = provider.EstimateMessages(req.Messages)
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = provider.EstimateTokens(out.Content)
	}

	provider.Finalize(out, p.cfg, start)
	provider.ReportUsage(ctx, p.deps, p.cfg, out, req.UserID)

	return out, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop", "":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	default:
		return domain.FinishError
	}
}
