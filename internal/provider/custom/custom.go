// Package custom adapts self-hosted OpenAI-compatible HTTP endpoints
// (vLLM, LiteLLM, internal inference services). The endpoint URL comes
// from the model config; authentication is an optional bearer token.
package custom

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

type Provider struct {
	cfg    domain.ModelConfig
	deps   provider.Deps
	client *http.Client
}

func New(cfg domain.ModelConfig, deps provider.Deps) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("custom model %s: missing base URL", cfg.ID)
	}

	client := deps.HTTPClient
	if client == nil {
		client = httputil.DefaultClient()
	}

	return &Provider{cfg: cfg, deps: deps, client: client}, nil
}

type completionRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text         string `json:"text"`
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

	body, err := json.Marshal(completionRequest{
		Model:       p.cfg.ProviderModelID,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewTimeoutError("custom", p.cfg.ID, err.Error())
		}
		return nil, domain.NewTransportError("custom", p.cfg.ID, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, domain.MapHTTPError("custom", p.cfg.ID, resp.StatusCode, string(bodyBytes))
	}

	var compResp completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&compResp); err != nil {
		return nil, domain.NewTransportError("custom", p.cfg.ID, resp.StatusCode,
			fmt.Sprintf("decode response: %v", err))
	}
	if len(compResp.Choices) == 0 {
		return nil, domain.NewTransportError("custom", p.cfg.ID, resp.StatusCode, "empty choices in response")
	}

	choice := compResp.Choices[0]
	text := choice.Message.Content
	if text == "" {
		// Some endpoints use the legacy completions shape.
		text = choice.Text
	}

	out := &domain.AIResponse{
		Content:      text,
		InputTokens:  compResp.Usage.PromptTokens,
		OutputTokens: compResp.Usage.CompletionTokens,
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	// Self-hosted endpoints often omit usage; fall back to the character
	// heuristic.
	if out.InputTokens == 0 {
		out.InputTokens = provider.EstimateMessages(req.Messages)
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = provider.EstimateTokens(text)
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
