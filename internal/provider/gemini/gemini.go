// Package gemini adapts the Google Generative Language API.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type Provider struct {
	cfg     domain.ModelConfig
	deps    provider.Deps
	baseURL string
	client  *http.Client
}

func New(cfg domain.ModelConfig, deps provider.Deps) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini model %s: missing API key", cfg.ID)
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

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *Provider) GenerateCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.AIResponse, error) {
	start := time.Now()

	done, err := provider.Gate(ctx, p.deps, p.cfg, req)
	if err != nil {
		return nil, err
	}
	defer done()

	genReq := toGenerateRequest(req)

	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, p.cfg.ProviderModelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewTimeoutError("gemini", p.cfg.ID, err.Error())
		}
		return nil, domain.NewTransportError("gemini", p.cfg.ID, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, domain.MapHTTPError("gemini", p.cfg.ID, resp.StatusCode, string(bodyBytes))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, domain.NewTransportError("gemini", p.cfg.ID, resp.StatusCode,
			fmt.Sprintf("decode response: %v", err))
	}
	if len(genResp.Candidates) == 0 {
		return nil, domain.NewTransportError("gemini", p.cfg.ID, resp.StatusCode, "no candidates in response")
	}

	var text string
	for _, pt := range genResp.Candidates[0].Content.Parts {
		text += pt.Text
	}

	out := &domain.AIResponse{
		Content:      text,
		InputTokens:  genResp.UsageMetadata.PromptTokenCount,
		OutputTokens: genResp.UsageMetadata.CandidatesTokenCount,
		FinishReason: mapFinishReason(genResp.Candidates[0].FinishReason),
	}
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

// toGenerateRequest maps chat messages onto Gemini roles: assistant turns
// become "model", the system prompt becomes a systemInstruction.
func toGenerateRequest(req domain.CompletionRequest) generateRequest {
	out := generateRequest{}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.SystemInstruction = &content{Parts: []part{{Text: m.Content}}}
		case "assistant":
			out.Contents = append(out.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}

	if req.MaxTokens != nil || req.Temperature != nil {
		out.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	return out
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return domain.FinishStop
	case "MAX_TOKENS":
		return domain.FinishLength
	default:
		return domain.FinishError
	}
}
