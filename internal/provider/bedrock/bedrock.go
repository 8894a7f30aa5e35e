// Package bedrock adapts AWS Bedrock runtime models through the
// Anthropic-style InvokeModel JSON shape.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/provider"
)

const defaultMaxTokens = 4096

type Provider struct {
	cfg    domain.ModelConfig
	deps   provider.Deps
	client *bedrockruntime.Client
}

func New(ctx context.Context, cfg domain.ModelConfig, region string, deps provider.Deps) (*Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Provider{
		cfg:    cfg,
		deps:   deps,
		client: bedrockruntime.NewFromConfig(awsCfg),
	}, nil
}

func NewWithConfig(cfg domain.ModelConfig, awsCfg aws.Config, deps provider.Deps) *Provider {
	return &Provider{
		cfg:    cfg,
		deps:   deps,
		client: bedrockruntime.NewFromConfig(awsCfg),
	}
}

type invokeRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	Messages         []domain.Message `json:"messages"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      *float64         `json:"temperature,omitempty"`
	System           string           `json:"system,omitempty"`
}

type invokeResponse struct {
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

	body, err := json.Marshal(invokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		Messages:         messages,
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		System:           system,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.cfg.ProviderModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, domain.NewTransportError("bedrock", p.cfg.ID, 0, err.Error())
	}

	var invResp invokeResponse
	if err := json.Unmarshal(output.Body, &invResp); err != nil {
		return nil, domain.NewTransportError("bedrock", p.cfg.ID, 0,
			fmt.Sprintf("decode response: %v", err))
	}

	var content string
	for _, block := range invResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	out := &domain.AIResponse{
		Content:      content,
		InputTokens:  invResp.Usage.InputTokens,
		OutputTokens: invResp.Usage.OutputTokens,
		FinishReason: mapStopReason(invResp.StopReason),
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
