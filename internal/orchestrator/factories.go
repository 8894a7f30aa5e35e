package orchestrator

import (
	"context"

	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/provider"
	"github.com/eaplan05/ai-core/internal/provider/anthropic"
	"github.com/eaplan05/ai-core/internal/provider/bedrock"
	"github.com/eaplan05/ai-core/internal/provider/custom"
	"github.com/eaplan05/ai-core/internal/provider/gemini"
	"github.com/eaplan05/ai-core/internal/provider/openai"
)

// Provider tags recognized by DefaultFactories.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderCustom    = "custom"
	ProviderBedrock   = "bedrock"
)

// DefaultFactories returns the built-in provider tag → factory table.
// Registering a custom tag is just adding an entry before constructing
// the orchestrator.
func DefaultFactories(awsRegion string) map[string]provider.Factory {
	return map[string]provider.Factory{
		ProviderOpenAI: func(cfg domain.ModelConfig, deps provider.Deps) (provider.CompletionProvider, error) {
			return openai.New(cfg, deps)
		},
		ProviderAnthropic: func(cfg domain.ModelConfig, deps provider.Deps) (provider.CompletionProvider, error) {
			return anthropic.New(cfg, deps)
		},
		ProviderGemini: func(cfg domain.ModelConfig, deps provider.Deps) (provider.CompletionProvider, error) {
			return gemini.New(cfg, deps)
		},
		ProviderCustom: func(cfg domain.ModelConfig, deps provider.Deps) (provider.CompletionProvider, error) {
			return custom.New(cfg, deps)
		},
		ProviderBedrock: func(cfg domain.ModelConfig, deps provider.Deps) (provider.CompletionProvider, error) {
			return bedrock.New(context.Background(), cfg, awsRegion, deps)
		},
	}
}
