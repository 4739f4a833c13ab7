// Package llm constructs eino chat models from agent model configuration.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/pocketcmd/pocketcmd/internal/config"
)

// ErrUnknownProvider is returned for providers without a constructor.
var ErrUnknownProvider = errors.New("unknown model provider")

const defaultMaxTokens = 4096

// Providers lists the supported provider identifiers.
func Providers() []string {
	return []string{"anthropic", "ark", "claude", "openai"}
}

// NewChatModel builds the chat model described by cfg.
func NewChatModel(ctx context.Context, cfg *config.ModelConfig) (model.ToolCallingChatModel, error) {
	if cfg == nil {
		return nil, errors.New("no model configured")
	}

	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return newOpenAI(ctx, cfg)
	case "anthropic", "claude":
		return newClaude(ctx, cfg)
	case "ark":
		return newArk(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// CheckConfig validates cfg without contacting the provider.
func CheckConfig(cfg *config.ModelConfig) error {
	if cfg == nil {
		return errors.New("no model configured")
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai", "anthropic", "claude", "ark":
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

func maxTokens(cfg *config.ModelConfig) int {
	if cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return defaultMaxTokens
}

func newOpenAI(ctx context.Context, cfg *config.ModelConfig) (model.ToolCallingChatModel, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	modelID := cfg.Name
	if modelID == "" {
		modelID = "gpt-4o-mini"
	}
	tokens := maxTokens(cfg)

	mc := &openai.ChatModelConfig{
		APIKey:              apiKey,
		Model:               modelID,
		MaxCompletionTokens: &tokens,
		Temperature:         cfg.Temperature,
	}
	if cfg.BaseURL != "" {
		mc.BaseURL = cfg.BaseURL
	}

	chatModel, err := openai.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
	}
	return chatModel, nil
}

func newClaude(ctx context.Context, cfg *config.ModelConfig) (model.ToolCallingChatModel, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	modelID := cfg.Name
	if modelID == "" {
		modelID = "claude-sonnet-4-20250514"
	}

	mc := &claude.Config{
		APIKey:      apiKey,
		Model:       modelID,
		MaxTokens:   maxTokens(cfg),
		Temperature: cfg.Temperature,
	}
	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		mc.BaseURL = &baseURL
	}

	chatModel, err := claude.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Claude model: %w", err)
	}
	return chatModel, nil
}

func newArk(ctx context.Context, cfg *config.ModelConfig) (model.ToolCallingChatModel, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ARK_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ARK_API_KEY not set")
	}

	modelID := cfg.Name
	if modelID == "" {
		modelID = os.Getenv("ARK_MODEL_ID")
	}
	if modelID == "" {
		return nil, fmt.Errorf("ARK_MODEL_ID not set")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("ARK_BASE_URL")
	}
	tokens := maxTokens(cfg)

	mc := &ark.ChatModelConfig{
		APIKey:      apiKey,
		Model:       modelID,
		MaxTokens:   &tokens,
		Temperature: cfg.Temperature,
	}
	if baseURL != "" {
		mc.BaseURL = baseURL
	}

	chatModel, err := ark.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create ARK model: %w", err)
	}
	return chatModel, nil
}
