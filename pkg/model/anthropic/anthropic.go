// Package anthropic implements model.Provider with the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nstogner/sectoragent/pkg/model"
)

const (
	DefaultModel     = "claude-3-5-sonnet-latest"
	defaultMaxTokens = 2048
)

// Provider wraps the Anthropic Messages API.
type Provider struct {
	client       *anthropic.Client
	defaultModel string
}

var _ model.Provider = (*Provider)(nil)

// New creates a provider. An empty apiKey falls back to ANTHROPIC_API_KEY.
func New(apiKey, defaultModel string) *Provider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	return &Provider{client: &client, defaultModel: defaultModel}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Generate(ctx context.Context, req model.Request) (string, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = p.defaultModel
	}
	// The Messages API requires max_tokens.
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	slog.Debug("Anthropic.Generate", "model", modelName, "inputLen", len(req.Input))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(modelName),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt())),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("anthropic returned an empty response")
	}
	return sb.String(), nil
}
