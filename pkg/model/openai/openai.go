// Package openai implements model.Provider and retrieval.Embedder with the
// OpenAI Chat Completions and Embeddings APIs.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nstogner/sectoragent/pkg/model"
	"github.com/nstogner/sectoragent/pkg/retrieval"
)

const (
	DefaultModel          = openai.ChatModelGPT4Turbo
	DefaultEmbeddingModel = openai.EmbeddingModelTextEmbedding3Small
)

// Provider wraps the OpenAI Chat Completions API.
type Provider struct {
	client       *openai.Client
	defaultModel string
}

var _ model.Provider = (*Provider)(nil)

// New creates a provider. An empty apiKey falls back to OPENAI_API_KEY.
func New(apiKey, defaultModel string) *Provider {
	client := newClient(apiKey)
	return NewFromClient(&client, defaultModel)
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *openai.Client, defaultModel string) *Provider {
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	return &Provider{client: client, defaultModel: defaultModel}
}

func newClient(apiKey string) openai.Client {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return openai.NewClient(opts...)
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Generate(ctx context.Context, req model.Request) (string, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = p.defaultModel
	}
	slog.Debug("OpenAI.Generate", "model", modelName, "inputLen", len(req.Input))

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt()))

	params := openai.ChatCompletionNewParams{
		Model:       modelName,
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("openai returned an empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embedder wraps the OpenAI Embeddings API.
type Embedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

var _ retrieval.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embedder producing vectors of the given size.
func NewEmbedder(apiKey, modelName string, dimensions int) *Embedder {
	client := newClient(apiKey)
	if modelName == "" {
		modelName = DefaultEmbeddingModel
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &Embedder{client: &client, model: modelName, dimensions: dimensions}
}

func (e *Embedder) Dimensions() int { return e.dimensions }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      e.model,
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Dimensions: openai.Int(int64(e.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai returned no embeddings")
	}
	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}
