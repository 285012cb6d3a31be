package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/nstogner/sectoragent/pkg/model"
	"github.com/nstogner/sectoragent/pkg/retrieval"
)

const (
	DefaultModel          = "gemini-2.0-flash"
	DefaultEmbeddingModel = "text-embedding-004"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client       *genai.Client
	defaultModel string
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider. An empty defaultModel selects DefaultModel.
func New(ctx context.Context, apiKey, defaultModel string) (*Provider, error) {
	client, err := newClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	return &Provider{client: client, defaultModel: defaultModel}, nil
}

func newClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// Generate sends the prompt as a single user turn.
func (p *Provider) Generate(ctx context.Context, req model.Request) (string, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = p.defaultModel
	}
	slog.Debug("Gemini.Generate", "model", modelName, "inputLen", len(req.Input))

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.Prompt()}},
	}}

	resp, err := p.client.Models.GenerateContent(ctx, modelName, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("gemini returned an empty response")
	}
	return text, nil
}

// Embedder implements retrieval.Embedder with Gemini embedding models.
type Embedder struct {
	client     *genai.Client
	model      string
	dimensions int
}

var _ retrieval.Embedder = (*Embedder)(nil)

// NewEmbedder creates an Embedder producing vectors of the given size.
func NewEmbedder(ctx context.Context, apiKey, modelName string, dimensions int) (*Embedder, error) {
	client, err := newClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = DefaultEmbeddingModel
	}
	if dimensions <= 0 {
		dimensions = 768
	}
	return &Embedder{client: client, model: modelName, dimensions: dimensions}, nil
}

func (e *Embedder) Dimensions() int { return e.dimensions }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{{Parts: []*genai.Part{{Text: text}}}}
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(int32(e.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, errors.New("gemini returned no embeddings")
	}
	return resp.Embeddings[0].Values, nil
}
