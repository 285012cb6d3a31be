package tools

import (
	"context"
	"errors"

	"github.com/nstogner/sectoragent/pkg/retrieval"
)

// VectorSearch exposes a retrieval gateway as a tool.
type VectorSearch struct {
	Gateway retrieval.Gateway
}

type searchHit struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

func (*VectorSearch) Name() string { return "vector_search" }

func (*VectorSearch) Description() string {
	return "Search the knowledge base for snippets similar to a query."
}

func (*VectorSearch) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":     map[string]any{"type": "string"},
			"top_k":     map[string]any{"type": "integer", "default": retrieval.DefaultTopK},
			"threshold": map[string]any{"type": "number", "default": retrieval.DefaultThreshold},
			"namespace": map[string]any{"type": "string"},
		},
		"required": []string{"query"},
	}
}

func (v *VectorSearch) Execute(ctx context.Context, input map[string]any) (any, error) {
	query := stringArg(input, "query")
	if query == "" {
		return nil, errors.New("'query' parameter is required")
	}
	if v.Gateway == nil {
		return nil, errors.New("no retrieval backend configured")
	}
	out := retrieval.Run(ctx, v.Gateway, retrieval.Query{
		Text:      query,
		TopK:      intArg(input, "top_k", retrieval.DefaultTopK),
		Threshold: floatArg(input, "threshold", retrieval.DefaultThreshold),
		Namespace: stringArg(input, "namespace"),
	})
	if out.Err != nil {
		return nil, out.Err
	}
	hits := make([]searchHit, 0, len(out.Results))
	for _, r := range out.Results {
		hits = append(hits, searchHit{ID: r.ID, Content: r.Content, Score: r.Score})
	}
	return hits, nil
}
