// Package retrieval provides ranked snippet search over indexed documents.
package retrieval

import (
	"cmp"
	"context"
	"slices"

	"github.com/nstogner/sectoragent/pkg/domain"
)

const (
	DefaultTopK      = 5
	DefaultThreshold = 0.7
	DefaultNamespace = "default"
)

// Query describes one search.
type Query struct {
	Text      string
	TopK      int
	Threshold float64
	// Namespace selects the collection. Empty means DefaultNamespace.
	Namespace string
	// Filter restricts results to documents whose metadata matches every pair.
	Filter map[string]string
}

// Gateway searches for snippets similar to a query. Results are ordered by
// descending score and every score is at least q.Threshold.
type Gateway interface {
	Search(ctx context.Context, q Query) ([]domain.SearchResult, error)
}

// Index is a Gateway whose documents can be managed.
type Index interface {
	Gateway
	Add(ctx context.Context, docs ...domain.Document) error
	Delete(ctx context.Context, namespace, id string) error
	Stats() Stats
}

// Stats describes the contents of an Index.
type Stats struct {
	TotalDocuments int            `json:"total_documents"`
	Namespaces     map[string]int `json:"namespaces"`
	Dimensions     int            `json:"dimensions"`
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Outcome is the result of one retrieval call. A failed call is still
// usable: OrEmpty yields no results.
type Outcome struct {
	Results []domain.SearchResult
	Err     error
}

// Run searches g and returns the outcome. Results are re-sorted by score,
// anything under the threshold is dropped and at most q.TopK are kept.
func Run(ctx context.Context, g Gateway, q Query) Outcome {
	q = q.withDefaults()
	results, err := g.Search(ctx, q)
	if err != nil {
		return Outcome{Err: err}
	}
	results = slices.DeleteFunc(slices.Clone(results), func(r domain.SearchResult) bool {
		return r.Score < q.Threshold
	})
	slices.SortStableFunc(results, func(a, b domain.SearchResult) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return Outcome{Results: results[:min(len(results), q.TopK)]}
}

// OrEmpty returns the results, or nil when the call failed.
func (o Outcome) OrEmpty() []domain.SearchResult {
	if o.Err != nil {
		return nil
	}
	return o.Results
}

func (q Query) withDefaults() Query {
	if q.TopK <= 0 {
		q.TopK = DefaultTopK
	}
	if q.Namespace == "" {
		q.Namespace = DefaultNamespace
	}
	return q
}
