package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/nstogner/sectoragent/pkg/domain"
)

// VectorIndex is an in-process Index backed by chromem-go. Each namespace is
// its own collection.
type VectorIndex struct {
	db       *chromem.DB
	embedder Embedder
	logger   *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

var _ Index = (*VectorIndex)(nil)

// NewVectorIndex creates an empty index that embeds text with e.
func NewVectorIndex(e Embedder, logger *slog.Logger) *VectorIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorIndex{
		db:          chromem.NewDB(),
		embedder:    e,
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}
}

func (ix *VectorIndex) collection(namespace string, create bool) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, ok := ix.collections[namespace]
	ix.mu.RUnlock()
	if ok || !create {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[namespace]; ok {
		return col, nil
	}
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return ix.embedder.Embed(ctx, text)
	}
	col, err := ix.db.GetOrCreateCollection(namespace, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", namespace, err)
	}
	ix.collections[namespace] = col
	return col, nil
}

// Add embeds and stores docs. Documents without an id get a random one.
func (ix *VectorIndex) Add(ctx context.Context, docs ...domain.Document) error {
	byNamespace := make(map[string][]chromem.Document)
	for i := range docs {
		d := &docs[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.Namespace == "" {
			d.Namespace = DefaultNamespace
		}
		byNamespace[d.Namespace] = append(byNamespace[d.Namespace], chromem.Document{
			ID:       d.ID,
			Content:  d.Content,
			Metadata: maps.Clone(d.Metadata),
		})
	}

	for ns, batch := range byNamespace {
		col, err := ix.collection(ns, true)
		if err != nil {
			return err
		}
		if err := col.AddDocuments(ctx, batch, 4); err != nil {
			return fmt.Errorf("add documents to %q: %w", ns, err)
		}
		ix.logger.Debug("Documents indexed", "namespace", ns, "count", len(batch))
	}
	return nil
}

// Delete removes a document. Unknown namespaces are a no-op.
func (ix *VectorIndex) Delete(ctx context.Context, namespace, id string) error {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	col, err := ix.collection(namespace, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// Search returns up to q.TopK documents with a similarity of at least
// q.Threshold. Similarities are clamped to [0,1].
func (ix *VectorIndex) Search(ctx context.Context, q Query) ([]domain.SearchResult, error) {
	q = q.withDefaults()
	col, err := ix.collection(q.Namespace, false)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return []domain.SearchResult{}, nil
	}
	// nResults may not exceed the collection size.
	n := min(q.TopK, col.Count())
	if n == 0 {
		return []domain.SearchResult{}, nil
	}

	res, err := col.Query(ctx, q.Text, n, q.Filter, nil)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", q.Namespace, err)
	}

	out := make([]domain.SearchResult, 0, len(res))
	for _, r := range res {
		score := min(max(float64(r.Similarity), 0), 1)
		if score < q.Threshold {
			continue
		}
		md := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		out = append(out, domain.SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    score,
			Metadata: md,
		})
	}
	return out, nil
}

// Stats reports document counts per namespace.
func (ix *VectorIndex) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := Stats{Namespaces: make(map[string]int, len(ix.collections)), Dimensions: ix.embedder.Dimensions()}
	for ns, col := range ix.collections {
		n := col.Count()
		s.Namespaces[ns] = n
		s.TotalDocuments += n
	}
	return s
}
