package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"nutraley.com/product-assistant/internal/store"
	"nutraley.com/product-assistant/internal/utils"
)

const (
	DefaultTopK = 5
	MaxTopK     = 20

	DefaultSimilarityThreshold = 0.30
)

// CatalogSource provides the prebuilt index artifacts.
type CatalogSource interface {
	GetProducts(ctx context.Context) ([]store.Product, error)
	GetProductEmbeddings(ctx context.Context) ([][]float32, error)
}

type IndexOptions struct {
	SimilarityThreshold float64
	EmbeddingTimeout    time.Duration
}

// SearchResult is a product that survived filtering and relevance gating.
type SearchResult struct {
	Product  store.Product
	Score    float64
	Distance float32
}

// RetrievalIndex holds the product vectors and their metadata, positionally
// aligned. It is immutable after construction and safe for concurrent use.
type RetrievalIndex struct {
	embedder Embedder
	products []store.Product
	vectors  [][]float32
	dim      int
	opts     IndexOptions
	log      *zap.Logger
}

func NewRetrievalIndex(embedder Embedder, products []store.Product, vectors [][]float32, dim int, opts IndexOptions, log *zap.Logger) (*RetrievalIndex, error) {
	if len(products) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrIndexLoad)
	}
	if len(vectors) != len(products) {
		return nil, fmt.Errorf("%w: %d vectors for %d products", ErrIndexLoad, len(vectors), len(products))
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, expected %d", ErrIndexLoad, i, len(v), dim)
		}
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.EmbeddingTimeout <= 0 {
		opts.EmbeddingTimeout = 10 * time.Second
	}

	return &RetrievalIndex{
		embedder: embedder,
		products: products,
		vectors:  vectors,
		dim:      dim,
		opts:     opts,
		log:      log,
	}, nil
}

// LoadRetrievalIndex reads the catalog and its vectors from src. Any failure is
// reported as ErrIndexLoad; there is no fallback data source.
func LoadRetrievalIndex(ctx context.Context, src CatalogSource, embedder Embedder, dim int, opts IndexOptions, log *zap.Logger) (*RetrievalIndex, error) {
	products, err := src.GetProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexLoad, err)
	}
	vectors, err := src.GetProductEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexLoad, err)
	}

	idx, err := NewRetrievalIndex(embedder, products, vectors, dim, opts, log)
	if err != nil {
		return nil, err
	}
	log.Info("retrieval index loaded",
		zap.Int("products", len(products)),
		zap.Int("dimension", dim),
		zap.Float64("similarity_threshold", idx.opts.SimilarityThreshold))
	return idx, nil
}

func (ri *RetrievalIndex) Size() int { return len(ri.products) }

func (ri *RetrievalIndex) Dimension() int { return ri.dim }

// Products returns the catalog in index order.
func (ri *RetrievalIndex) Products() []store.Product {
	out := make([]store.Product, len(ri.products))
	copy(out, ri.products)
	return out
}

type candidate struct {
	position int
	distance float32
}

// Search returns up to topK products nearest to query. Candidates are pruned
// by filter first and by the similarity threshold second, and come back in
// descending score order.
func (ri *RetrievalIndex) Search(ctx context.Context, query string, topK int, filter *Filter) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	ectx, cancel := context.WithTimeout(ctx, ri.opts.EmbeddingTimeout)
	queryEmbedding, err := ri.embedder.Embed(ectx, query)
	cancel()
	if err != nil {
		return nil, classifyUpstream("query embedding", err)
	}
	if len(queryEmbedding) != ri.dim {
		return nil, fmt.Errorf("%w: query embedding has %d dimensions, index has %d",
			ErrEmbeddingDimensionMismatch, len(queryEmbedding), ri.dim)
	}

	candidates, err := ri.nearest(queryEmbedding, topK)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(candidates))
	filteredOut, belowThreshold := 0, 0
	for _, c := range candidates {
		if c.position < 0 || c.position >= len(ri.products) {
			return nil, fmt.Errorf("%w: index returned position %d beyond %d metadata entries",
				ErrIndexLoad, c.position, len(ri.products))
		}
		product := ri.products[c.position]

		if !filter.Matches(&product) {
			filteredOut++
			continue
		}

		score := utils.DistanceToSimilarity(c.distance)
		if score < ri.opts.SimilarityThreshold {
			belowThreshold++
			ri.log.Debug("candidate below similarity threshold",
				zap.String("product", product.Name),
				zap.Float64("score", score),
				zap.Float64("threshold", ri.opts.SimilarityThreshold))
			continue
		}
		results = append(results, SearchResult{Product: product, Score: score, Distance: c.distance})
	}

	ri.log.Info("vector search",
		zap.String("query", query),
		zap.Int("top_k", topK),
		zap.Stringer("filter", filter),
		zap.Int("filtered_out", filteredOut),
		zap.Int("below_threshold", belowThreshold),
		zap.Int("results", len(results)))

	return results, nil
}

// nearest is an exact scan over every vector, ordered by ascending distance
// with ties broken by position.
func (ri *RetrievalIndex) nearest(query []float32, k int) ([]candidate, error) {
	all := make([]candidate, len(ri.vectors))
	for i, vec := range ri.vectors {
		d, err := utils.SquaredL2Distance(query, vec)
		if err != nil {
			return nil, fmt.Errorf("%w: vector %d: %v", ErrIndexLoad, i, err)
		}
		all[i] = candidate{position: i, distance: d}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].distance != all[j].distance {
			return all[i].distance < all[j].distance
		}
		return all[i].position < all[j].position
	})

	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}
