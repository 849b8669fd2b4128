package core

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"nutraley.com/product-assistant/internal/store"
)

func TestSearchGlutenFreeSuperfoods(t *testing.T) {
	idx := newSuperfoodIndex(t, superfoodEmbedder())
	filter := mustParse(t, `{"certifications": {"$in": ["Gluten-Free"]}}`)

	results, err := idx.Search(context.Background(), "gluten-free superfoods", 5, filter)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "sf-1", results[0].Product.ID)
	assert.Equal(t, "sf-4", results[1].Product.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.InDelta(t, 1/(1+0.02), results[0].Score, 1e-4)
	assert.InDelta(t, 0.02, results[0].Distance, 1e-4)
}

func TestSearchWithoutFilterOrdersByScore(t *testing.T) {
	idx := newSuperfoodIndex(t, superfoodEmbedder())

	results, err := idx.Search(context.Background(), "gluten-free superfoods", 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := []string{results[0].Product.ID, results[1].Product.ID, results[2].Product.ID}
	assert.Equal(t, []string{"sf-2", "sf-3", "gr-1"}, ids)
}

func TestSearchFilterPrunesWithoutRequery(t *testing.T) {
	idx := newSuperfoodIndex(t, superfoodEmbedder())
	filter := mustParse(t, `{"category": "Superfoods"}`)

	// The five nearest vectors to "cooking oil" are all oils.
	results, err := idx.Search(context.Background(), "cooking oil", 5, filter)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchAppliesSimilarityThreshold(t *testing.T) {
	idx := newSuperfoodIndex(t, superfoodEmbedder())

	results, err := idx.Search(context.Background(), "something unrelated", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchContradictoryFilterIsEmpty(t *testing.T) {
	idx := newSuperfoodIndex(t, superfoodEmbedder())
	filter := mustParse(t, `{"category": {"$eq": "Oils"}}`).And(mustParse(t, `{"category": {"$ne": "Oils"}}`))

	for _, q := range []string{"gluten-free superfoods", "cooking oil", "anything"} {
		results, err := idx.Search(context.Background(), q, MaxTopK, filter)
		require.NoError(t, err)
		assert.Empty(t, results, q)
	}
}

func TestSearchInvariants(t *testing.T) {
	idx := newSuperfoodIndex(t, superfoodEmbedder())
	filters := []string{
		``,
		`{"in_stock": true}`,
		`{"price": {"$lt": 30}}`,
		`{"category": {"$nin": ["Grains"]}}`,
		`{"certifications": {"$in": ["Organic", "Vegan"]}}`,
	}
	queries := []string{"gluten-free superfoods", "cooking oil", "mixed"}

	for _, expr := range filters {
		filter := mustParse(t, orEmpty(expr))
		for _, q := range queries {
			for _, k := range []int{1, 3, 5, 12} {
				results, err := idx.Search(context.Background(), q, k, filter)
				require.NoError(t, err)
				assert.LessOrEqual(t, len(results), k)
				for i, r := range results {
					assert.True(t, filter.Matches(&r.Product), "result violates filter %s", expr)
					assert.GreaterOrEqual(t, r.Score, 0.30)
					if i > 0 {
						assert.LessOrEqual(t, r.Score, results[i-1].Score)
					}
				}
			}
		}
	}
}

func orEmpty(expr string) string {
	if expr == "" {
		return "null"
	}
	return expr
}

func TestSearchTiesBrokenByPosition(t *testing.T) {
	products := []store.Product{
		{ID: "a", Name: "A", Category: "Oils"},
		{ID: "b", Name: "B", Category: "Oils"},
		{ID: "c", Name: "C", Category: "Oils"},
	}
	vectors := [][]float32{{0, 1}, {1, 0}, {1, 0}}
	idx, err := NewRetrievalIndex(&fakeEmbedder{fallback: []float32{1, 0}}, products, vectors, 2, IndexOptions{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), "q", 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].Product.ID)
	assert.Equal(t, "c", results[1].Product.ID)
}

func TestSearchTopKDefaultsAndClamp(t *testing.T) {
	idx := newSuperfoodIndex(t, &fakeEmbedder{fallback: []float32{0, 1, 0.2, 0}})

	results, err := idx.Search(context.Background(), "oils", 0, nil)
	require.NoError(t, err)
	assert.Len(t, results, DefaultTopK)

	results, err = idx.Search(context.Background(), "oils", 500, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), MaxTopK)
}

func TestSearchDimensionMismatch(t *testing.T) {
	idx := newSuperfoodIndex(t, &fakeEmbedder{fallback: []float32{1, 0, 0}})

	_, err := idx.Search(context.Background(), "q", 5, nil)
	assert.ErrorIs(t, err, ErrEmbeddingDimensionMismatch)
}

func TestSearchEmbeddingTimeout(t *testing.T) {
	products, vectors := superfoodCatalog()
	idx, err := NewRetrievalIndex(&fakeEmbedder{block: true}, products, vectors, 4,
		IndexOptions{EmbeddingTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = idx.Search(context.Background(), "q", 5, nil)
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestSearchEmbeddingFailure(t *testing.T) {
	idx := newSuperfoodIndex(t, &fakeEmbedder{err: errors.New("quota exceeded")})

	_, err := idx.Search(context.Background(), "q", 5, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUpstreamTimeout)
}

func TestSearchEmptyQuery(t *testing.T) {
	idx := newSuperfoodIndex(t, superfoodEmbedder())
	_, err := idx.Search(context.Background(), "   ", 5, nil)
	assert.Error(t, err)
}

func TestNewRetrievalIndexRejectsMisalignment(t *testing.T) {
	log := zaptest.NewLogger(t)
	products := []store.Product{{ID: "a"}, {ID: "b"}}

	_, err := NewRetrievalIndex(nil, products, [][]float32{{1, 0}}, 2, IndexOptions{}, log)
	assert.ErrorIs(t, err, ErrIndexLoad)

	_, err = NewRetrievalIndex(nil, products, [][]float32{{1, 0}, {1, 0, 0}}, 2, IndexOptions{}, log)
	assert.ErrorIs(t, err, ErrIndexLoad)

	_, err = NewRetrievalIndex(nil, nil, nil, 2, IndexOptions{}, log)
	assert.ErrorIs(t, err, ErrIndexLoad)
}

type fakeCatalog struct {
	products []store.Product
	vectors  [][]float32
	err      error
}

func (f *fakeCatalog) GetProducts(context.Context) ([]store.Product, error) {
	return f.products, f.err
}

func (f *fakeCatalog) GetProductEmbeddings(context.Context) ([][]float32, error) {
	return f.vectors, nil
}

func TestLoadRetrievalIndex(t *testing.T) {
	log := zaptest.NewLogger(t)
	products, vectors := superfoodCatalog()

	idx, err := LoadRetrievalIndex(context.Background(), &fakeCatalog{products: products, vectors: vectors}, superfoodEmbedder(), 4, IndexOptions{}, log)
	require.NoError(t, err)
	assert.Equal(t, 50, idx.Size())
	assert.Equal(t, 4, idx.Dimension())
	assert.Len(t, idx.Products(), 50)

	_, err = LoadRetrievalIndex(context.Background(), &fakeCatalog{products: products, vectors: vectors[:10]}, superfoodEmbedder(), 4, IndexOptions{}, log)
	assert.ErrorIs(t, err, ErrIndexLoad)

	_, err = LoadRetrievalIndex(context.Background(), &fakeCatalog{err: errors.New("no such table")}, superfoodEmbedder(), 4, IndexOptions{}, log)
	assert.ErrorIs(t, err, ErrIndexLoad)
}

func TestSearchResultPayloadShape(t *testing.T) {
	idx := newSuperfoodIndex(t, superfoodEmbedder())
	results, err := idx.Search(context.Background(), "gluten-free superfoods", 5, mustParse(t, `{"certifications": "Gluten-Free"}`))
	require.NoError(t, err)

	payload, err := newSearchPayload("gluten-free superfoods", results)
	require.NoError(t, err)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.EqualValues(t, 2, decoded["count"])
	first := decoded["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "Organic Chia Seeds", first["name"])
	assert.Contains(t, first, "similarity_score")
	assert.Contains(t, first, "distance")
}

func TestSearchPayloadReportsUnencodableProduct(t *testing.T) {
	bad := store.Product{ID: "sf-x", Name: "Broken", Extra: map[string]any{"rating": math.NaN()}}

	_, err := newSearchPayload("broken", []SearchResult{{Product: bad, Score: 0.9, Distance: 0.1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf-x")
}
