package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"nutraley.com/product-assistant/internal/store"
)

// fakeEmbedder maps known queries to fixed vectors.
type fakeEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
	err      error
	block    bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	if f.fallback != nil {
		return f.fallback, nil
	}
	return nil, fmt.Errorf("no embedding for %q", text)
}

// mockCompleter replays scripted completions and records every history it saw.
type mockCompleter struct {
	mu        sync.Mutex
	responses []*Completion
	errs      []error
	histories [][]Message
	tools     [][]Tool
	hook      func(call int)
}

func (m *mockCompleter) Complete(_ context.Context, history []Message, tools []Tool) (*Completion, error) {
	m.mu.Lock()
	idx := len(m.histories)
	snapshot := make([]Message, len(history))
	copy(snapshot, history)
	m.histories = append(m.histories, snapshot)
	m.tools = append(m.tools, tools)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(idx)
	}
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return &Completion{Content: "fallback"}, nil
}

func (m *mockCompleter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.histories)
}

func toolCall(id, name string, args any) ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return ToolCall{ID: id, Name: name, Arguments: raw}
}

// memOrders is an in-memory OrderSource.
type memOrders struct {
	orders map[string]store.Order
	err    error
}

func (m *memOrders) GetOrderByID(_ context.Context, orderID string) (*store.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func strPtr(s string) *string { return &s }

func sampleOrders() *memOrders {
	return &memOrders{orders: map[string]store.Order{
		"ORD-1001": {
			OrderID: "ORD-1001", CustomerName: "Asha Rao", ProductName: "Cold-Pressed Coconut Oil",
			Quantity: 2, OrderDate: "2024-03-01", ShippedDate: strPtr("2024-03-02"),
			EstimatedDelivery: strPtr("2024-03-08"), Status: "Shipped", ShippingMethod: "Standard",
		},
		"ORD-1002": {
			OrderID: "ORD-1002", CustomerName: "Ben Ortiz", ProductName: "Chia Seeds",
			Quantity: 1, OrderDate: "2024-03-03", ShippedDate: strPtr("2024-03-03"),
			ActualDelivery: strPtr("2024-03-05"), Status: "Delivered", ShippingMethod: "Express",
		},
		"ORD-1003": {
			OrderID: "ORD-1003", CustomerName: "Chen Li", ProductName: "Quinoa",
			Quantity: 3, OrderDate: "2024-03-04", Status: "Processing", ShippingMethod: "Pickup",
		},
	}}
}

// superfoodCatalog builds 50 products in 4 dimensions. Exactly two are
// gluten-free superfoods, both near the "gluten-free superfoods" query vector.
func superfoodCatalog() ([]store.Product, [][]float32) {
	var products []store.Product
	var vectors [][]float32

	add := func(p store.Product, v []float32) {
		products = append(products, p)
		vectors = append(vectors, v)
	}

	add(store.Product{ID: "sf-1", Name: "Organic Chia Seeds", Category: "Superfoods", Price: 12, InStock: true,
		Certifications: []string{"Organic", "Gluten-Free"}}, []float32{0.9, 0.1, 0, 0})
	add(store.Product{ID: "sf-2", Name: "Spirulina Powder", Category: "Superfoods", Price: 18, InStock: true,
		Certifications: []string{"Organic"}}, []float32{0.95, 0, 0, 0})
	add(store.Product{ID: "sf-3", Name: "Moringa Powder", Category: "Superfoods", Price: 15, InStock: true,
		Certifications: []string{"Vegan"}}, []float32{0.97, 0.05, 0, 0})
	add(store.Product{ID: "sf-4", Name: "Quinoa Flakes", Category: "Superfoods", Price: 9, InStock: true,
		Certifications: []string{"Gluten-Free", "Vegan"}}, []float32{0.8, 0.2, 0, 0})
	add(store.Product{ID: "gr-1", Name: "Wheat Bran", Category: "Grains", Price: 4, InStock: true,
		Certifications: nil}, []float32{0.92, 0, 0.1, 0})

	for i := len(products); i < 50; i++ {
		add(store.Product{
			ID:       fmt.Sprintf("oil-%02d", i),
			Name:     fmt.Sprintf("Pressed Oil %02d", i),
			Category: "Oils",
			Price:    float64(5 + i),
			InStock:  i%2 == 0,
		}, []float32{0, 1, float32(i) / 100, 0})
	}
	return products, vectors
}

func newSuperfoodIndex(t *testing.T, embedder Embedder) *RetrievalIndex {
	t.Helper()
	products, vectors := superfoodCatalog()
	idx, err := NewRetrievalIndex(embedder, products, vectors, 4, IndexOptions{SimilarityThreshold: 0.30}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func superfoodEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors: map[string][]float32{
			"gluten-free superfoods": {1, 0, 0, 0},
			"cooking oil":            {0, 1, 0, 0},
			"something unrelated":    {-1, -1, -1, -1},
		},
		fallback: []float32{0.5, 0.5, 0, 0},
	}
}
