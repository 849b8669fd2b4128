package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	ToolVectorSearch   = "vector_search"
	ToolShippingStatus = "get_shipping_status"
)

const vectorSearchDescription = "Search the Nutraley product catalog by semantic similarity. " +
	"Use it whenever you need product facts (features, benefits, pricing, availability) that are not already in the conversation. " +
	"Empty results mean nothing in the catalog matches."

const filterDescription = "Optional metadata filter. Maps a field (category, subcategory, price, in_stock, certifications, name) " +
	"to a value for equality or to an operator object using $eq, $ne, $in, $nin, $gt, $lt. " +
	`Fields are combined with AND. Example: {"category": "Superfoods", "price": {"$lt": 20}, "certifications": {"$in": ["Gluten-Free"]}}`

// SearchArgs are the arguments of vector_search.
type SearchArgs struct {
	Query  string          `json:"query" validate:"required,max=500"`
	Filter json.RawMessage `json:"filter,omitempty"`
	TopK   int             `json:"top_k,omitempty" validate:"omitempty,min=1,max=20"`
}

// OrderArgs are the arguments of get_shipping_status.
type OrderArgs struct {
	OrderID string `json:"order_id" validate:"required,max=64"`
}

// Searcher is the retrieval side of the tool set.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, filter *Filter) ([]SearchResult, error)
}

// invocation is a tool call whose arguments decoded and validated.
type invocation struct {
	call   ToolCall
	search *SearchArgs
	filter *Filter
	order  *OrderArgs
}

// ToolExecutor owns the fixed tool set.
type ToolExecutor struct {
	searcher Searcher
	orders   *OrderService
	validate *validator.Validate
	log      *zap.Logger
}

func NewToolExecutor(searcher Searcher, orders *OrderService, log *zap.Logger) *ToolExecutor {
	return &ToolExecutor{
		searcher: searcher,
		orders:   orders,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Schemas declares the tools to the completion service. Without a searcher
// only the order lookup is offered.
func (e *ToolExecutor) Schemas() []Tool {
	tools := []Tool{
		{
			Name:        ToolVectorSearch,
			Description: vectorSearchDescription,
			Parameters: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"query": {
						Type:        "string",
						Description: "Natural language description of what the customer is looking for.",
					},
					"filter": {
						Type:        "object",
						Description: filterDescription,
					},
					"top_k": {
						Type:        "integer",
						Description: "Maximum number of products to return (1-20, default 5).",
					},
				},
				Required: []string{"query"},
			},
		},
		{
			Name: ToolShippingStatus,
			Description: "Look up order and shipment status by order ID. Use it when the customer asks about an order, " +
				"delivery status or tracking, or mentions an order number.",
			Parameters: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"order_id": {
						Type:        "string",
						Description: "The order ID to look up (format: ORD-XXXX, e.g., ORD-1001)",
					},
				},
				Required: []string{"order_id"},
			},
		},
	}
	if e.searcher == nil {
		return tools[1:]
	}
	return tools
}

// decode checks a tool call against its declared schema. Any mismatch is an
// ErrUpstreamProtocol.
func (e *ToolExecutor) decode(call ToolCall) (*invocation, error) {
	inv := &invocation{call: call}
	switch {
	case call.Name == ToolVectorSearch && e.searcher != nil:
		var args SearchArgs
		if err := e.decodeArgs(call, &args); err != nil {
			return nil, err
		}
		filter, err := ParseFilter(args.Filter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamProtocol, call.Name, err)
		}
		inv.search, inv.filter = &args, filter
	case call.Name == ToolShippingStatus:
		var args OrderArgs
		if err := e.decodeArgs(call, &args); err != nil {
			return nil, err
		}
		inv.order = &args
	default:
		return nil, fmt.Errorf("%w: unknown tool %q", ErrUpstreamProtocol, call.Name)
	}
	return inv, nil
}

func (e *ToolExecutor) decodeArgs(call ToolCall, dst any) error {
	raw := bytes.TrimSpace(call.Arguments)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %s: malformed arguments: %v", ErrUpstreamProtocol, call.Name, err)
	}
	if err := e.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s: invalid arguments: %v", ErrUpstreamProtocol, call.Name, err)
	}
	return nil
}

// execute runs a decoded call and returns the serialized tool result. Tool
// failures are returned as a failure payload; only system-level failures
// come back as errors.
func (e *ToolExecutor) execute(ctx context.Context, inv *invocation) (string, error) {
	var payload any
	switch {
	case inv.search != nil:
		results, err := e.searcher.Search(ctx, inv.search.Query, inv.search.TopK, inv.filter)
		if err != nil {
			if isSystemFailure(err) {
				return "", err
			}
			e.log.Warn("search tool failed", zap.String("call_id", inv.call.ID), zap.Error(err))
			payload = failurePayload(fmt.Errorf("Search failed: %w", err))
		} else if payload, err = newSearchPayload(inv.search.Query, results); err != nil {
			return "", fmt.Errorf("failed to encode %s result: %w", inv.call.Name, err)
		}
	case inv.order != nil:
		status, err := e.orders.Lookup(ctx, inv.order.OrderID)
		if err != nil {
			e.log.Info("order lookup failed", zap.String("order_id", inv.order.OrderID), zap.Error(err))
			payload = failurePayload(err)
		} else {
			payload = status
		}
	default:
		return "", fmt.Errorf("%w: empty invocation for %q", ErrUpstreamProtocol, inv.call.Name)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s result: %w", inv.call.Name, err)
	}
	return string(out), nil
}

func isSystemFailure(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrEmbeddingDimensionMismatch) ||
		errors.Is(err, ErrIndexLoad)
}

type toolFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func failurePayload(err error) toolFailure {
	return toolFailure{Success: false, Error: err.Error()}
}

type searchPayload struct {
	Success bool             `json:"success"`
	Query   string           `json:"query"`
	Count   int              `json:"count"`
	Results []map[string]any `json:"results"`
}

// newSearchPayload flattens each product's JSON form and adds its scores.
func newSearchPayload(query string, results []SearchResult) (searchPayload, error) {
	hits := make([]map[string]any, 0, len(results))
	for _, r := range results {
		raw, err := json.Marshal(r.Product)
		if err != nil {
			return searchPayload{}, fmt.Errorf("product %s: %w", r.Product.ID, err)
		}
		hit := map[string]any{}
		if err := json.Unmarshal(raw, &hit); err != nil {
			return searchPayload{}, fmt.Errorf("product %s: %w", r.Product.ID, err)
		}
		hit["similarity_score"] = r.Score
		hit["distance"] = r.Distance
		hits = append(hits, hit)
	}
	return searchPayload{Success: true, Query: query, Count: len(hits), Results: hits}, nil
}
