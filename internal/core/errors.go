package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUpstreamTimeout means the completion or embedding service did not
	// answer in time. The turn can be retried.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamProtocol means the completion service returned something the
	// dispatch loop cannot act on: an unknown tool, malformed arguments, or an
	// empty answer.
	ErrUpstreamProtocol = errors.New("upstream protocol error")

	// ErrEmbeddingDimensionMismatch means the embedding model and the index
	// disagree on vector size.
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrToolLoopExceeded means the model kept requesting tools past the round cap.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")

	// ErrIndexLoad means the retrieval artifacts are missing or inconsistent.
	ErrIndexLoad = errors.New("index load failure")
)

// classifyUpstream maps a provider error onto the service's error taxonomy.
func classifyUpstream(op string, err error) error {
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamProtocol) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// OrderNotFoundError is returned by OrderService.Lookup on a ledger miss.
type OrderNotFoundError struct {
	OrderID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("Order %s not found in our system.", e.OrderID)
}
