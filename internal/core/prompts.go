package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"nutraley.com/product-assistant/internal/store"
)

const (
	SeedModeVector      = "vector"
	SeedModeFullCatalog = "full_catalog"
)

const (
	vectorSystemPrompt = "You are Nutraley's assistant. You help customers discover our natural and organic products and track their orders.\n\n" +
		"Only state product facts that come from vector_search results or earlier in this conversation. " +
		"Call vector_search whenever you need product details you do not already have; an empty result means the catalog has no match. " +
		"Use a metadata filter when the customer names a category, certification, price limit or stock requirement. " +
		"Call get_shipping_status when the customer asks about an order and gives an order ID such as ORD-1001; if no ID is given, ask for it. " +
		"Greetings and thanks need no tools. Keep answers short and use bullet points for lists of products."

	fullCatalogSystemPrompt = "You are Nutraley's assistant. You help customers discover our natural and organic products and track their orders.\n\n" +
		"The complete product catalog is included below. Only state product facts found in it. " +
		"Call get_shipping_status when the customer asks about an order and gives an order ID such as ORD-1001; if no ID is given, ask for it. " +
		"Greetings and thanks need no tools. Keep answers short and use bullet points for lists of products."

	degradedResponse = "I'm sorry, I couldn't finish looking that up. Please try rephrasing your question."
)

// BuildSeedPrompt returns the system message content every new session
// starts with. In full_catalog mode the whole catalog is embedded as JSON.
func BuildSeedPrompt(mode string, products []store.Product) (string, error) {
	switch mode {
	case SeedModeVector, "":
		return vectorSystemPrompt, nil
	case SeedModeFullCatalog:
		catalog, err := json.MarshalIndent(products, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to encode catalog for system prompt: %w", err)
		}
		rule := strings.Repeat("=", 80)
		return fullCatalogSystemPrompt + "\n\n" + rule + "\nFULL PRODUCT CATALOG:\n" + rule + "\n\n" + string(catalog), nil
	}
	return "", fmt.Errorf("unknown seed mode %q", mode)
}
