package store

import (
	"encoding/json"
	"strings"
)

// Product is one catalog record. Attributes the service does not model
// explicitly are kept in Extra so they survive a round trip and stay filterable.
type Product struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Category       string         `json:"category"`
	Subcategory    string         `json:"subcategory,omitempty"`
	Price          float64        `json:"price"`
	InStock        bool           `json:"in_stock"`
	Certifications []string       `json:"certifications,omitempty"`
	Description    string         `json:"description,omitempty"`
	Extra          map[string]any `json:"-"`
}

var productFields = []string{"id", "name", "category", "subcategory", "price", "in_stock", "certifications", "description"}

type productAlias Product

func (p *Product) UnmarshalJSON(data []byte) error {
	var alias productAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, f := range productFields {
		delete(raw, f)
	}
	*p = Product(alias)
	if len(raw) > 0 {
		p.Extra = raw
	}
	if p.ID == "" {
		p.ID = p.Name
	}
	return nil
}

func (p Product) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(productAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]any, len(p.Extra)+len(productFields))
	for k, v := range p.Extra {
		merged[k] = v
	}
	var known map[string]any
	if err := json.Unmarshal(base, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Field returns the value of a named attribute in the form filters compare
// against: strings, float64, bool or []string. Empty string attributes and
// empty certification sets count as absent.
func (p *Product) Field(name string) (any, bool) {
	switch name {
	case "id":
		return p.ID, p.ID != ""
	case "name":
		return p.Name, p.Name != ""
	case "category":
		return p.Category, p.Category != ""
	case "subcategory":
		return p.Subcategory, p.Subcategory != ""
	case "description":
		return p.Description, p.Description != ""
	case "price":
		return p.Price, true
	case "in_stock":
		return p.InStock, true
	case "certifications":
		return p.Certifications, len(p.Certifications) > 0
	}
	v, ok := p.Extra[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// EmbeddingText is the text the ingestion step embeds for a product.
func (p *Product) EmbeddingText() string {
	parts := []string{p.Name, p.Category}
	if p.Subcategory != "" {
		parts = append(parts, p.Subcategory)
	}
	if p.Description != "" {
		parts = append(parts, p.Description)
	}
	if len(p.Certifications) > 0 {
		parts = append(parts, "Certifications: "+strings.Join(p.Certifications, ", "))
	}
	return strings.Join(parts, ". ")
}

// Order is an order ledger record. Date fields are nil until the order
// reaches the matching lifecycle stage.
type Order struct {
	OrderID           string  `json:"order_id"`
	CustomerName      string  `json:"customer_name"`
	ProductName       string  `json:"product_name"`
	Quantity          int     `json:"quantity"`
	OrderDate         string  `json:"order_date"`
	ShippedDate       *string `json:"shipped_date,omitempty"`
	EstimatedDelivery *string `json:"estimated_delivery,omitempty"`
	ActualDelivery    *string `json:"actual_delivery,omitempty"`
	Status            string  `json:"status"`
	ShippingMethod    string  `json:"shipping_method"`
}
