package core

import (
	"context"
	"fmt"
	"strings"

	"nutraley.com/product-assistant/internal/store"
)

// OrderSource is the read-only order ledger.
type OrderSource interface {
	GetOrderByID(ctx context.Context, orderID string) (*store.Order, error)
}

// OrderStatus is the tool payload for a successful lookup.
type OrderStatus struct {
	Success           bool   `json:"success"`
	OrderID           string `json:"order_id"`
	CustomerName      string `json:"customer_name"`
	ProductName       string `json:"product_name"`
	Quantity          int    `json:"quantity"`
	OrderDate         string `json:"order_date"`
	Status            string `json:"status"`
	ShippingMethod    string `json:"shipping_method"`
	ShippedDate       string `json:"shipped_date,omitempty"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"`
	ActualDelivery    string `json:"actual_delivery,omitempty"`
	ShippingPolicy    string `json:"shipping_policy,omitempty"`
}

var shippingPolicies = map[string]string{
	"Standard": "Standard shipping: 5-7 business days",
	"Express":  "Express shipping: 2-3 business days",
}

type OrderService struct {
	orders OrderSource
}

func NewOrderService(orders OrderSource) *OrderService {
	return &OrderService{orders: orders}
}

// Lookup returns the status of orderID. A miss is reported as
// *OrderNotFoundError.
func (s *OrderService) Lookup(ctx context.Context, orderID string) (*OrderStatus, error) {
	orderID = strings.TrimSpace(orderID)

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("Error looking up order: %w", err)
	}
	if order == nil {
		return nil, &OrderNotFoundError{OrderID: orderID}
	}

	status := &OrderStatus{
		Success:        true,
		OrderID:        order.OrderID,
		CustomerName:   order.CustomerName,
		ProductName:    order.ProductName,
		Quantity:       order.Quantity,
		OrderDate:      order.OrderDate,
		Status:         order.Status,
		ShippingMethod: order.ShippingMethod,
		ShippingPolicy: shippingPolicies[order.ShippingMethod],
	}
	if order.ShippedDate != nil {
		status.ShippedDate = *order.ShippedDate
	}
	if order.EstimatedDelivery != nil {
		status.EstimatedDelivery = *order.EstimatedDelivery
	}
	if order.ActualDelivery != nil {
		status.ActualDelivery = *order.ActualDelivery
	}
	return status, nil
}
