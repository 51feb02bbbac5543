package grpcsvc

import (
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// OrderItem: позиция заказа в ответах API.
type OrderItem struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Quantity       int32  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TaxRatePct     int32  `json:"tax_rate_pct"`
	LineTotalCents int64  `json:"line_total_cents"`
}

// Order: заказ в ответах API.
type Order struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Status     string      `json:"status"`
	TotalCents int64       `json:"total_cents"`
	Items      []OrderItem `json:"items,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// ItemInput: строка корзины в запросе на создание заказа.
type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type CreateOrderRequest struct {
	Items []ItemInput `json:"items"`
}

type CreateOrderResponse struct {
	Order Order `json:"order"`
}

type ListOrdersRequest struct {
	Limit int32 `json:"limit,omitempty"`
}

type ListOrdersResponse struct {
	Orders []Order `json:"orders"`
}

type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

type GetOrderResponse struct {
	Order Order `json:"order"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

type CancelOrderResponse struct {
	Order Order `json:"order"`
}

type SetOrderStatusRequest struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type SetOrderStatusResponse struct {
	Order Order `json:"order"`
}

func toAPIOrder(order domain.Order) Order {
	out := Order{
		ID:         order.ID,
		UserID:     order.UserID,
		Status:     string(order.Status),
		TotalCents: order.TotalCents,
		CreatedAt:  order.CreatedAt,
		UpdatedAt:  order.UpdatedAt,
	}
	if len(order.Items) > 0 {
		out.Items = make([]OrderItem, 0, len(order.Items))
	}
	for _, item := range order.Items {
		out.Items = append(out.Items, OrderItem{
			ID:             item.ID,
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			TaxRatePct:     item.TaxRatePct,
			LineTotalCents: item.LineTotal(),
		})
	}
	return out
}

func toItemRequests(items []ItemInput) []domain.ItemRequest {
	out := make([]domain.ItemRequest, 0, len(items))
	for _, item := range items {
		out = append(out, domain.ItemRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}
