package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderEventItem: позиция заказа в событии.
type OrderEventItem struct {
	ProductID      string `json:"product_id"`
	Quantity       int32  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TaxRatePct     int32  `json:"tax_rate_pct"`
}

// OrderEvent: полезная нагрузка событий заказа.
type OrderEvent struct {
	EventType      string           `json:"event_type"`
	OrderID        string           `json:"order_id"`
	UserID         string           `json:"user_id"`
	Status         string           `json:"status"`
	PreviousStatus string           `json:"previous_status,omitempty"`
	TotalCents     int64            `json:"total_cents"`
	Items          []OrderEventItem `json:"items,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// NewOrderOutboxMessage собирает outbox-сообщение по состоянию заказа.
// previous пустой для события создания.
func NewOrderOutboxMessage(eventType string, order Order, previous OrderStatus, occurred time.Time) (OutboxMessage, error) {
	event := OrderEvent{
		EventType:      eventType,
		OrderID:        order.ID,
		UserID:         order.UserID,
		Status:         string(order.Status),
		PreviousStatus: string(previous),
		TotalCents:     order.TotalCents,
		OccurredAt:     occurred,
	}
	for _, item := range order.Items {
		event.Items = append(event.Items, OrderEventItem{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			TaxRatePct:     item.TaxRatePct,
		})
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	return OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     occurred,
	}, nil
}

// Prepared заполняет ID и CreatedAt, если их не задал вызывающий, и копирует payload.
func (m OutboxMessage) Prepared(now time.Time) OutboxMessage {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.Payload = append([]byte(nil), m.Payload...)
	return m
}
