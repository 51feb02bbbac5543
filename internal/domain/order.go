package domain

import (
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending: заказ создан, сток зарезервирован, дальнейшая обработка не начиналась.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid: оплата подтверждена.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusShipped: заказ передан в доставку.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered: заказ получен клиентом.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled: заказ отменён, сток возвращён на склад. Терминальный статус.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseOrderStatus разбирает статус без учёта регистра.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// OrderItem представляет одну позицию заказа.
// Цена и налог зафиксированы на момент создания заказа и больше не меняются.
type OrderItem struct {
	ID             string
	OrderID        string
	ProductID      string
	Quantity       int32
	UnitPriceCents int64
	TaxRatePct     int32
	CreatedAt      time.Time
}

// LineTotal возвращает сумму позиции с налогом.
func (i OrderItem) LineTotal() int64 {
	return LineTotal(i.UnitPriceCents, i.TaxRatePct, i.Quantity)
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID         string
	UserID     string
	Status     OrderStatus
	TotalCents int64
	Items      []OrderItem
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OwnedBy сообщает, принадлежит ли заказ пользователю.
func (o *Order) OwnedBy(userID string) bool {
	return o.UserID != "" && o.UserID == userID
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.TotalCents < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	// Итог заказа обязан совпадать с суммой позиций, посчитанной калькулятором цен.
	var calc int64
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceCents < 0 || item.TaxRatePct < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += item.LineTotal()
	}
	if calc != o.TotalCents {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// ItemRequest: позиция корзины, присланная клиентом.
type ItemRequest struct {
	ProductID string
	Quantity  int32
}

// ValidateItemRequests проверяет корзину до обращения к каталогу.
func ValidateItemRequests(items []ItemRequest) error {
	if len(items) == 0 {
		return ErrItemsRequired
	}
	for _, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return ErrProductIDRequired
		}
		if item.Quantity < 1 {
			return &ItemError{ProductID: item.ProductID, Err: ErrItemQtyInvalid}
		}
	}
	return nil
}
