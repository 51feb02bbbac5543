package domain

import (
	"context"
	"time"
)

// OrderReader описывает чтение заказов вне транзакций.
type OrderReader interface {
	// GetOrder возвращает заказ с позициями или ErrOrderNotFound.
	GetOrder(ctx context.Context, id string) (Order, error)
	// ListOrdersByUser возвращает заказы пользователя от новых к старым; limit<=0 снимает ограничение.
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error)
}

// TxManager открывает атомарную транзакцию хранилища.
//
// fn получает единственный хэндл транзакции. Любой выход из fn с ошибкой
// (или паника) откатывает все изменения; коммит происходит только при nil.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx OrderTx) error) error
}

// OrderTx: операции внутри одной транзакции.
//
// Сток товара меняется только через DecrementStock и IncrementStock.
type OrderTx interface {
	// DecrementStock атомарно уменьшает сток на qty, только если stock >= qty.
	// Возвращает false, если условие не выполнилось (0 затронутых строк).
	DecrementStock(ctx context.Context, productID string, qty int32) (bool, error)
	// IncrementStock безусловно возвращает qty единиц на склад.
	IncrementStock(ctx context.Context, productID string, qty int32) error

	// InsertOrder сохраняет заголовок заказа (без позиций).
	InsertOrder(ctx context.Context, order Order) error
	// InsertOrderItem сохраняет позицию заказа.
	InsertOrderItem(ctx context.Context, item OrderItem) error
	// UpdateOrderTotal фиксирует итоговую сумму заказа.
	UpdateOrderTotal(ctx context.Context, orderID string, totalCents int64, updatedAt time.Time) error

	// LockOrder читает заказ с позициями и блокирует его до конца транзакции.
	LockOrder(ctx context.Context, orderID string) (Order, error)
	// UpdateOrderStatus меняет статус, только если текущий равен expected.
	// Возвращает false, если статус успел измениться.
	UpdateOrderStatus(ctx context.Context, orderID string, expected, next OrderStatus, updatedAt time.Time) (bool, error)

	// EnqueueOutbox кладёт событие в outbox в той же транзакции.
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) error
}
