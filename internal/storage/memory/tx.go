package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// WithinTx выполняет fn под эксклюзивной блокировкой хранилища.
// Ошибка или паника в fn откатывают все изменения по журналу отмены.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.OrderTx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	// Отмена контекста до коммита тоже откатывает транзакцию.
	if err = ctx.Err(); err != nil {
		return err
	}
	tx.done = true
	return nil
}

// memTx: хэндл транзакции. Вызывается только пока Store.mu захвачен WithinTx.
type memTx struct {
	store *Store
	undo  []func()
	done  bool
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.done = true
}

func (t *memTx) active(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("memory tx: already finished")
	}
	return ctx.Err()
}

func (t *memTx) DecrementStock(ctx context.Context, productID string, qty int32) (bool, error) {
	if err := t.active(ctx); err != nil {
		return false, err
	}

	p, ok := t.store.products[productID]
	if !ok || p.Stock < qty {
		return false, nil
	}

	prev := p
	p.Stock -= qty
	p.UpdatedAt = t.store.now()
	t.store.products[productID] = p
	t.undo = append(t.undo, func() { t.store.products[productID] = prev })
	return true, nil
}

func (t *memTx) IncrementStock(ctx context.Context, productID string, qty int32) error {
	if err := t.active(ctx); err != nil {
		return err
	}

	p, ok := t.store.products[productID]
	if !ok {
		return domain.NewItemError(productID, domain.ErrProductNotFound)
	}

	prev := p
	p.Stock += qty
	p.UpdatedAt = t.store.now()
	t.store.products[productID] = p
	t.undo = append(t.undo, func() { t.store.products[productID] = prev })
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, order domain.Order) error {
	if err := t.active(ctx); err != nil {
		return err
	}
	if _, exists := t.store.orders[order.ID]; exists {
		return fmt.Errorf("memory tx: order %s already exists", order.ID)
	}

	order.Items = nil
	t.store.orders[order.ID] = order
	id := order.ID
	t.undo = append(t.undo, func() { delete(t.store.orders, id) })
	return nil
}

func (t *memTx) InsertOrderItem(ctx context.Context, item domain.OrderItem) error {
	if err := t.active(ctx); err != nil {
		return err
	}

	order, ok := t.store.orders[item.OrderID]
	if !ok {
		return domain.ErrOrderNotFound
	}

	prev := cloneOrder(order)
	order.Items = append(append([]domain.OrderItem(nil), order.Items...), item)
	t.store.orders[order.ID] = order
	t.undo = append(t.undo, func() { t.store.orders[prev.ID] = prev })
	return nil
}

func (t *memTx) UpdateOrderTotal(ctx context.Context, orderID string, totalCents int64, updatedAt time.Time) error {
	if err := t.active(ctx); err != nil {
		return err
	}

	order, ok := t.store.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}

	prev := cloneOrder(order)
	order.TotalCents = totalCents
	order.UpdatedAt = updatedAt
	t.store.orders[orderID] = order
	t.undo = append(t.undo, func() { t.store.orders[orderID] = prev })
	return nil
}

// LockOrder читает заказ; эксклюзивная блокировка уже удерживается транзакцией.
func (t *memTx) LockOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if err := t.active(ctx); err != nil {
		return domain.Order{}, err
	}

	order, ok := t.store.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, updatedAt time.Time) (bool, error) {
	if err := t.active(ctx); err != nil {
		return false, err
	}

	order, ok := t.store.orders[orderID]
	if !ok || order.Status != expected {
		return false, nil
	}

	prev := cloneOrder(order)
	order.Status = next
	order.UpdatedAt = updatedAt
	t.store.orders[orderID] = order
	t.undo = append(t.undo, func() { t.store.orders[orderID] = prev })
	return true, nil
}

func (t *memTx) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	if err := t.active(ctx); err != nil {
		return err
	}

	rec := t.store.enqueueLocked(msg)
	t.undo = append(t.undo, func() { t.store.dropLocked(rec.msg.ID) })
	return nil
}
