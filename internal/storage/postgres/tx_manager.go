package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// TxManager открывает транзакции заказов поверх database/sql.
type TxManager struct {
	db *sql.DB
}

// NewTxManager создаёт менеджер транзакций.
func NewTxManager(store *Store) *TxManager {
	return &TxManager{db: store.DB()}
}

// WithinTx выполняет fn в транзакции READ COMMITTED. Гарантия от перепродажи
// держится на условном UPDATE, а не на уровне изоляции.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.OrderTx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return wrapErr("begin tx", err)
	}

	committed := false
	defer func() {
		// Срабатывает и при панике в fn.
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, &orderTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("commit tx", err)
	}
	committed = true
	return nil
}

type orderTx struct {
	tx *sql.Tx
}

func (t *orderTx) DecrementStock(ctx context.Context, productID string, qty int32) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND stock >= $2
	`, productID, qty)
	if err != nil {
		return false, wrapErr("decrement stock", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("decrement stock rows affected", err)
	}
	return affected == 1, nil
}

func (t *orderTx) IncrementStock(ctx context.Context, productID string, qty int32) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2,
		    updated_at = NOW()
		WHERE id = $1
	`, productID, qty)
	if err != nil {
		return wrapErr("increment stock", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr("increment stock rows affected", err)
	}
	if affected == 0 {
		return domain.NewItemError(productID, domain.ErrProductNotFound)
	}
	return nil
}

func (t *orderTx) InsertOrder(ctx context.Context, order domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, order.ID, order.UserID, string(order.Status), order.TotalCents, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return wrapErr("insert order", err)
	}
	return nil
}

func (t *orderTx) InsertOrderItem(ctx context.Context, item domain.OrderItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_items (`+itemColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, item.ID, item.OrderID, item.ProductID, item.Quantity, item.UnitPriceCents, item.TaxRatePct, item.CreatedAt)
	if err != nil {
		return wrapErr("insert order item", err)
	}
	return nil
}

func (t *orderTx) UpdateOrderTotal(ctx context.Context, orderID string, totalCents int64, updatedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET total_cents = $2,
		    updated_at = $3
		WHERE id = $1
	`, orderID, totalCents, updatedAt)
	if err != nil {
		return wrapErr("update order total", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update order total rows affected", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (t *orderTx) LockOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := scanOrder(t.tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, wrapErr("lock order", err)
	}

	orders := []domain.Order{order}
	if err := attachItems(ctx, t.tx, orders); err != nil {
		return domain.Order{}, err
	}
	return orders[0], nil
}

func (t *orderTx) UpdateOrderStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, updatedAt time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3,
		    updated_at = $4
		WHERE id = $1
		  AND status = $2
	`, orderID, string(expected), string(next), updatedAt)
	if err != nil {
		return false, wrapErr("update order status", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("update order status rows affected", err)
	}
	return affected == 1, nil
}

func (t *orderTx) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	return insertOutbox(ctx, t.tx, msg)
}

var _ domain.TxManager = (*TxManager)(nil)
