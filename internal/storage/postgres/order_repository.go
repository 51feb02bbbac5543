package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

const (
	orderColumns = `id, user_id, status, total_cents, created_at, updated_at`
	itemColumns  = `id, order_id, product_id, quantity, unit_price_cents, tax_rate_pct, created_at`
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderReader.
func NewOrderRepository(store *Store) domain.OrderReader {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.Order{}, domain.ErrOrderNotFound
	case err != nil:
		return domain.Order{}, wrapErr("select order", err)
	}

	orders := []domain.Order{order}
	if err := attachItems(ctx, r.db, orders); err != nil {
		return domain.Order{}, err
	}
	return orders[0], nil
}

// ListOrdersByUser: limit<=0 превращается в LIMIT NULL, то есть без ограничения.
func (r *orderRepository) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	orders, err := queryAll(ctx, r.db, "list orders", scanOrder, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2, 0)`, userID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	if err := attachItems(ctx, r.db, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachItems заполняет Items у всех заказов одним запросом по order_id = ANY.
func attachItems(ctx context.Context, q queryer, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}

	items, err := queryAll(ctx, q, "load order items", scanItem, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, seq`, ids)
	if err != nil {
		return err
	}

	byOrder := make(map[string][]domain.OrderItem, len(orders))
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	for i := range orders {
		orders[i].Items = byOrder[orders[i].ID]
	}
	return nil
}

func scanItem(row rowScanner) (domain.OrderItem, error) {
	var it domain.OrderItem
	err := row.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPriceCents, &it.TaxRatePct, &it.CreatedAt)
	return it, err
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	if err := row.Scan(&order.ID, &order.UserID, &status, &order.TotalCents, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	if !order.Status.Valid() {
		return domain.Order{}, fmt.Errorf("order %s has unknown status %q", order.ID, status)
	}
	return order, nil
}

var _ domain.OrderReader = (*orderRepository)(nil)
