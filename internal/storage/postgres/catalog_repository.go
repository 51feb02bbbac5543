package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

const productColumns = `id, name, description, price_cents, tax_rate_pct, stock, is_active, created_at, updated_at`

// CatalogRepository читает каталог товаров и заполняет его демо-данными.
type CatalogRepository struct {
	db *sql.DB
}

// NewCatalogRepository создаёт PostgreSQL-реализацию CatalogReader.
func NewCatalogRepository(store *Store) *CatalogRepository {
	return &CatalogRepository{db: store.DB()}
}

// FindProductsByIDs возвращает активные товары из списка.
func (r *CatalogRepository) FindProductsByIDs(ctx context.Context, ids []string) ([]domain.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryAll(ctx, r.db, "select products", scanProduct,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1) AND is_active`, ids)
}

// FindProductByID возвращает товар или ErrProductNotFound.
func (r *CatalogRepository) FindProductByID(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	p, err := scanProduct(r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, wrapErr("select product", err)
	}
	return p, nil
}

// SeedProducts добавляет товары, которых ещё нет в каталоге. Существующие не трогает,
// чтобы повторный запуск не сбрасывал сток. Возвращает число вставленных записей.
func (r *CatalogRepository) SeedProducts(ctx context.Context, products []domain.Product) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("begin seed tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	inserted := 0
	for _, p := range products {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO products (`+productColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
			ON CONFLICT (id) DO NOTHING
		`, p.ID, p.Name, p.Description, p.PriceCents, p.TaxRatePct, p.Stock, p.IsActive, now)
		if err != nil {
			return 0, wrapErr("insert product "+p.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, wrapErr("rows affected", err)
		}
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("commit seed tx", err)
	}
	return inserted, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.TaxRatePct, &p.Stock, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

var _ domain.CatalogReader = (*CatalogRepository)(nil)
