package domain

import "time"

// Product: снимок товара из каталога. Каталог владеет записью,
// заказы меняют только сток и только через OrderTx.
type Product struct {
	ID          string
	Name        string
	Description string
	PriceCents  int64
	TaxRatePct  int32
	Stock       int32
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UnitTotal возвращает цену одной единицы с налогом.
func (p Product) UnitTotal() int64 {
	return LineTotal(p.PriceCents, p.TaxRatePct, 1)
}
