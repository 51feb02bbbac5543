package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// TaxPerUnit считает налог на единицу товара в минимальных денежных единицах.
// Округление до целого, половина округляется от нуля (12.5 -> 13).
func TaxPerUnit(unitPriceCents int64, taxRatePct int32) int64 {
	return taxOf(decimal.NewFromInt(unitPriceCents), taxRatePct).IntPart()
}

func taxOf(unit decimal.Decimal, taxRatePct int32) decimal.Decimal {
	return unit.Mul(decimal.NewFromInt32(taxRatePct)).Div(hundred).Round(0)
}

// LineTotal считает итог позиции: (цена + налог на единицу) * количество.
// Входы должны пройти CheckedLineTotal: для сохранённых позиций это так.
func LineTotal(unitPriceCents int64, taxRatePct int32, quantity int32) int64 {
	perUnit := unitPriceCents + TaxPerUnit(unitPriceCents, taxRatePct)
	return perUnit * int64(quantity)
}

// CheckedLineTotal считает то же, что LineTotal, но в decimal и возвращает
// ErrAmountOverflow, если результат не помещается в int64.
func CheckedLineTotal(unitPriceCents int64, taxRatePct int32, quantity int32) (int64, error) {
	unit := decimal.NewFromInt(unitPriceCents)
	total := unit.Add(taxOf(unit, taxRatePct)).Mul(decimal.NewFromInt32(quantity))
	if total.Abs().GreaterThan(maxCents) {
		return 0, ErrAmountOverflow
	}
	return total.IntPart(), nil
}

// AddCents складывает неотрицательные суммы с проверкой переполнения.
func AddCents(a, b int64) (int64, error) {
	if b > math.MaxInt64-a {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}
