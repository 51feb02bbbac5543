// Package catalog содержит демонстрационный каталог для локального запуска.
package catalog

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// Seeder добавляет отсутствующие товары, не трогая существующие.
type Seeder interface {
	SeedProducts(ctx context.Context, products []domain.Product) (int, error)
}

// DemoProducts возвращает демонстрационные товары. Идентификаторы стабильны,
// чтобы loadtest и ручные запросы работали без поиска по каталогу.
func DemoProducts() []domain.Product {
	return []domain.Product{
		{ID: "prod-smartphone", Name: "Smartphone", Description: "Flagship phone, 128 GB", PriceCents: 69900, TaxRatePct: 10, Stock: 50, IsActive: true},
		{ID: "prod-laptop", Name: "Laptop", Description: "14-inch ultrabook", PriceCents: 129900, TaxRatePct: 10, Stock: 25, IsActive: true},
		{ID: "prod-headphones", Name: "Headphones", Description: "Wireless, noise cancelling", PriceCents: 19900, TaxRatePct: 10, Stock: 100, IsActive: true},
		{ID: "prod-novel", Name: "Novel", Description: "Paperback fiction", PriceCents: 1500, TaxRatePct: 0, Stock: 200, IsActive: true},
		{ID: "prod-textbook", Name: "Textbook", Description: "Introductory algorithms", PriceCents: 4500, TaxRatePct: 0, Stock: 80, IsActive: true},
	}
}

// Seed заливает демонстрационный каталог.
func Seed(ctx context.Context, seeder Seeder, logger *log.Entry) (int, error) {
	if logger == nil {
		logger = log.WithField("component", "catalog-seed")
	}

	products := DemoProducts()
	inserted, err := seeder.SeedProducts(ctx, products)
	if err != nil {
		return 0, fmt.Errorf("seed demo catalog: %w", err)
	}

	logger.WithFields(log.Fields{
		"inserted": inserted,
		"skipped":  len(products) - inserted,
	}).Info("demo catalog seeded")
	return inserted, nil
}
