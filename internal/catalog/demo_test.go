package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordercore/internal/catalog"
	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/memory"
)

func TestDemoProducts_AreValid(t *testing.T) {
	seen := make(map[string]struct{})
	for _, p := range catalog.DemoProducts() {
		require.NotEmpty(t, p.ID)
		require.NotContains(t, seen, p.ID)
		seen[p.ID] = struct{}{}

		require.True(t, p.IsActive, p.ID)
		require.Positive(t, p.PriceCents, p.ID)
		require.Positive(t, p.Stock, p.ID)
		require.GreaterOrEqual(t, p.TaxRatePct, int32(0), p.ID)
	}
	require.Len(t, seen, 5)
}

func TestSeed_DoesNotOverwriteStock(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	logger, hook := test.NewNullLogger()

	inserted, err := catalog.Seed(ctx, store, logger.WithField("component", "test"))
	require.NoError(t, err)
	require.Equal(t, 5, inserted)
	require.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)

	store.UpsertProduct(domain.Product{ID: "prod-novel", Name: "Novel", PriceCents: 1500, Stock: 1, IsActive: true})

	inserted, err = catalog.Seed(ctx, store, nil)
	require.NoError(t, err)
	require.Zero(t, inserted)

	novel, ok := store.Product("prod-novel")
	require.True(t, ok)
	require.Equal(t, int32(1), novel.Stock)
}

type failingSeeder struct{}

func (failingSeeder) SeedProducts(context.Context, []domain.Product) (int, error) {
	return 0, domain.ErrStorageTransient
}

func TestSeed_WrapsStorageError(t *testing.T) {
	_, err := catalog.Seed(context.Background(), failingSeeder{}, nil)
	require.True(t, errors.Is(err, domain.ErrStorageTransient))
}
