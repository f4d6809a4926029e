package services

import (
	"testing"
	"time"

	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/foodlink/marketplace-core/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedPricingStrategiesIsIdempotent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.offers.SeedPricingStrategies(f.ctx))
	var strategies, steps int
	require.NoError(t, f.db.QueryRowContext(f.ctx, "SELECT COUNT(*) FROM pricing_strategies").Scan(&strategies))
	require.NoError(t, f.db.QueryRowContext(f.ctx, "SELECT COUNT(*) FROM pricing_strategy_steps").Scan(&steps))

	require.NoError(t, f.offers.SeedPricingStrategies(f.ctx))
	var strategiesAgain, stepsAgain int
	require.NoError(t, f.db.QueryRowContext(f.ctx, "SELECT COUNT(*) FROM pricing_strategies").Scan(&strategiesAgain))
	require.NoError(t, f.db.QueryRowContext(f.ctx, "SELECT COUNT(*) FROM pricing_strategy_steps").Scan(&stepsAgain))

	assert.Equal(t, len(pricing.DefaultStrategies), strategies)
	assert.Equal(t, strategies, strategiesAgain)
	assert.Equal(t, 13, steps)
	assert.Equal(t, steps, stepsAgain)
}

func TestGetOfferView(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.offers.SeedPricingStrategies(f.ctx))
	def := pricing.DefaultStrategies[0]
	strategyID, err := f.store.UpsertStrategy(f.ctx, f.db, def.Name, def.Steps)
	require.NoError(t, err)

	expires := f.now.Add(2 * 24 * time.Hour)
	o := f.offer(intp(10), func(o *models.Offer) {
		o.PricingStrategyID = &strategyID
		o.ExpiresDate = &expires
		o.OriginalCost = decimal.NewNullDecimal(dec("50"))
		o.ReservedCount = 4
	})

	view, err := f.offers.GetOffer(f.ctx, o.ID)
	require.NoError(t, err)
	require.True(t, view.CurrentPrice.Valid)
	assert.True(t, dec("10").Equal(view.CurrentPrice.Decimal), "80%% off 50, got %s", view.CurrentPrice.Decimal)
	assert.Equal(t, 6, *view.AvailableQuantity)

	f.advance(3 * 24 * time.Hour)
	view, err = f.offers.GetOffer(f.ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, view.CurrentPrice.Valid, "expired offers have no price")

	_, err = f.offers.GetOffer(f.ctx, 404)
	assert.ErrorIs(t, err, ErrOfferNotFound)
}

func TestGetOfferUntrackedStock(t *testing.T) {
	f := newFixture(t)
	o := f.offer(nil)

	view, err := f.offers.GetOffer(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, view.AvailableQuantity)
	assert.True(t, dec("10").Equal(view.CurrentPrice.Decimal))
}
