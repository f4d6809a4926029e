// Package pricing evaluates dynamic, time-decaying offer prices.
package pricing

import (
	"time"

	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/shopspring/decimal"
)

const day = 24 * 60 * 60

var hundred = decimal.NewFromInt(100)

// PriceAt returns the unit price of offer at now.
//
// strategy is the offer's pricing strategy as loaded by the caller: nil
// means it could not be loaded, and StepsLoaded=false means its steps
// could not be. The result is invalid when no price can be determined,
// which includes every offer whose expiry has passed.
func PriceAt(offer models.Offer, strategy *models.PricingStrategy, now time.Time) decimal.NullDecimal {
	if offer.PricingStrategyID == nil {
		return offer.CurrentCost
	}
	if strategy == nil {
		return offer.CurrentCost
	}
	if !strategy.StepsLoaded {
		return offer.OriginalCost
	}
	if offer.ExpiresDate == nil {
		return offer.CurrentCost
	}
	if now.After(*offer.ExpiresDate) {
		return decimal.NullDecimal{}
	}
	if !offer.OriginalCost.Valid {
		return offer.CurrentCost
	}
	if len(strategy.Steps) == 0 {
		return offer.OriginalCost
	}

	remaining := int64(offer.ExpiresDate.Sub(now) / time.Second)
	discount := DiscountAt(strategy.Steps, remaining)

	price := offer.OriginalCost.Decimal.Mul(decimal.NewFromInt(1).Sub(discount.Div(hundred)))
	if price.IsNegative() {
		price = decimal.Zero
	}
	return decimal.NewNullDecimal(price.Round(2))
}

// DiscountAt returns the discount percent in force with remaining seconds
// left: the step with the smallest threshold that has already been
// reached (threshold >= remaining). Before the first threshold is reached
// the discount is zero.
func DiscountAt(steps []models.PricingStrategyStep, remaining int64) decimal.Decimal {
	var (
		best  *models.PricingStrategyStep
		found bool
	)
	for i := range steps {
		step := &steps[i]
		if step.TimeRemainingSeconds < remaining {
			continue
		}
		if !found || step.TimeRemainingSeconds < best.TimeRemainingSeconds {
			best = step
			found = true
		}
	}
	if !found {
		return decimal.Zero
	}
	return best.DiscountPercent
}

// Definition is a named step schedule used for seeding.
type Definition struct {
	Name  string
	Steps []models.PricingStrategyStep
}

func step(days int64, percent int64) models.PricingStrategyStep {
	return models.PricingStrategyStep{
		TimeRemainingSeconds: days * day,
		DiscountPercent:      decimal.NewFromInt(percent),
	}
}

// DefaultStrategies are installed at start-up.
var DefaultStrategies = []Definition{
	{
		Name: "Last week",
		Steps: []models.PricingStrategyStep{
			step(7, 30), step(6, 40), step(5, 50), step(4, 60), step(3, 70), step(2, 80), step(1, 90),
		},
	},
	{
		Name: "Soft reduction",
		Steps: []models.PricingStrategyStep{
			step(14, 10), step(10, 20), step(7, 30), step(4, 40), step(2, 50), step(1, 60),
		},
	},
}
