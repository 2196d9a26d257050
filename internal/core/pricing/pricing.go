// Package pricing computes order-line prices. Every function is pure.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
)

// CurrencyPlaces is the precision line totals are rounded to.
const CurrencyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Price returns the breakdown for quantity units of product. Intermediate
// values keep full precision; only the line total is rounded, half-up.
func Price(product domain.Product, quantity int, tiers []domain.DiscountTier) (domain.LinePricing, error) {
	if err := validate(product, quantity, tiers); err != nil {
		return domain.LinePricing{}, err
	}

	priceExclTax := product.BasePrice
	taxAmount := priceExclTax.Mul(product.TaxRate).Div(hundred)
	priceInclTax := priceExclTax.Add(taxAmount)

	discountPct := decimal.Zero
	if product.VolumeDiscountEnabled {
		if tier, ok := SelectTier(tiers, quantity); ok {
			discountPct = tier.DiscountPercentage
		}
	}
	discountAmount := priceInclTax.Mul(discountPct).Div(hundred)
	netUnitPrice := priceInclTax.Sub(discountAmount)
	lineTotal := netUnitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(CurrencyPlaces)

	return domain.LinePricing{
		Quantity:             quantity,
		UnitPriceExclTax:     priceExclTax,
		TaxAmount:            taxAmount,
		UnitPriceInclTax:     priceInclTax,
		DiscountPercentage:   discountPct,
		VolumeDiscountAmount: discountAmount,
		NetUnitPrice:         netUnitPrice,
		LineTotal:            lineTotal,
	}, nil
}

// SelectTier picks the qualifying tier with the highest percentage. On equal
// percentages the earlier tier in the slice wins.
func SelectTier(tiers []domain.DiscountTier, quantity int) (domain.DiscountTier, bool) {
	var (
		best  domain.DiscountTier
		found bool
	)
	for _, tier := range tiers {
		if tier.MinQuantity > quantity {
			continue
		}
		if !found || tier.DiscountPercentage.GreaterThan(best.DiscountPercentage) {
			best = tier
			found = true
		}
	}
	return best, found
}

// OrderTotal sums the already rounded line totals.
func OrderTotal(lines []domain.OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal)
	}
	return total
}

func validate(product domain.Product, quantity int, tiers []domain.DiscountTier) error {
	if quantity <= 0 {
		return domain.NewValidationError("quantity", "must be at least 1")
	}
	if product.BasePrice.IsNegative() {
		return domain.NewValidationError("base_price", "must not be negative")
	}
	if !inPercentRange(product.TaxRate) {
		return domain.NewValidationError("tax_rate", "must be between 0 and 100")
	}
	for _, tier := range tiers {
		if tier.MinQuantity < 0 {
			return domain.NewValidationError("discount_tier.min_quantity", "must not be negative")
		}
		if !inPercentRange(tier.DiscountPercentage) {
			return domain.NewValidationError("discount_tier.discount_percentage", "must be between 0 and 100")
		}
	}
	return nil
}

func inPercentRange(v decimal.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(hundred)
}
