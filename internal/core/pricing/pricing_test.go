package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func product(base, tax string, discounts bool) domain.Product {
	return domain.Product{
		ID:                    "p-1",
		BasePrice:             dec(base),
		TaxRate:               dec(tax),
		VolumeDiscountEnabled: discounts,
		UnitCount:             1,
	}
}

func TestPrice_NoTiers(t *testing.T) {
	got, err := Price(product("100", "25", true), 1, nil)
	require.NoError(t, err)

	assert.True(t, got.UnitPriceExclTax.Equal(dec("100")))
	assert.True(t, got.TaxAmount.Equal(dec("25")), "tax %s", got.TaxAmount)
	assert.True(t, got.UnitPriceInclTax.Equal(dec("125")), "incl %s", got.UnitPriceInclTax)
	assert.True(t, got.VolumeDiscountAmount.IsZero())
	assert.True(t, got.LineTotal.Equal(dec("125")), "total %s", got.LineTotal)
}

func TestPrice_HighestPercentageWins(t *testing.T) {
	tiers := []domain.DiscountTier{
		{ID: "t-5", MinQuantity: 5, DiscountPercentage: dec("5")},
		{ID: "t-10", MinQuantity: 10, DiscountPercentage: dec("3")},
	}

	got, err := Price(product("100", "25", true), 12, tiers)
	require.NoError(t, err)

	assert.True(t, got.DiscountPercentage.Equal(dec("5")))
	assert.True(t, got.VolumeDiscountAmount.Equal(dec("6.25")), "discount %s", got.VolumeDiscountAmount)
	assert.True(t, got.NetUnitPrice.Equal(dec("118.75")))
	assert.True(t, got.LineTotal.Equal(dec("1425")), "total %s", got.LineTotal)
}

func TestPrice_LaterLowerThresholdTierWins(t *testing.T) {
	tiers := []domain.DiscountTier{
		{ID: "old", MinQuantity: 50, DiscountPercentage: dec("4")},
		{ID: "new", MinQuantity: 10, DiscountPercentage: dec("8")},
	}

	got, err := Price(product("10", "0", true), 60, tiers)
	require.NoError(t, err)
	assert.True(t, got.DiscountPercentage.Equal(dec("8")))
}

func TestPrice_ProductNotOptedIn(t *testing.T) {
	tiers := []domain.DiscountTier{{MinQuantity: 1, DiscountPercentage: dec("50")}}

	got, err := Price(product("10", "10", false), 3, tiers)
	require.NoError(t, err)
	assert.True(t, got.VolumeDiscountAmount.IsZero())
	assert.True(t, got.LineTotal.Equal(dec("33")), "total %s", got.LineTotal)
}

func TestPrice_NoTierMatches(t *testing.T) {
	tiers := []domain.DiscountTier{{MinQuantity: 100, DiscountPercentage: dec("10")}}

	got, err := Price(product("10", "0", true), 99, tiers)
	require.NoError(t, err)
	assert.True(t, got.DiscountPercentage.IsZero())
	assert.True(t, got.LineTotal.Equal(dec("990")))
}

func TestPrice_RoundsOnlyTheLineTotal(t *testing.T) {
	// 0.333 * 1.07 = 0.35631 per unit; 3 units = 1.06893 -> 1.07
	got, err := Price(product("0.333", "7", true), 3, nil)
	require.NoError(t, err)

	assert.True(t, got.UnitPriceInclTax.Equal(dec("0.35631")), "incl %s", got.UnitPriceInclTax)
	assert.Equal(t, "1.07", got.LineTotal.StringFixed(2))
}

func TestPrice_RoundHalfUp(t *testing.T) {
	// 0.125 * 1 = 0.125 -> 0.13
	got, err := Price(product("0.125", "0", true), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.13", got.LineTotal.StringFixed(2))
}

func TestPrice_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		product domain.Product
		qty     int
		tiers   []domain.DiscountTier
		field   string
	}{
		{"zero quantity", product("10", "10", true), 0, nil, "quantity"},
		{"negative quantity", product("10", "10", true), -3, nil, "quantity"},
		{"negative base price", product("-1", "10", true), 1, nil, "base_price"},
		{"negative tax", product("10", "-0.01", true), 1, nil, "tax_rate"},
		{"tax above 100", product("10", "100.5", true), 1, nil, "tax_rate"},
		{"bad tier percentage", product("10", "10", true), 1,
			[]domain.DiscountTier{{MinQuantity: 1, DiscountPercentage: dec("101")}}, "discount_tier.discount_percentage"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Price(tc.product, tc.qty, tc.tiers)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))

			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestPrice_BoundaryTaxRatesAccepted(t *testing.T) {
	_, err := Price(product("10", "0", true), 1, nil)
	assert.NoError(t, err)
	got, err := Price(product("10", "100", true), 1, nil)
	require.NoError(t, err)
	assert.True(t, got.LineTotal.Equal(dec("20")))
}

func TestSelectTier_TieKeepsEarliest(t *testing.T) {
	tiers := []domain.DiscountTier{
		{ID: "first", MinQuantity: 5, DiscountPercentage: dec("5")},
		{ID: "second", MinQuantity: 2, DiscountPercentage: dec("5.00")},
	}

	tier, ok := SelectTier(tiers, 10)
	require.True(t, ok)
	assert.Equal(t, "first", tier.ID)

	_, ok = SelectTier(tiers, 1)
	assert.False(t, ok)
}

func TestOrderTotal(t *testing.T) {
	lines := []domain.OrderLine{
		{LinePricing: domain.LinePricing{LineTotal: dec("10.10")}},
		{LinePricing: domain.LinePricing{LineTotal: dec("0.05")}},
	}
	assert.Equal(t, "10.15", OrderTotal(lines).StringFixed(2))
}
