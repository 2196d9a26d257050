package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a read-only snapshot of a catalog entry.
type Product struct {
	ID                    string
	BasePrice             decimal.Decimal
	TaxRate               decimal.Decimal // percentage, 0..100
	VolumeDiscountEnabled bool
	UnitCount             int
}

// DiscountTier applies DiscountPercentage to lines of at least MinQuantity units.
// Tiers are global, not per product.
type DiscountTier struct {
	ID                 string
	MinQuantity        int
	DiscountPercentage decimal.Decimal
	CreatedAt          time.Time
}

// LinePricing is the frozen price breakdown of one order line.
type LinePricing struct {
	Quantity             int             `json:"quantity"`
	UnitPriceExclTax     decimal.Decimal `json:"unit_price_excl_tax"`
	TaxAmount            decimal.Decimal `json:"tax_amount"`
	UnitPriceInclTax     decimal.Decimal `json:"unit_price_incl_tax"`
	DiscountPercentage   decimal.Decimal `json:"discount_percentage"`
	VolumeDiscountAmount decimal.Decimal `json:"volume_discount_amount"`
	NetUnitPrice         decimal.Decimal `json:"net_unit_price"`
	LineTotal            decimal.Decimal `json:"line_total"`
}
