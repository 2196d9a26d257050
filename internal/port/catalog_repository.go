package port

import (
	"context"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
)

// CatalogRepository mirrors catalog data owned by the surrounding platform
// into the ledger store. The core only reads it.
type CatalogRepository interface {
	UpsertProduct(ctx context.Context, product domain.Product) error
	AddDiscountTier(ctx context.Context, tier domain.DiscountTier) error
}
