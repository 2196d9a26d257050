package port

import (
	"context"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
)

// LedgerRepository is the durable store behind the core: products, discount
// tiers, inventory batches, orders and the outbox.
type LedgerRepository interface {
	// RunInTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	// ListBatches reads every batch of a product without locking.
	ListBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error)

	// GetOrder reads an order without locking.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

// LedgerTx is the view of the ledger inside a transaction. Reads of batches
// and orders lock the rows where the store supports it.
type LedgerTx interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)

	// ListDiscountTiers returns every tier in insertion order.
	ListDiscountTiers(ctx context.Context) ([]domain.DiscountTier, error)

	// ListAvailableBatches returns batches with quantity > 0 in FEFO order.
	ListAvailableBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error)

	// GetBatches returns the batches that still exist, keyed by id.
	GetBatches(ctx context.Context, ids []string) (map[string]domain.InventoryBatch, error)

	CreateBatch(ctx context.Context, batch domain.InventoryBatch) error

	// UpdateBatch writes quantity if the stored version equals batch.Version
	// and bumps the version. A stale version yields domain.ErrConcurrentUpdate.
	UpdateBatch(ctx context.Context, batch domain.InventoryBatch) error

	CreateOrder(ctx context.Context, order domain.Order) error

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// UpdateOrder writes status, reason and updated_at with the same
	// compare-and-set rule as UpdateBatch.
	UpdateOrder(ctx context.Context, order domain.Order) error

	RecordReconciliation(ctx context.Context, warning domain.ReconciliationWarning) error

	AppendEvent(ctx context.Context, event domain.OrderEvent) error
}
