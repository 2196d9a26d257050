// Package allocation consumes stock from inventory batches in FEFO order and
// replays consumption plans to restore it.
package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/port"
	"github.com/rl1809/wholesale-allocation/pkg/logger"
	"github.com/rl1809/wholesale-allocation/pkg/metrics"
)

// PlanConsumption decides which batches quantity units come from. The
// returned batches carry their new quantity and their old version, ready for
// a compare-and-set write. Nothing is planned when stock is short.
func PlanConsumption(productID string, batches []domain.InventoryBatch, quantity int) (domain.ConsumptionPlan, []domain.InventoryBatch, error) {
	if quantity <= 0 {
		return nil, nil, domain.NewValidationError("quantity", "must be at least 1")
	}

	candidates := make([]domain.InventoryBatch, 0, len(batches))
	available := 0
	for _, b := range batches {
		if b.Quantity <= 0 {
			continue
		}
		candidates = append(candidates, b)
		available += b.Quantity
	}
	if available < quantity {
		return nil, nil, &domain.InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: available,
		}
	}
	domain.SortFEFO(candidates)

	var (
		plan      domain.ConsumptionPlan
		updated   []domain.InventoryBatch
		remaining = quantity
	)
	for _, b := range candidates {
		if remaining == 0 {
			break
		}
		take := min(b.Quantity, remaining)
		b.Quantity -= take
		remaining -= take
		plan = append(plan, domain.ConsumptionEntry{BatchID: b.ID, Amount: take})
		updated = append(updated, b)
	}
	return plan, updated, nil
}

// Restoration is the outcome of replaying a plan against current batches.
type Restoration struct {
	Updated    []domain.InventoryBatch
	Restored   int
	Unrestored int
}

// PlanRestoration walks the plan in consumption order. Each batch takes back
// what was drawn from it plus any carry, bounded by its headroom; whatever
// does not fit carries to the next batch. Batches missing from current are
// skipped and their amount carries too.
func PlanRestoration(plan domain.ConsumptionPlan, current map[string]domain.InventoryBatch) Restoration {
	working := make(map[string]domain.InventoryBatch, len(current))
	for id, b := range current {
		working[id] = b
	}

	var (
		res   Restoration
		order []string
		seen  = make(map[string]bool)
		carry int
	)
	for _, entry := range plan {
		carry += entry.Amount
		b, ok := working[entry.BatchID]
		if !ok {
			continue
		}
		amount := min(carry, b.Headroom())
		if amount <= 0 {
			continue
		}
		b.Quantity += amount
		working[b.ID] = b
		carry -= amount
		res.Restored += amount
		if !seen[b.ID] {
			seen[b.ID] = true
			order = append(order, b.ID)
		}
	}

	for _, id := range order {
		res.Updated = append(res.Updated, working[id])
	}
	res.Unrestored = carry
	return res
}

// RestoreResult reports what a restore put back. Warning is set when part of
// the plan had nowhere to go.
type RestoreResult struct {
	Restored int
	Warning  *domain.ReconciliationWarning
}

type Engine struct {
	logger  *logger.Logger
	metrics *metrics.AllocationMetrics
	now     func() time.Time
}

func NewEngine(logg *logger.Logger, m *metrics.AllocationMetrics) *Engine {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Engine{logger: logg, metrics: m, now: time.Now}
}

// WithClock replaces the time source used for reconciliation records.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Consume takes quantity units of productID from the ledger inside tx.
func (e *Engine) Consume(ctx context.Context, tx port.LedgerTx, productID string, quantity int) (domain.ConsumptionPlan, error) {
	batches, err := tx.ListAvailableBatches(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	plan, updated, err := PlanConsumption(productID, batches, quantity)
	if err != nil {
		return nil, err
	}

	for _, b := range updated {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return nil, fmt.Errorf("update batch %s: %w", b.ID, err)
		}
	}

	e.metrics.UnitsConsumed(plan.Total())
	return plan, nil
}

// Restore returns the units of plan to their batches. Units that cannot be
// placed are recorded as a reconciliation warning and do not fail the call.
func (e *Engine) Restore(ctx context.Context, tx port.LedgerTx, orderID, productID string, plan domain.ConsumptionPlan) (RestoreResult, error) {
	if len(plan) == 0 {
		return RestoreResult{}, nil
	}

	current, err := tx.GetBatches(ctx, plan.BatchIDs())
	if err != nil {
		return RestoreResult{}, fmt.Errorf("get batches: %w", err)
	}

	restoration := PlanRestoration(plan, current)
	for _, b := range restoration.Updated {
		if err := b.Validate(); err != nil {
			return RestoreResult{}, err
		}
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return RestoreResult{}, fmt.Errorf("update batch %s: %w", b.ID, err)
		}
	}
	e.metrics.UnitsRestored(restoration.Restored)

	result := RestoreResult{Restored: restoration.Restored}
	if restoration.Unrestored == 0 {
		return result, nil
	}

	warning := domain.ReconciliationWarning{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		ProductID:  productID,
		Unrestored: restoration.Unrestored,
		Plan:       plan,
		CreatedAt:  e.now().UTC(),
	}
	if err := tx.RecordReconciliation(ctx, warning); err != nil {
		return RestoreResult{}, fmt.Errorf("record reconciliation: %w", err)
	}
	event, err := domain.NewReconciliationEvent(warning)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("build reconciliation event: %w", err)
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return RestoreResult{}, fmt.Errorf("append reconciliation event: %w", err)
	}

	logCtx := e.logger.WithFields(ctx, map[string]any{
		"order_id":   orderID,
		"product_id": productID,
		"unrestored": restoration.Unrestored,
		"restored":   restoration.Restored,
	})
	e.logger.Warn(logCtx, "stock could not be fully restored, reconciliation required")
	e.metrics.ReconciliationRequired()

	result.Warning = &warning
	return result, nil
}
