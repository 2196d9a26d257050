package domain

import (
	"fmt"
	"sort"
	"time"
)

// InventoryBatch is one receipt of stock for a product.
type InventoryBatch struct {
	ID         string
	ProductID  string
	Capacity   int
	Quantity   int
	ExpiryDate *time.Time
	ReceivedAt time.Time
	Version    int // optimistic locking
}

// Headroom is how many units the batch can still absorb.
func (b InventoryBatch) Headroom() int {
	return b.Capacity - b.Quantity
}

func (b InventoryBatch) Validate() error {
	if b.Quantity < 0 || b.Quantity > b.Capacity {
		return fmt.Errorf("batch %s: quantity %d outside [0, %d]", b.ID, b.Quantity, b.Capacity)
	}
	return nil
}

// ConsumptionEntry records how much one order line took from one batch.
type ConsumptionEntry struct {
	BatchID string `json:"batch_id"`
	Amount  int    `json:"amount"`
}

// ConsumptionPlan is the ordered list of batches an order line drew from.
type ConsumptionPlan []ConsumptionEntry

func (p ConsumptionPlan) Total() int {
	total := 0
	for _, e := range p {
		total += e.Amount
	}
	return total
}

func (p ConsumptionPlan) BatchIDs() []string {
	ids := make([]string, 0, len(p))
	for _, e := range p {
		ids = append(ids, e.BatchID)
	}
	return ids
}

// FEFOLess orders the soonest expiry first; batches without an expiry go last.
// Receipt time and then id break ties.
func FEFOLess(a, b InventoryBatch) bool {
	switch {
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

func SortFEFO(batches []InventoryBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return FEFOLess(batches[i], batches[j])
	})
}

// StockLevel is the ledger view of one product.
type StockLevel struct {
	ProductID string
	Total     int
	Batches   []InventoryBatch
}

func NewStockLevel(productID string, batches []InventoryBatch) StockLevel {
	SortFEFO(batches)
	total := 0
	for _, b := range batches {
		total += b.Quantity
	}
	return StockLevel{ProductID: productID, Total: total, Batches: batches}
}

// ReconciliationWarning records stock that could not be returned to the
// batches of the plan it was taken from.
type ReconciliationWarning struct {
	ID         string
	OrderID    string
	ProductID  string
	Unrestored int
	Plan       ConsumptionPlan
	CreatedAt  time.Time
}
