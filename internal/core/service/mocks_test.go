package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/port"
)

// Mock LedgerRepository. Transactions are serialized and roll back by
// restoring a snapshot.
type mockLedger struct {
	mu sync.Mutex

	products map[string]domain.Product
	tiers    []domain.DiscountTier
	batches  map[string]domain.InventoryBatch
	orders   map[string]domain.Order
	warnings []domain.ReconciliationWarning
	events   []domain.OrderEvent

	// conflicts makes the next N batch writes lose a compare-and-set race
	conflicts int
	txCount   int
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		products: make(map[string]domain.Product),
		batches:  make(map[string]domain.InventoryBatch),
		orders:   make(map[string]domain.Order),
	}
}

func (m *mockLedger) addProduct(p domain.Product) {
	m.products[p.ID] = p
}

func (m *mockLedger) addBatch(b domain.InventoryBatch) {
	m.batches[b.ID] = b
}

func (m *mockLedger) stock(productID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.batches {
		if b.ProductID == productID {
			total += b.Quantity
		}
	}
	return total
}

type ledgerSnapshot struct {
	batches  map[string]domain.InventoryBatch
	orders   map[string]domain.Order
	warnings []domain.ReconciliationWarning
	events   []domain.OrderEvent
}

func (m *mockLedger) snapshot() ledgerSnapshot {
	s := ledgerSnapshot{
		batches:  make(map[string]domain.InventoryBatch, len(m.batches)),
		orders:   make(map[string]domain.Order, len(m.orders)),
		warnings: append([]domain.ReconciliationWarning(nil), m.warnings...),
		events:   append([]domain.OrderEvent(nil), m.events...),
	}
	for k, v := range m.batches {
		s.batches[k] = v
	}
	for k, v := range m.orders {
		s.orders[k] = v
	}
	return s
}

func (m *mockLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCount++

	snap := m.snapshot()
	if err := fn(ctx, &mockLedgerTx{m: m}); err != nil {
		m.batches = snap.batches
		m.orders = snap.orders
		m.warnings = snap.warnings
		m.events = snap.events
		return err
	}
	return nil
}

func (m *mockLedger) ListBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.InventoryBatch
	for _, b := range m.batches {
		if b.ProductID == productID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockLedger) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &order, nil
}

type mockLedgerTx struct {
	m *mockLedger
}

func (t *mockLedgerTx) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	p, ok := t.m.products[productID]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (t *mockLedgerTx) ListDiscountTiers(ctx context.Context) ([]domain.DiscountTier, error) {
	return append([]domain.DiscountTier(nil), t.m.tiers...), nil
}

func (t *mockLedgerTx) ListAvailableBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	var out []domain.InventoryBatch
	for _, b := range t.m.batches {
		if b.ProductID == productID && b.Quantity > 0 {
			out = append(out, b)
		}
	}
	domain.SortFEFO(out)
	return out, nil
}

func (t *mockLedgerTx) GetBatches(ctx context.Context, ids []string) (map[string]domain.InventoryBatch, error) {
	out := make(map[string]domain.InventoryBatch)
	for _, id := range ids {
		if b, ok := t.m.batches[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func (t *mockLedgerTx) CreateBatch(ctx context.Context, batch domain.InventoryBatch) error {
	t.m.batches[batch.ID] = batch
	return nil
}

func (t *mockLedgerTx) UpdateBatch(ctx context.Context, batch domain.InventoryBatch) error {
	if t.m.conflicts > 0 {
		t.m.conflicts--
		return domain.ErrConcurrentUpdate
	}
	stored, ok := t.m.batches[batch.ID]
	if !ok || stored.Version != batch.Version {
		return domain.ErrConcurrentUpdate
	}
	batch.Version++
	t.m.batches[batch.ID] = batch
	return nil
}

func (t *mockLedgerTx) CreateOrder(ctx context.Context, order domain.Order) error {
	t.m.orders[order.ID] = order
	return nil
}

func (t *mockLedgerTx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, ok := t.m.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &order, nil
}

func (t *mockLedgerTx) UpdateOrder(ctx context.Context, order domain.Order) error {
	stored, ok := t.m.orders[order.ID]
	if !ok || stored.Version != order.Version {
		return domain.ErrConcurrentUpdate
	}
	order.Version++
	t.m.orders[order.ID] = order
	return nil
}

func (t *mockLedgerTx) RecordReconciliation(ctx context.Context, warning domain.ReconciliationWarning) error {
	t.m.warnings = append(t.m.warnings, warning)
	return nil
}

func (t *mockLedgerTx) AppendEvent(ctx context.Context, event domain.OrderEvent) error {
	t.m.events = append(t.m.events, event)
	return nil
}

// Mock Locker
type mockLocker struct {
	mu    sync.Mutex
	held  sync.Mutex
	calls [][]string
}

func (l *mockLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	l.mu.Lock()
	l.calls = append(l.calls, sorted)
	l.mu.Unlock()

	l.held.Lock()
	return l.held.Unlock, nil
}

func (l *mockLocker) lastCall() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.calls) == 0 {
		return nil
	}
	return l.calls[len(l.calls)-1]
}

// Mock CacheRepository
type mockCacheRepo struct {
	mu     sync.Mutex
	values map[string]string

	// completeFailures makes the next N CompleteIdempotency calls fail
	completeFailures int
	completeCalls    int
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{values: make(map[string]string)}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = ""
	return true, nil
}

func (m *mockCacheRepo) GetIdempotency(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *mockCacheRepo) CompleteIdempotency(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls++
	if m.completeFailures > 0 {
		m.completeFailures--
		return errors.New("cache unavailable")
	}
	m.values[key] = value
	return nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
