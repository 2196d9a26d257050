package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/core/pricing"
	"github.com/rl1809/wholesale-allocation/internal/core/service"
	"github.com/rl1809/wholesale-allocation/internal/port"
	"github.com/rl1809/wholesale-allocation/pkg/config"
)

var (
	t0  = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	jan = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
)

func newSQLiteAdapter(t *testing.T) *GormAdapter {
	t.Helper()

	db, err := OpenGorm(config.DBConfig{
		Driver: config.DriverSQLite,
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)

	adapter := NewGormAdapter(db)
	require.NoError(t, adapter.AutoMigrate(context.Background()))
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func seedProduct(t *testing.T, g *GormAdapter, id string, batches ...domain.InventoryBatch) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, g.UpsertProduct(ctx, domain.Product{
		ID:        id,
		BasePrice: decimal.NewFromInt(100),
		TaxRate:   decimal.NewFromInt(25),
		UnitCount: 1,
	}))
	require.NoError(t, g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		for _, b := range batches {
			b.ProductID = id
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestGormAdapter_BatchesInFEFOOrder(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()

	seedProduct(t, g, "p1",
		domain.InventoryBatch{ID: "open", Capacity: 4, Quantity: 4, ReceivedAt: t0},
		domain.InventoryBatch{ID: "feb", Capacity: 5, Quantity: 5, ExpiryDate: &feb, ReceivedAt: t0},
		domain.InventoryBatch{ID: "jan-empty", Capacity: 5, Quantity: 0, ExpiryDate: &jan, ReceivedAt: t0},
		domain.InventoryBatch{ID: "jan", Capacity: 5, Quantity: 2, ExpiryDate: &jan, ReceivedAt: t0.Add(time.Hour)},
	)

	var available []domain.InventoryBatch
	require.NoError(t, g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		available, err = tx.ListAvailableBatches(ctx, "p1")
		return err
	}))
	assert.Equal(t, []string{"jan", "feb", "open"}, batchIDs(available))
	require.NotNil(t, available[0].ExpiryDate)
	assert.True(t, available[0].ExpiryDate.Equal(jan))
	assert.Nil(t, available[2].ExpiryDate)

	all, err := g.ListBatches(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"jan-empty", "jan", "feb", "open"}, batchIDs(all))
}

func TestGormAdapter_UpdateBatchCompareAndSet(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()
	seedProduct(t, g, "p1", domain.InventoryBatch{ID: "b1", Capacity: 10, Quantity: 10, ReceivedAt: t0})

	err := g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		return tx.UpdateBatch(ctx, domain.InventoryBatch{ID: "b1", Quantity: 7, Version: 0})
	})
	require.NoError(t, err)

	err = g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		return tx.UpdateBatch(ctx, domain.InventoryBatch{ID: "b1", Quantity: 1, Version: 0})
	})
	assert.True(t, errors.Is(err, domain.ErrConcurrentUpdate))

	batches, err := g.ListBatches(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 7, batches[0].Quantity)
	assert.Equal(t, 1, batches[0].Version)
}

func TestGormAdapter_RollbackOnError(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()
	seedProduct(t, g, "p1", domain.InventoryBatch{ID: "b1", Capacity: 10, Quantity: 10, ReceivedAt: t0})

	boom := errors.New("boom")
	err := g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		if err := tx.UpdateBatch(ctx, domain.InventoryBatch{ID: "b1", Quantity: 0}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	batches, err := g.ListBatches(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, batches[0].Quantity)
}

func TestGormAdapter_OrderRoundTrip(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()

	order := domain.Order{
		ID:          "o1",
		TotalAmount: decimal.RequireFromString("256.25"),
		Status:      domain.OrderStatusPending,
		CreatedAt:   t0,
		UpdatedAt:   t0,
		Lines: []domain.OrderLine{
			{
				ProductID: "p1",
				LinePricing: domain.LinePricing{
					Quantity:         2,
					UnitPriceExclTax: decimal.NewFromInt(100),
					TaxAmount:        decimal.NewFromInt(25),
					UnitPriceInclTax: decimal.NewFromInt(125),
					NetUnitPrice:     decimal.NewFromInt(125),
					LineTotal:        decimal.NewFromInt(250),
				},
				Plan: domain.ConsumptionPlan{{BatchID: "b1", Amount: 1}, {BatchID: "b2", Amount: 1}},
			},
			{
				ProductID: "p2",
				LinePricing: domain.LinePricing{
					Quantity:  1,
					LineTotal: decimal.RequireFromString("6.25"),
				},
				Plan: domain.ConsumptionPlan{{BatchID: "c1", Amount: 1}},
			},
		},
	}
	require.NoError(t, g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		return tx.CreateOrder(ctx, order)
	}))

	got, err := g.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
	assert.True(t, got.TotalAmount.Equal(order.TotalAmount))
	assert.True(t, got.CreatedAt.Equal(t0))
	require.Len(t, got.Lines, 2)
	assert.Equal(t, "p1", got.Lines[0].ProductID)
	assert.Equal(t, order.Lines[0].Plan, got.Lines[0].Plan)
	assert.Equal(t, order.Lines[1].Plan, got.Lines[1].Plan)
	assert.True(t, got.Lines[0].UnitPriceInclTax.Equal(decimal.NewFromInt(125)))

	got.Status = domain.OrderStatusCancelled
	got.CancellationReason = "customer request"
	got.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		return tx.UpdateOrder(ctx, *got)
	}))

	err = g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		return tx.UpdateOrder(ctx, *got)
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate, "stale version must be rejected")

	reloaded, err := g.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, reloaded.Status)
	assert.Equal(t, "customer request", reloaded.CancellationReason)
	assert.Equal(t, 1, reloaded.Version)

	_, err = g.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

// fractionalOrder prices a line whose intermediates carry fourteen decimal
// places, past what a scale-10 column keeps.
func fractionalOrder(t *testing.T, id string) domain.Order {
	t.Helper()
	line, err := pricing.Price(domain.Product{
		ID:                    "p1",
		BasePrice:             decimal.RequireFromString("19.99"),
		TaxRate:               decimal.RequireFromString("33.3333"),
		VolumeDiscountEnabled: true,
		UnitCount:             1,
	}, 3, []domain.DiscountTier{{MinQuantity: 1, DiscountPercentage: decimal.RequireFromString("7.7777")}})
	require.NoError(t, err)
	require.Greater(t, -line.VolumeDiscountAmount.Exponent(), int32(10))

	return domain.Order{
		ID:          id,
		TotalAmount: line.LineTotal,
		Status:      domain.OrderStatusPending,
		CreatedAt:   t0,
		UpdatedAt:   t0,
		Lines: []domain.OrderLine{{
			ProductID:   "p1",
			LinePricing: line,
			Plan:        domain.ConsumptionPlan{{BatchID: "b1", Amount: 3}},
		}},
	}
}

func assertSamePricing(t *testing.T, want, got domain.LinePricing) {
	t.Helper()
	assert.Equal(t, want.Quantity, got.Quantity)
	fields := []struct {
		name      string
		want, got decimal.Decimal
	}{
		{"unit_price_excl_tax", want.UnitPriceExclTax, got.UnitPriceExclTax},
		{"tax_amount", want.TaxAmount, got.TaxAmount},
		{"unit_price_incl_tax", want.UnitPriceInclTax, got.UnitPriceInclTax},
		{"discount_percentage", want.DiscountPercentage, got.DiscountPercentage},
		{"volume_discount_amount", want.VolumeDiscountAmount, got.VolumeDiscountAmount},
		{"net_unit_price", want.NetUnitPrice, got.NetUnitPrice},
		{"line_total", want.LineTotal, got.LineTotal},
	}
	for _, f := range fields {
		assert.Truef(t, f.want.Equal(f.got), "%s: want %s, got %s", f.name, f.want, f.got)
	}
}

func TestGormAdapter_OrderKeepsFullPricingPrecision(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()

	order := fractionalOrder(t, "o-fraction")
	require.NoError(t, g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		return tx.CreateOrder(ctx, order)
	}))

	got, err := g.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	assertSamePricing(t, order.Lines[0].LinePricing, got.Lines[0].LinePricing)
	assert.True(t, got.TotalAmount.Equal(order.TotalAmount))
}

func TestGormAdapter_ProductsAndTiers(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()

	require.NoError(t, g.UpsertProduct(ctx, domain.Product{ID: "p1", BasePrice: decimal.NewFromInt(10), UnitCount: 1}))
	require.NoError(t, g.UpsertProduct(ctx, domain.Product{
		ID:                    "p1",
		BasePrice:             decimal.NewFromInt(12),
		TaxRate:               decimal.NewFromInt(20),
		VolumeDiscountEnabled: true,
		UnitCount:             6,
	}))

	require.NoError(t, g.AddDiscountTier(ctx, domain.DiscountTier{ID: "t-late", MinQuantity: 10, DiscountPercentage: decimal.NewFromInt(3), CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, g.AddDiscountTier(ctx, domain.DiscountTier{ID: "t-early", MinQuantity: 5, DiscountPercentage: decimal.NewFromInt(5), CreatedAt: t0}))

	require.NoError(t, g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		p, err := tx.GetProduct(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, p.BasePrice.Equal(decimal.NewFromInt(12)))
		assert.True(t, p.TaxRate.Equal(decimal.NewFromInt(20)))
		assert.True(t, p.VolumeDiscountEnabled)
		assert.Equal(t, 6, p.UnitCount)

		_, err = tx.GetProduct(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrProductNotFound)

		tiers, err := tx.ListDiscountTiers(ctx)
		require.NoError(t, err)
		require.Len(t, tiers, 2)
		assert.Equal(t, "t-early", tiers[0].ID)
		assert.Equal(t, "t-late", tiers[1].ID)
		return nil
	}))
}

func TestGormAdapter_OutboxInWriteOrder(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()

	require.NoError(t, g.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		for _, id := range []string{"e1", "e2", "e3"} {
			err := tx.AppendEvent(ctx, domain.OrderEvent{
				ID:        id,
				OrderID:   "o1",
				Type:      domain.EventOrderPlaced,
				Payload:   []byte(`{"order_id":"o1"}`),
				CreatedAt: t0,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	events, err := g.FetchUnpublished(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
	assert.JSONEq(t, `{"order_id":"o1"}`, string(events[0].Payload))

	require.NoError(t, g.MarkPublished(ctx, []string{"e1", "e2"}, t0.Add(time.Minute)))
	require.NoError(t, g.MarkPublished(ctx, nil, t0))

	events, err = g.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e3", events[0].ID)
}

func newGormOrderService(t *testing.T, g *GormAdapter) *service.OrderService {
	t.Helper()
	svc, err := service.NewOrderService(service.Dependencies{
		Ledger: g,
		Locker: NewMemoryLocker(),
	}, service.Config{MaxConflictRetries: 3})
	require.NoError(t, err)
	return svc
}

func TestGormAdapter_PlaceAndCancelRestoresStock(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()
	seedProduct(t, g, "p1",
		domain.InventoryBatch{ID: "b1", Capacity: 5, Quantity: 5, ExpiryDate: &jan, ReceivedAt: t0},
		domain.InventoryBatch{ID: "b2", Capacity: 10, Quantity: 10, ExpiryDate: &feb, ReceivedAt: t0},
	)
	svc := newGormOrderService(t, g)

	order, err := svc.PlaceOrder(ctx, []service.LineRequest{{ProductID: "p1", Quantity: 7}})
	require.NoError(t, err)
	assert.True(t, order.TotalAmount.Equal(decimal.NewFromInt(875)))
	assert.Equal(t, domain.ConsumptionPlan{{BatchID: "b1", Amount: 5}, {BatchID: "b2", Amount: 2}}, order.Lines[0].Plan)

	batches, err := g.ListBatches(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, batches[0].Quantity)
	assert.Equal(t, 8, batches[1].Quantity)

	_, err = svc.PlaceOrder(ctx, []service.LineRequest{{ProductID: "p1", Quantity: 9}})
	var short *domain.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 8, short.Available)

	cancelled, err := svc.TransitionOrderStatus(ctx, order.ID, domain.OrderStatusCancelled, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	batches, err = g.ListBatches(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, batches[0].Quantity)
	assert.Equal(t, 10, batches[1].Quantity)

	events, err := g.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOrderPlaced, events[0].Type)
	assert.Equal(t, domain.EventOrderStatusChanged, events[1].Type)
}

func TestGormAdapter_CancelWithMissingBatchRecordsWarning(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()
	seedProduct(t, g, "p1", domain.InventoryBatch{ID: "b1", Capacity: 3, Quantity: 3, ReceivedAt: t0})
	svc := newGormOrderService(t, g)

	order, err := svc.PlaceOrder(ctx, []service.LineRequest{{ProductID: "p1", Quantity: 3}})
	require.NoError(t, err)

	require.NoError(t, g.db.Where("id = ?", "b1").Delete(&batchModel{}).Error)

	_, err = svc.TransitionOrderStatus(ctx, order.ID, domain.OrderStatusCancelled, "damaged")
	require.NoError(t, err, "a missing batch must not block the cancellation")

	var warnings []reconciliationModel
	require.NoError(t, g.db.Find(&warnings).Error)
	require.Len(t, warnings, 1)
	assert.Equal(t, order.ID, warnings[0].OrderID)
	assert.Equal(t, 3, warnings[0].Unrestored)
	assert.JSONEq(t, `[{"batch_id":"b1","amount":3}]`, warnings[0].Plan)

	events, err := g.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	types := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventOrderPlaced,
		domain.EventReconciliationRequired,
		domain.EventOrderStatusChanged,
	}, types)
}

func TestGormAdapter_ConcurrentPlacementsNeverOversell(t *testing.T) {
	g := newSQLiteAdapter(t)
	ctx := context.Background()
	seedProduct(t, g, "p1",
		domain.InventoryBatch{ID: "b1", Capacity: 3, Quantity: 3, ExpiryDate: &jan, ReceivedAt: t0},
		domain.InventoryBatch{ID: "b2", Capacity: 2, Quantity: 2, ReceivedAt: t0},
	)
	svc := newGormOrderService(t, g)

	var succeeded, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PlaceOrder(ctx, []service.LineRequest{{ProductID: "p1", Quantity: 1}})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), succeeded.Load())
	assert.Equal(t, int32(7), rejected.Load())

	batches, err := g.ListBatches(ctx, "p1")
	require.NoError(t, err)
	for _, b := range batches {
		assert.Zero(t, b.Quantity, "batch %s", b.ID)
	}
}

func batchIDs(batches []domain.InventoryBatch) []string {
	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.ID)
	}
	return ids
}
