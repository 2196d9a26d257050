package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/port"
	"github.com/rl1809/wholesale-allocation/pkg/config"
)

const fefoOrder = "expiry_date IS NULL, expiry_date, received_at, id"

// OpenGorm connects to postgres or sqlite. MySQL goes through MySQLAdapter.
func OpenGorm(cfg config.DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case config.DriverPostgres:
		dialector = postgres.New(postgres.Config{
			DSN:                  cfg.DSN,
			PreferSimpleProtocol: true,
		})
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("gorm: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(
			log.New(io.Discard, "", log.LstdFlags),
			gormlogger.Config{LogLevel: gormlogger.Silent},
		),
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if dialector.Name() == config.DriverSQLite {
		// sqlite allows one writer; a single connection keeps writers in line.
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// GormAdapter is the ledger on top of gorm. Postgres rows are locked with
// FOR UPDATE; sqlite serializes writers on its own.
type GormAdapter struct {
	db       *gorm.DB
	lockRows bool
}

func NewGormAdapter(db *gorm.DB) *GormAdapter {
	return &GormAdapter{
		db:       db,
		lockRows: db.Dialector.Name() != config.DriverSQLite,
	}
}

// AutoMigrate builds the schema from the row models. Used for sqlite; the
// server databases run the goose migrations.
func (g *GormAdapter) AutoMigrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (g *GormAdapter) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormAdapter) RunInTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{db: tx, lockRows: g.lockRows})
	})
}

func (g *GormAdapter) ListBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	var rows []batchModel
	err := g.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order(fefoOrder).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	return toBatches(rows), nil
}

func (g *GormAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return (&gormTx{db: g.db.WithContext(ctx)}).GetOrder(ctx, orderID)
}

func (g *GormAdapter) UpsertProduct(ctx context.Context, p domain.Product) error {
	row := productModel{
		ID:                    p.ID,
		BasePrice:             p.BasePrice,
		TaxRate:               p.TaxRate,
		VolumeDiscountEnabled: p.VolumeDiscountEnabled,
		UnitCount:             p.UnitCount,
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"base_price", "tax_rate", "volume_discount_enabled", "unit_count"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (g *GormAdapter) AddDiscountTier(ctx context.Context, tier domain.DiscountTier) error {
	row := discountTierModel{
		ID:                 tier.ID,
		MinQuantity:        tier.MinQuantity,
		DiscountPercentage: tier.DiscountPercentage,
		CreatedAt:          tier.CreatedAt,
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert discount tier: %w", err)
	}
	return nil
}

func (g *GormAdapter) FetchUnpublished(ctx context.Context, limit int) ([]domain.OrderEvent, error) {
	var rows []eventModel
	err := g.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("seq").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := make([]domain.OrderEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toDomain())
	}
	return events, nil
}

func (g *GormAdapter) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := g.db.WithContext(ctx).
		Model(&eventModel{}).
		Where("id IN ?", ids).
		Update("published_at", at).Error
	if err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}

type gormTx struct {
	db       *gorm.DB
	lockRows bool
}

func (t *gormTx) locked() *gorm.DB {
	if t.lockRows {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func (t *gormTx) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	var row productModel
	err := t.db.WithContext(ctx).Where("id = ?", productID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product: %w", err)
	}
	return row.toDomain(), nil
}

func (t *gormTx) ListDiscountTiers(ctx context.Context) ([]domain.DiscountTier, error) {
	var rows []discountTierModel
	if err := t.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query discount tiers: %w", err)
	}

	tiers := make([]domain.DiscountTier, 0, len(rows))
	for _, r := range rows {
		tiers = append(tiers, domain.DiscountTier{
			ID:                 r.ID,
			MinQuantity:        r.MinQuantity,
			DiscountPercentage: r.DiscountPercentage,
			CreatedAt:          r.CreatedAt.UTC(),
		})
	}
	return tiers, nil
}

func (t *gormTx) ListAvailableBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	var rows []batchModel
	err := t.locked().WithContext(ctx).
		Where("product_id = ? AND quantity > 0", productID).
		Order(fefoOrder).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	return toBatches(rows), nil
}

func (t *gormTx) GetBatches(ctx context.Context, ids []string) (map[string]domain.InventoryBatch, error) {
	out := make(map[string]domain.InventoryBatch, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []batchModel
	err := t.locked().WithContext(ctx).
		Where("id IN ?", ids).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r.toDomain()
	}
	return out, nil
}

func (t *gormTx) CreateBatch(ctx context.Context, b domain.InventoryBatch) error {
	row := newBatchModel(b)
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (t *gormTx) UpdateBatch(ctx context.Context, b domain.InventoryBatch) error {
	result := t.db.WithContext(ctx).
		Model(&batchModel{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]any{
			"quantity": b.Quantity,
			"version":  gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("update batch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

func (t *gormTx) CreateOrder(ctx context.Context, order domain.Order) error {
	om, lines, allocs := newOrderModels(order)
	db := t.db.WithContext(ctx)

	if err := db.Create(&om).Error; err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if len(lines) > 0 {
		if err := db.Create(&lines).Error; err != nil {
			return fmt.Errorf("insert order lines: %w", err)
		}
	}
	if len(allocs) > 0 {
		if err := db.Create(&allocs).Error; err != nil {
			return fmt.Errorf("insert allocations: %w", err)
		}
	}
	return nil
}

func (t *gormTx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var om orderModel
	err := t.locked().WithContext(ctx).Where("id = ?", orderID).Take(&om).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	var lines []orderLineModel
	if err := t.db.WithContext(ctx).Where("order_id = ?", orderID).Order("line_no").Find(&lines).Error; err != nil {
		return nil, fmt.Errorf("query order lines: %w", err)
	}
	var allocs []allocationModel
	if err := t.db.WithContext(ctx).Where("order_id = ?", orderID).Order("line_no, seq").Find(&allocs).Error; err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}

	return om.toDomain(lines, allocs)
}

func (t *gormTx) UpdateOrder(ctx context.Context, order domain.Order) error {
	var reason any
	if order.CancellationReason != "" {
		reason = order.CancellationReason
	}
	result := t.db.WithContext(ctx).
		Model(&orderModel{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]any{
			"status":              order.Status.String(),
			"cancellation_reason": reason,
			"updated_at":          order.UpdatedAt,
			"version":             gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("update order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

func (t *gormTx) RecordReconciliation(ctx context.Context, w domain.ReconciliationWarning) error {
	row, err := newReconciliationModel(w)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert reconciliation warning: %w", err)
	}
	return nil
}

func (t *gormTx) AppendEvent(ctx context.Context, e domain.OrderEvent) error {
	row := eventModel{
		ID:        e.ID,
		OrderID:   e.OrderID,
		EventType: string(e.Type),
		Payload:   string(e.Payload),
		CreatedAt: e.CreatedAt,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func toBatches(rows []batchModel) []domain.InventoryBatch {
	batches := make([]domain.InventoryBatch, 0, len(rows))
	for _, r := range rows {
		batches = append(batches, r.toDomain())
	}
	return batches
}

func errUnknownLine(lineNo int, orderID string) error {
	return fmt.Errorf("allocation for unknown line %d of order %s", lineNo, orderID)
}
