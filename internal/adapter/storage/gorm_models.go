package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
)

// Row models for the gorm adapter. Column names match the goose migrations;
// the gorm tags only matter where AutoMigrate builds the schema (sqlite).

type productModel struct {
	ID                    string          `gorm:"primaryKey;size:64"`
	Name                  string          `gorm:"size:255;not null;default:''"`
	BasePrice             decimal.Decimal `gorm:"type:numeric(19,4);not null"`
	TaxRate               decimal.Decimal `gorm:"type:numeric(7,4);not null"`
	VolumeDiscountEnabled bool            `gorm:"not null;default:false"`
	UnitCount             int             `gorm:"not null;default:1"`
	CreatedAt             time.Time
}

func (productModel) TableName() string { return "products" }

func (m productModel) toDomain() domain.Product {
	return domain.Product{
		ID:                    m.ID,
		BasePrice:             m.BasePrice,
		TaxRate:               m.TaxRate,
		VolumeDiscountEnabled: m.VolumeDiscountEnabled,
		UnitCount:             m.UnitCount,
	}
}

type discountTierModel struct {
	ID                 string          `gorm:"primaryKey;size:64"`
	MinQuantity        int             `gorm:"not null"`
	DiscountPercentage decimal.Decimal `gorm:"type:numeric(7,4);not null"`
	CreatedAt          time.Time       `gorm:"index:idx_discount_tiers_created"`
}

func (discountTierModel) TableName() string { return "discount_tiers" }

type batchModel struct {
	ID         string     `gorm:"primaryKey;size:64"`
	ProductID  string     `gorm:"size:64;not null;index:idx_inventory_batches_fefo,priority:1"`
	Capacity   int        `gorm:"not null"`
	Quantity   int        `gorm:"not null;check:chk_inventory_batches_quantity,quantity >= 0 AND quantity <= capacity"`
	ExpiryDate *time.Time `gorm:"index:idx_inventory_batches_fefo,priority:2"`
	ReceivedAt time.Time  `gorm:"not null;index:idx_inventory_batches_fefo,priority:3"`
	Version    int        `gorm:"not null;default:0"`
}

func (batchModel) TableName() string { return "inventory_batches" }

func newBatchModel(b domain.InventoryBatch) batchModel {
	return batchModel{
		ID:         b.ID,
		ProductID:  b.ProductID,
		Capacity:   b.Capacity,
		Quantity:   b.Quantity,
		ExpiryDate: b.ExpiryDate,
		ReceivedAt: b.ReceivedAt,
		Version:    b.Version,
	}
}

func (m batchModel) toDomain() domain.InventoryBatch {
	b := domain.InventoryBatch{
		ID:         m.ID,
		ProductID:  m.ProductID,
		Capacity:   m.Capacity,
		Quantity:   m.Quantity,
		ReceivedAt: m.ReceivedAt.UTC(),
		Version:    m.Version,
	}
	if m.ExpiryDate != nil {
		exp := m.ExpiryDate.UTC()
		b.ExpiryDate = &exp
	}
	return b
}

type orderModel struct {
	ID                 string          `gorm:"primaryKey;size:64"`
	TotalAmount        decimal.Decimal `gorm:"type:numeric(19,2);not null"`
	Status             string          `gorm:"size:16;not null;index"`
	CancellationReason *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int `gorm:"not null;default:0"`
}

func (orderModel) TableName() string { return "orders" }

type orderLineModel struct {
	OrderID              string          `gorm:"primaryKey;size:64"`
	LineNo               int             `gorm:"primaryKey;autoIncrement:false"`
	ProductID            string          `gorm:"size:64;not null"`
	Quantity             int             `gorm:"not null"`
	UnitPriceExclTax     decimal.Decimal `gorm:"type:numeric(38,16);not null"`
	TaxAmount            decimal.Decimal `gorm:"type:numeric(38,16);not null"`
	UnitPriceInclTax     decimal.Decimal `gorm:"type:numeric(38,16);not null"`
	DiscountPercentage   decimal.Decimal `gorm:"type:numeric(7,4);not null"`
	VolumeDiscountAmount decimal.Decimal `gorm:"type:numeric(38,16);not null"`
	NetUnitPrice         decimal.Decimal `gorm:"type:numeric(38,16);not null"`
	LineTotal            decimal.Decimal `gorm:"type:numeric(19,2);not null"`
}

func (orderLineModel) TableName() string { return "order_lines" }

type allocationModel struct {
	OrderID string `gorm:"primaryKey;size:64"`
	LineNo  int    `gorm:"primaryKey;autoIncrement:false"`
	Seq     int    `gorm:"primaryKey;autoIncrement:false"`
	BatchID string `gorm:"size:64;not null"`
	Amount  int    `gorm:"not null"`
}

func (allocationModel) TableName() string { return "order_line_allocations" }

func newOrderModels(order domain.Order) (orderModel, []orderLineModel, []allocationModel) {
	om := orderModel{
		ID:          order.ID,
		TotalAmount: order.TotalAmount,
		Status:      order.Status.String(),
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
		Version:     order.Version,
	}
	if order.CancellationReason != "" {
		reason := order.CancellationReason
		om.CancellationReason = &reason
	}

	var (
		lines  []orderLineModel
		allocs []allocationModel
	)
	for i, l := range order.Lines {
		lines = append(lines, orderLineModel{
			OrderID:              order.ID,
			LineNo:               i,
			ProductID:            l.ProductID,
			Quantity:             l.Quantity,
			UnitPriceExclTax:     l.UnitPriceExclTax,
			TaxAmount:            l.TaxAmount,
			UnitPriceInclTax:     l.UnitPriceInclTax,
			DiscountPercentage:   l.DiscountPercentage,
			VolumeDiscountAmount: l.VolumeDiscountAmount,
			NetUnitPrice:         l.NetUnitPrice,
			LineTotal:            l.LineTotal,
		})
		for seq, entry := range l.Plan {
			allocs = append(allocs, allocationModel{
				OrderID: order.ID,
				LineNo:  i,
				Seq:     seq,
				BatchID: entry.BatchID,
				Amount:  entry.Amount,
			})
		}
	}
	return om, lines, allocs
}

func (m orderModel) toDomain(lines []orderLineModel, allocs []allocationModel) (*domain.Order, error) {
	order := &domain.Order{
		ID:          m.ID,
		TotalAmount: m.TotalAmount,
		Status:      domain.OrderStatus(m.Status),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		Version:     m.Version,
	}
	if m.CancellationReason != nil {
		order.CancellationReason = *m.CancellationReason
	}
	for _, l := range lines {
		order.Lines = append(order.Lines, domain.OrderLine{
			ProductID: l.ProductID,
			LinePricing: domain.LinePricing{
				Quantity:             l.Quantity,
				UnitPriceExclTax:     l.UnitPriceExclTax,
				TaxAmount:            l.TaxAmount,
				UnitPriceInclTax:     l.UnitPriceInclTax,
				DiscountPercentage:   l.DiscountPercentage,
				VolumeDiscountAmount: l.VolumeDiscountAmount,
				NetUnitPrice:         l.NetUnitPrice,
				LineTotal:            l.LineTotal,
			},
		})
	}
	for _, a := range allocs {
		if a.LineNo < 0 || a.LineNo >= len(order.Lines) {
			return nil, errUnknownLine(a.LineNo, m.ID)
		}
		order.Lines[a.LineNo].Plan = append(order.Lines[a.LineNo].Plan, domain.ConsumptionEntry{
			BatchID: a.BatchID,
			Amount:  a.Amount,
		})
	}
	return order, nil
}

type reconciliationModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	OrderID    string `gorm:"size:64;not null;index"`
	ProductID  string `gorm:"size:64;not null"`
	Unrestored int    `gorm:"not null"`
	Plan       string `gorm:"type:text;not null"`
	CreatedAt  time.Time
}

func (reconciliationModel) TableName() string { return "reconciliation_warnings" }

func newReconciliationModel(w domain.ReconciliationWarning) (reconciliationModel, error) {
	plan, err := json.Marshal(w.Plan)
	if err != nil {
		return reconciliationModel{}, err
	}
	return reconciliationModel{
		ID:         w.ID,
		OrderID:    w.OrderID,
		ProductID:  w.ProductID,
		Unrestored: w.Unrestored,
		Plan:       string(plan),
		CreatedAt:  w.CreatedAt,
	}, nil
}

type eventModel struct {
	Seq         int64  `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"size:64;not null;uniqueIndex"`
	OrderID     string `gorm:"size:64;not null"`
	EventType   string `gorm:"size:64;not null"`
	Payload     string `gorm:"type:text;not null"`
	CreatedAt   time.Time
	PublishedAt *time.Time `gorm:"index"`
}

func (eventModel) TableName() string { return "order_events" }

func (m eventModel) toDomain() domain.OrderEvent {
	return domain.OrderEvent{
		ID:          m.ID,
		OrderID:     m.OrderID,
		Type:        domain.EventType(m.EventType),
		Payload:     json.RawMessage(m.Payload),
		CreatedAt:   m.CreatedAt.UTC(),
		PublishedAt: m.PublishedAt,
	}
}

// models lists every table the gorm adapter owns, in dependency order.
func models() []any {
	return []any{
		&productModel{},
		&discountTierModel{},
		&batchModel{},
		&orderModel{},
		&orderLineModel{},
		&allocationModel{},
		&reconciliationModel{},
		&eventModel{},
	}
}
