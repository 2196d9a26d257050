package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/port"
	"github.com/rl1809/wholesale-allocation/pkg/logger"
)

type ReceiveBatchRequest struct {
	ProductID  string
	Capacity   int
	ExpiryDate *time.Time
}

// InventoryService seeds the ledger with received stock and reports levels.
type InventoryService struct {
	ledger port.LedgerRepository
	locker port.Locker
	logger *logger.Logger
	now    func() time.Time
}

func NewInventoryService(ledger port.LedgerRepository, locker port.Locker, logg *logger.Logger) (*InventoryService, error) {
	if ledger == nil || locker == nil {
		return nil, errors.New("inventory service: ledger and locker are required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &InventoryService{ledger: ledger, locker: locker, logger: logg, now: time.Now}, nil
}

// ReceiveBatch records a full batch of capacity units for a known product.
func (s *InventoryService) ReceiveBatch(ctx context.Context, req ReceiveBatchRequest) (domain.InventoryBatch, error) {
	if strings.TrimSpace(req.ProductID) == "" {
		return domain.InventoryBatch{}, domain.NewValidationError("product_id", "is required")
	}
	if req.Capacity <= 0 {
		return domain.InventoryBatch{}, domain.NewValidationError("capacity", "must be at least 1")
	}

	release, err := s.locker.Lock(ctx, productKeys([]string{req.ProductID})...)
	if err != nil {
		return domain.InventoryBatch{}, fmt.Errorf("acquire locks: %w", err)
	}
	defer release()

	batch := domain.InventoryBatch{
		ID:         uuid.NewString(),
		ProductID:  req.ProductID,
		Capacity:   req.Capacity,
		Quantity:   req.Capacity,
		ReceivedAt: s.now().UTC(),
	}
	if req.ExpiryDate != nil {
		expiry := req.ExpiryDate.UTC()
		batch.ExpiryDate = &expiry
	}

	err = s.ledger.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		if _, err := tx.GetProduct(ctx, req.ProductID); err != nil {
			return err
		}
		return tx.CreateBatch(ctx, batch)
	})
	if err != nil {
		return domain.InventoryBatch{}, err
	}

	logCtx := s.logger.WithFields(s.logger.WithProductID(ctx, req.ProductID), map[string]any{
		"batch_id": batch.ID,
		"capacity": batch.Capacity,
	})
	s.logger.Info(logCtx, "batch received")
	return batch, nil
}

// StockLevel returns the product's total stock and its batches in FEFO order.
func (s *InventoryService) StockLevel(ctx context.Context, productID string) (domain.StockLevel, error) {
	if strings.TrimSpace(productID) == "" {
		return domain.StockLevel{}, domain.NewValidationError("product_id", "is required")
	}

	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		_, err := tx.GetProduct(ctx, productID)
		return err
	})
	if err != nil {
		return domain.StockLevel{}, err
	}

	batches, err := s.ledger.ListBatches(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("list batches: %w", err)
	}
	return domain.NewStockLevel(productID, batches), nil
}
