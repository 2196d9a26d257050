package handler

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/core/service"
)

// stubOrders records calls and returns canned results.
type stubOrders struct {
	mu sync.Mutex

	placeErr      error
	transitionErr error
	priceErr      error
	getErr        error
	replay        bool

	placedLines []service.LineRequest
	requestID   string
	transition  struct {
		orderID string
		to      domain.OrderStatus
		reason  string
	}
}

var stubTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleOrder(id string, status domain.OrderStatus) *domain.Order {
	return &domain.Order{
		ID:          id,
		Status:      status,
		TotalAmount: decimal.RequireFromString("1445"),
		CreatedAt:   stubTime,
		UpdatedAt:   stubTime,
		Lines: []domain.OrderLine{{
			ProductID: "widget",
			LinePricing: domain.LinePricing{
				Quantity:         12,
				UnitPriceExclTax: decimal.NewFromInt(100),
				LineTotal:        decimal.RequireFromString("1425"),
			},
			Plan: domain.ConsumptionPlan{{BatchID: "w1", Amount: 5}, {BatchID: "w2", Amount: 7}},
		}},
	}
}

func (s *stubOrders) PlaceOrder(ctx context.Context, lines []service.LineRequest) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placedLines = lines
	if s.placeErr != nil {
		return nil, s.placeErr
	}
	return sampleOrder("order-1", domain.OrderStatusPending), nil
}

func (s *stubOrders) PlaceOrderIdempotent(ctx context.Context, requestID string, lines []service.LineRequest) (*domain.Order, bool, error) {
	s.mu.Lock()
	s.requestID = requestID
	s.mu.Unlock()

	order, err := s.PlaceOrder(ctx, lines)
	if err != nil {
		return nil, false, err
	}
	return order, s.replay, nil
}

func (s *stubOrders) TransitionOrderStatus(ctx context.Context, orderID string, to domain.OrderStatus, reason string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition.orderID = orderID
	s.transition.to = to
	s.transition.reason = reason
	if s.transitionErr != nil {
		return nil, s.transitionErr
	}
	order := sampleOrder(orderID, to)
	order.CancellationReason = reason
	return order, nil
}

func (s *stubOrders) PriceLine(ctx context.Context, productID string, quantity int) (domain.LinePricing, error) {
	if s.priceErr != nil {
		return domain.LinePricing{}, s.priceErr
	}
	return domain.LinePricing{
		Quantity:         quantity,
		UnitPriceExclTax: decimal.NewFromInt(100),
		TaxAmount:        decimal.NewFromInt(25),
		UnitPriceInclTax: decimal.NewFromInt(125),
		NetUnitPrice:     decimal.NewFromInt(125),
		LineTotal:        decimal.NewFromInt(125).Mul(decimal.NewFromInt(int64(quantity))),
	}, nil
}

func (s *stubOrders) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return sampleOrder(orderID, domain.OrderStatusPending), nil
}

type stubInventory struct {
	received service.ReceiveBatchRequest
	err      error
}

func (s *stubInventory) ReceiveBatch(ctx context.Context, req service.ReceiveBatchRequest) (domain.InventoryBatch, error) {
	s.received = req
	if s.err != nil {
		return domain.InventoryBatch{}, s.err
	}
	return domain.InventoryBatch{
		ID:         "batch-1",
		ProductID:  req.ProductID,
		Capacity:   req.Capacity,
		Quantity:   req.Capacity,
		ExpiryDate: req.ExpiryDate,
		ReceivedAt: stubTime,
	}, nil
}

func (s *stubInventory) StockLevel(ctx context.Context, productID string) (domain.StockLevel, error) {
	if s.err != nil {
		return domain.StockLevel{}, s.err
	}
	return domain.NewStockLevel(productID, []domain.InventoryBatch{
		{ID: "b2", ProductID: productID, Capacity: 10, Quantity: 4, ReceivedAt: stubTime},
		{ID: "b1", ProductID: productID, Capacity: 5, Quantity: 5, ReceivedAt: stubTime.Add(-time.Hour)},
	}), nil
}
