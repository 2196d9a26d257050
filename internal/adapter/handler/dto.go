package handler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/core/pricing"
	"github.com/rl1809/wholesale-allocation/internal/core/service"
)

// OrderUseCase is the part of the order service the transports call.
type OrderUseCase interface {
	PlaceOrder(ctx context.Context, lines []service.LineRequest) (*domain.Order, error)
	PlaceOrderIdempotent(ctx context.Context, requestID string, lines []service.LineRequest) (*domain.Order, bool, error)
	TransitionOrderStatus(ctx context.Context, orderID string, to domain.OrderStatus, reason string) (*domain.Order, error)
	PriceLine(ctx context.Context, productID string, quantity int) (domain.LinePricing, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

type InventoryUseCase interface {
	ReceiveBatch(ctx context.Context, req service.ReceiveBatchRequest) (domain.InventoryBatch, error)
	StockLevel(ctx context.Context, productID string) (domain.StockLevel, error)
}

type LineDTO struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

type PlaceOrderRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	Lines     []LineDTO `json:"lines" validate:"required,min=1,dive"`
}

func (r PlaceOrderRequest) toLines() []service.LineRequest {
	lines := make([]service.LineRequest, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, service.LineRequest{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return lines
}

type TransitionStatusRequest struct {
	OrderID string `json:"order_id,omitempty"`
	Status  string `json:"status" validate:"required"`
	Reason  string `json:"reason,omitempty"`
}

type PriceLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

type GetOrderRequest struct {
	OrderID string `json:"order_id" validate:"required"`
}

type ReceiveBatchRequest struct {
	ProductID  string     `json:"product_id" validate:"required"`
	Capacity   int        `json:"capacity" validate:"required,min=1"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

type AllocationDTO struct {
	BatchID string `json:"batch_id"`
	Amount  int    `json:"amount"`
}

type OrderLineResponse struct {
	ProductID string `json:"product_id"`
	domain.LinePricing
	Allocations []AllocationDTO `json:"allocations"`
}

type OrderResponse struct {
	ID                 string              `json:"id"`
	Status             string              `json:"status"`
	TotalAmount        string              `json:"total_amount"`
	CancellationReason string              `json:"cancellation_reason,omitempty"`
	Lines              []OrderLineResponse `json:"lines"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	Replayed           bool                `json:"replayed,omitempty"`
}

func newOrderResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:                 o.ID,
		Status:             o.Status.String(),
		TotalAmount:        o.TotalAmount.StringFixed(pricing.CurrencyPlaces),
		CancellationReason: o.CancellationReason,
		Lines:              make([]OrderLineResponse, 0, len(o.Lines)),
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
	for _, l := range o.Lines {
		line := OrderLineResponse{
			ProductID:   l.ProductID,
			LinePricing: l.LinePricing,
			Allocations: make([]AllocationDTO, 0, len(l.Plan)),
		}
		for _, e := range l.Plan {
			line.Allocations = append(line.Allocations, AllocationDTO{BatchID: e.BatchID, Amount: e.Amount})
		}
		resp.Lines = append(resp.Lines, line)
	}
	return resp
}

type PricingResponse struct {
	ProductID string `json:"product_id"`
	domain.LinePricing
}

type BatchResponse struct {
	ID         string     `json:"id"`
	ProductID  string     `json:"product_id"`
	Capacity   int        `json:"capacity"`
	Quantity   int        `json:"quantity"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
}

func newBatchResponse(b domain.InventoryBatch) BatchResponse {
	return BatchResponse{
		ID:         b.ID,
		ProductID:  b.ProductID,
		Capacity:   b.Capacity,
		Quantity:   b.Quantity,
		ExpiryDate: b.ExpiryDate,
		ReceivedAt: b.ReceivedAt,
	}
}

type StockLevelResponse struct {
	ProductID string          `json:"product_id"`
	Total     int             `json:"total"`
	Batches   []BatchResponse `json:"batches"`
}

func newStockLevelResponse(s domain.StockLevel) StockLevelResponse {
	resp := StockLevelResponse{
		ProductID: s.ProductID,
		Total:     s.Total,
		Batches:   make([]BatchResponse, 0, len(s.Batches)),
	}
	for _, b := range s.Batches {
		resp.Batches = append(resp.Batches, newBatchResponse(b))
	}
	return resp
}

// Total parses the rendered order total.
func (r OrderResponse) Total() (decimal.Decimal, error) {
	return decimal.NewFromString(r.TotalAmount)
}
