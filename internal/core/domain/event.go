package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderPlaced            EventType = "order.placed"
	EventOrderStatusChanged     EventType = "order.status_changed"
	EventReconciliationRequired EventType = "inventory.reconciliation_required"
)

// OrderEvent is an outbox row. It is written in the same transaction as the
// change it describes and relayed later.
type OrderEvent struct {
	ID          string
	OrderID     string
	Type        EventType
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

type orderPlacedPayload struct {
	OrderID     string          `json:"order_id"`
	Status      OrderStatus     `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Lines       []linePayload   `json:"lines"`
}

type linePayload struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type statusChangedPayload struct {
	OrderID            string      `json:"order_id"`
	From               OrderStatus `json:"from"`
	To                 OrderStatus `json:"to"`
	CancellationReason string      `json:"cancellation_reason,omitempty"`
}

type reconciliationPayload struct {
	OrderID    string          `json:"order_id"`
	ProductID  string          `json:"product_id"`
	Unrestored int             `json:"unrestored"`
	Plan       ConsumptionPlan `json:"plan"`
}

func NewOrderPlacedEvent(order Order, at time.Time) (OrderEvent, error) {
	lines := make([]linePayload, 0, len(order.Lines))
	for _, l := range order.Lines {
		lines = append(lines, linePayload{ProductID: l.ProductID, Quantity: l.Quantity, LineTotal: l.LineTotal})
	}
	return newEvent(order.ID, EventOrderPlaced, at, orderPlacedPayload{
		OrderID:     order.ID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Lines:       lines,
	})
}

func NewStatusChangedEvent(order Order, from OrderStatus, at time.Time) (OrderEvent, error) {
	return newEvent(order.ID, EventOrderStatusChanged, at, statusChangedPayload{
		OrderID:            order.ID,
		From:               from,
		To:                 order.Status,
		CancellationReason: order.CancellationReason,
	})
}

func NewReconciliationEvent(w ReconciliationWarning) (OrderEvent, error) {
	return newEvent(w.OrderID, EventReconciliationRequired, w.CreatedAt, reconciliationPayload{
		OrderID:    w.OrderID,
		ProductID:  w.ProductID,
		Unrestored: w.Unrestored,
		Plan:       w.Plan,
	})
}

func newEvent(orderID string, typ EventType, at time.Time, payload any) (OrderEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OrderEvent{}, err
	}
	return OrderEvent{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Type:      typ,
		Payload:   data,
		CreatedAt: at,
	}, nil
}
