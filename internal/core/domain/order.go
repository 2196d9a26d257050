package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered},
	OrderStatusDelivered: nil,
	OrderStatusCancelled: nil,
}

func (s OrderStatus) String() string {
	return string(s)
}

func (s OrderStatus) IsValid() bool {
	_, ok := orderTransitions[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	return s.IsValid() && len(orderTransitions[s]) == 0
}

func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, candidate := range orderTransitions[s] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ParseOrderStatus accepts any casing, e.g. "CANCELLED" or "cancelled".
func ParseOrderStatus(value string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.IsValid() {
		return "", NewValidationError("status", "is not a known order status: "+value)
	}
	return status, nil
}

func ValidateTransition(from, to OrderStatus) error {
	if !to.IsValid() {
		return NewValidationError("status", "is not a known order status: "+string(to))
	}
	if !from.CanTransitionTo(to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// OrderLine is immutable once the order is placed. Plan is the line's
// fulfillment record and drives restoration on cancellation.
type OrderLine struct {
	ProductID string
	LinePricing
	Plan ConsumptionPlan
}

type Order struct {
	ID                 string
	Lines              []OrderLine
	TotalAmount        decimal.Decimal
	Status             OrderStatus
	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int // optimistic locking
}

// Transition moves the order to the requested status. Nothing is changed
// when the move is rejected.
func (o *Order) Transition(to OrderStatus, reason string, now time.Time) error {
	if err := ValidateTransition(o.Status, to); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if to == OrderStatusCancelled && reason == "" {
		return NewValidationError("reason", "is required when cancelling an order")
	}
	o.Status = to
	if to == OrderStatusCancelled {
		o.CancellationReason = reason
	}
	o.UpdatedAt = now
	return nil
}

// ProductIDs returns the distinct products of the order in ascending order.
func (o Order) ProductIDs() []string {
	seen := make(map[string]struct{}, len(o.Lines))
	ids := make([]string, 0, len(o.Lines))
	for _, line := range o.Lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	sort.Strings(ids)
	return ids
}

// LinesByProduct returns line indexes sorted by product id, keeping the
// original order between lines of the same product.
func LinesByProduct(productIDs []string) []int {
	idx := make([]int, len(productIDs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return productIDs[idx[a]] < productIDs[idx[b]]
	})
	return idx
}
