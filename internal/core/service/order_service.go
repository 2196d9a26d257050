package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/wholesale-allocation/internal/core/allocation"
	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/core/pricing"
	"github.com/rl1809/wholesale-allocation/internal/port"
	"github.com/rl1809/wholesale-allocation/pkg/logger"
	"github.com/rl1809/wholesale-allocation/pkg/metrics"
)

const (
	tracerName           = "github.com/rl1809/wholesale-allocation/internal/core/service"
	idempotencyKeyPrefix = "idempotency:order:"
)

// LineRequest is one requested order line.
type LineRequest struct {
	ProductID string
	Quantity  int
}

type Config struct {
	MaxConflictRetries int
	LockWaitTimeout    time.Duration
	IdempotencyTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConflictRetries < 0 {
		c.MaxConflictRetries = 0
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = 5 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	return c
}

// Dependencies of the order service. Cache may be nil, in which case
// PlaceOrderIdempotent behaves like PlaceOrder.
type Dependencies struct {
	Ledger  port.LedgerRepository
	Locker  port.Locker
	Cache   port.CacheRepository
	Engine  *allocation.Engine
	Logger  *logger.Logger
	Metrics *metrics.AllocationMetrics
}

type OrderService struct {
	ledger  port.LedgerRepository
	locker  port.Locker
	cache   port.CacheRepository
	engine  *allocation.Engine
	logger  *logger.Logger
	metrics *metrics.AllocationMetrics
	tracer  trace.Tracer
	cfg     Config
	now     func() time.Time
}

func NewOrderService(deps Dependencies, cfg Config) (*OrderService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("order service: ledger is required")
	}
	if deps.Locker == nil {
		return nil, errors.New("order service: locker is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Engine == nil {
		deps.Engine = allocation.NewEngine(deps.Logger, deps.Metrics)
	}
	return &OrderService{
		ledger:  deps.Ledger,
		locker:  deps.Locker,
		cache:   deps.Cache,
		engine:  deps.Engine,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		tracer:  otel.Tracer(tracerName),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}, nil
}

// PlaceOrder prices every line, consumes stock for all of them and persists
// a pending order. Either every line is fulfilled or nothing changes.
func (s *OrderService) PlaceOrder(ctx context.Context, lines []LineRequest) (*domain.Order, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "OrderService.PlaceOrder", trace.WithAttributes(
		attribute.Int("order.lines", len(lines)),
	))
	defer span.End()
	defer s.metrics.ObserveOperation("place_order", started)

	if err := validateLines(lines); err != nil {
		s.fail(span, "validation", err)
		s.metrics.PlacementFailed("validation")
		return nil, err
	}

	productIDs := make([]string, len(lines))
	for i, l := range lines {
		productIDs[i] = l.ProductID
	}
	release, err := s.lock(ctx, productKeys(productIDs)...)
	if err != nil {
		s.fail(span, "lock", err)
		return nil, err
	}
	defer release()

	var order *domain.Order
	err = s.withRetry(ctx, "place_order", func() error {
		placed, err := s.placeOnce(ctx, lines, productIDs)
		if err != nil {
			return err
		}
		order = placed
		return nil
	})
	if err != nil {
		reason := failureReason(err)
		s.fail(span, reason, err)
		s.metrics.PlacementFailed(reason)
		if !isClientError(err) {
			s.logger.Error(ctx, "place order failed", err)
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.metrics.OrderPlaced()
	logCtx := s.logger.WithFields(s.logger.WithOrderID(ctx, order.ID), map[string]any{
		"total_amount": order.TotalAmount.StringFixed(pricing.CurrencyPlaces),
		"lines":        len(order.Lines),
	})
	s.logger.Info(logCtx, "order placed")
	return order, nil
}

func (s *OrderService) placeOnce(ctx context.Context, lines []LineRequest, productIDs []string) (*domain.Order, error) {
	var order domain.Order
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		tiers, err := tx.ListDiscountTiers(ctx)
		if err != nil {
			return fmt.Errorf("list discount tiers: %w", err)
		}

		orderLines := make([]domain.OrderLine, len(lines))
		for i, l := range lines {
			product, err := tx.GetProduct(ctx, l.ProductID)
			if err != nil {
				return err
			}
			priced, err := pricing.Price(product, l.Quantity, tiers)
			if err != nil {
				return err
			}
			orderLines[i] = domain.OrderLine{ProductID: l.ProductID, LinePricing: priced}
		}

		for _, idx := range domain.LinesByProduct(productIDs) {
			plan, err := s.engine.Consume(ctx, tx, lines[idx].ProductID, lines[idx].Quantity)
			if err != nil {
				return err
			}
			orderLines[idx].Plan = plan
		}

		now := s.now().UTC()
		order = domain.Order{
			ID:          uuid.NewString(),
			Lines:       orderLines,
			TotalAmount: pricing.OrderTotal(orderLines),
			Status:      domain.OrderStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		event, err := domain.NewOrderPlacedEvent(order, now)
		if err != nil {
			return fmt.Errorf("build order event: %w", err)
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TransitionOrderStatus moves an order to the requested status. Cancelling
// restores every line's consumption plan in the same transaction.
func (s *OrderService) TransitionOrderStatus(ctx context.Context, orderID string, to domain.OrderStatus, reason string) (*domain.Order, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "OrderService.TransitionOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status.to", to.String()),
	))
	defer span.End()
	defer s.metrics.ObserveOperation("transition_order", started)

	if strings.TrimSpace(orderID) == "" {
		err := domain.NewValidationError("order_id", "is required")
		s.fail(span, "validation", err)
		return nil, err
	}
	if !to.IsValid() {
		err := domain.NewValidationError("status", "is not a known order status: "+to.String())
		s.fail(span, "validation", err)
		return nil, err
	}

	existing, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		s.fail(span, failureReason(err), err)
		return nil, err
	}

	keys := append([]string{orderKey(orderID)}, productKeys(existing.ProductIDs())...)
	release, err := s.lock(ctx, keys...)
	if err != nil {
		s.fail(span, "lock", err)
		return nil, err
	}
	defer release()

	var (
		updated  *domain.Order
		from     domain.OrderStatus
		warnings int
	)
	err = s.withRetry(ctx, "transition_order", func() error {
		warnings = 0
		return s.ledger.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
			order, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			from = order.Status

			now := s.now().UTC()
			if err := order.Transition(to, reason, now); err != nil {
				return err
			}

			if to == domain.OrderStatusCancelled {
				productIDs := make([]string, len(order.Lines))
				for i, l := range order.Lines {
					productIDs[i] = l.ProductID
				}
				for _, idx := range domain.LinesByProduct(productIDs) {
					line := order.Lines[idx]
					res, err := s.engine.Restore(ctx, tx, order.ID, line.ProductID, line.Plan)
					if err != nil {
						return err
					}
					if res.Warning != nil {
						warnings++
					}
				}
			}

			if err := tx.UpdateOrder(ctx, *order); err != nil {
				return fmt.Errorf("update order: %w", err)
			}
			order.Version++

			event, err := domain.NewStatusChangedEvent(*order, from, now)
			if err != nil {
				return fmt.Errorf("build status event: %w", err)
			}
			if err := tx.AppendEvent(ctx, event); err != nil {
				return err
			}
			updated = order
			return nil
		})
	})
	if err != nil {
		s.fail(span, failureReason(err), err)
		if !isClientError(err) {
			s.logger.Error(s.logger.WithOrderID(ctx, orderID), "transition order failed", err)
		}
		return nil, err
	}

	s.metrics.Transitioned(to.String())
	logCtx := s.logger.WithFields(s.logger.WithOrderID(ctx, orderID), map[string]any{
		"from":                    from.String(),
		"to":                      to.String(),
		"reconciliation_warnings": warnings,
	})
	s.logger.Info(logCtx, "order status changed")
	return updated, nil
}

// PriceLine quotes quantity units of a product without touching stock.
func (s *OrderService) PriceLine(ctx context.Context, productID string, quantity int) (domain.LinePricing, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.PriceLine", trace.WithAttributes(
		attribute.String("product.id", productID),
		attribute.Int("quantity", quantity),
	))
	defer span.End()

	if strings.TrimSpace(productID) == "" {
		err := domain.NewValidationError("product_id", "is required")
		s.fail(span, "validation", err)
		return domain.LinePricing{}, err
	}

	var priced domain.LinePricing
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		tiers, err := tx.ListDiscountTiers(ctx)
		if err != nil {
			return fmt.Errorf("list discount tiers: %w", err)
		}
		priced, err = pricing.Price(product, quantity, tiers)
		return err
	})
	if err != nil {
		s.fail(span, failureReason(err), err)
		return domain.LinePricing{}, err
	}
	return priced, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, domain.NewValidationError("order_id", "is required")
	}
	return s.ledger.GetOrder(ctx, orderID)
}

// PlaceOrderIdempotent places an order at most once per request id. The
// boolean is true when the order comes from an earlier request.
func (s *OrderService) PlaceOrderIdempotent(ctx context.Context, requestID string, lines []LineRequest) (*domain.Order, bool, error) {
	requestID = strings.TrimSpace(requestID)
	if s.cache == nil || requestID == "" {
		order, err := s.PlaceOrder(ctx, lines)
		return order, false, err
	}

	ctx = s.logger.WithRequestID(ctx, requestID)
	key := idempotencyKeyPrefix + requestID

	ok, err := s.cache.SetIdempotency(ctx, key, s.cfg.IdempotencyTTL)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		orderID, err := s.cache.GetIdempotency(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if orderID == "" {
			s.metrics.PlacementFailed("duplicate")
			return nil, false, domain.ErrDuplicateRequest
		}
		order, err := s.ledger.GetOrder(ctx, orderID)
		if err != nil {
			return nil, false, err
		}
		return order, true, nil
	}

	order, err := s.PlaceOrder(ctx, lines)
	if err != nil {
		if releaseErr := s.cache.ReleaseIdempotency(ctx, key); releaseErr != nil {
			s.logger.Error(ctx, "release idempotency key failed", releaseErr)
		}
		return nil, false, err
	}

	s.completeIdempotency(s.logger.WithOrderID(ctx, order.ID), key, order.ID)
	return order, false, nil
}

// completeIdempotency records the order id against the claimed key, trying a
// second time on failure. The order is committed either way; a key that stays
// pending rejects replays as in flight until its TTL runs out.
func (s *OrderService) completeIdempotency(ctx context.Context, key, orderID string) {
	ctx = context.WithoutCancel(ctx)
	err := s.cache.CompleteIdempotency(ctx, key, orderID, s.cfg.IdempotencyTTL)
	if err == nil {
		return
	}
	s.logger.Warn(s.logger.WithField(ctx, "error", err.Error()), "complete idempotency key failed, retrying")
	if err := s.cache.CompleteIdempotency(ctx, key, orderID, s.cfg.IdempotencyTTL); err != nil {
		s.logger.Error(ctx, "complete idempotency key failed", err)
	}
}

func (s *OrderService) lock(ctx context.Context, keys ...string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWaitTimeout)
	defer cancel()

	release, err := s.locker.Lock(lockCtx, keys...)
	if err != nil {
		return nil, fmt.Errorf("acquire locks: %w", err)
	}
	return release, nil
}

// withRetry reruns fn while it loses compare-and-set races, up to the
// configured number of extra attempts.
func (s *OrderService) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= s.cfg.MaxConflictRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.metrics.ConflictRetried()
		s.logger.Warn(s.logger.WithFields(ctx, map[string]any{
			"operation": op,
			"attempt":   attempt + 1,
		}), "ledger conflict, retrying")
	}
}

func (s *OrderService) fail(span trace.Span, reason string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
}

func validateLines(lines []LineRequest) error {
	if len(lines) == 0 {
		return domain.NewValidationError("lines", "must not be empty")
	}
	for i, l := range lines {
		if strings.TrimSpace(l.ProductID) == "" {
			return domain.NewValidationError(fmt.Sprintf("lines[%d].product_id", i), "is required")
		}
		if l.Quantity <= 0 {
			return domain.NewValidationError(fmt.Sprintf("lines[%d].quantity", i), "must be at least 1")
		}
	}
	return nil
}

// productKeys returns one lock key per distinct product, ascending.
func productKeys(productIDs []string) []string {
	seen := make(map[string]struct{}, len(productIDs))
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, "product:"+id)
	}
	sort.Strings(keys)
	return keys
}

func orderKey(orderID string) string {
	return "order:" + orderID
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConcurrentUpdate):
		return "conflict"
	default:
		return "internal"
	}
}

func isClientError(err error) bool {
	switch failureReason(err) {
	case "internal", "conflict":
		return false
	}
	return true
}
