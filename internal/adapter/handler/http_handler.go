package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/core/service"
	"github.com/rl1809/wholesale-allocation/pkg/logger"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
)

type SuccessEnvelope struct {
	Data any `json:"data"`
}

type HTTPHandler struct {
	orders    OrderUseCase
	inventory InventoryUseCase
	logger    *logger.Logger
}

func NewHTTPHandler(orders OrderUseCase, inventory InventoryUseCase, logg *logger.Logger) *HTTPHandler {
	if logg == nil {
		logg = logger.Nop()
	}
	return &HTTPHandler{orders: orders, inventory: inventory, logger: logg}
}

// Routes builds the router. metrics may be nil.
func (h *HTTPHandler) Routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		Recoverer(h.logger),
		RequestID(h.logger),
		Logging(h.logger),
	)

	r.Get("/health", h.HealthCheck)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders/{orderID}", h.GetOrder)
		r.Post("/orders/{orderID}/status", h.TransitionOrderStatus)
		r.Get("/pricing", h.PriceLine)

		if h.inventory != nil {
			r.Post("/inventory/batches", h.ReceiveBatch)
			r.Get("/inventory/{productID}", h.StockLevel)
		}
	})
	return r
}

func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	requestID := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if requestID == "" {
		requestID = strings.TrimSpace(req.RequestID)
	}

	var (
		order    *domain.Order
		replayed bool
		err      error
	)
	if requestID != "" {
		order, replayed, err = h.orders.PlaceOrderIdempotent(r.Context(), requestID, req.toLines())
	} else {
		order, err = h.orders.PlaceOrder(r.Context(), req.toLines())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := newOrderResponse(order)
	if replayed {
		resp.Replayed = true
		w.Header().Set(replayedHeader, "true")
		h.writeJSON(w, r, http.StatusOK, SuccessEnvelope{Data: resp})
		return
	}
	h.writeJSON(w, r, http.StatusCreated, SuccessEnvelope{Data: resp})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, SuccessEnvelope{Data: newOrderResponse(order)})
}

func (h *HTTPHandler) TransitionOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req TransitionStatusRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.orders.TransitionOrderStatus(r.Context(), chi.URLParam(r, "orderID"), status, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, SuccessEnvelope{Data: newOrderResponse(order)})
}

func (h *HTTPHandler) PriceLine(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := PriceLineRequest{ProductID: strings.TrimSpace(query.Get("product_id"))}

	if raw := strings.TrimSpace(query.Get("quantity")); raw != "" {
		qty, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, &requestError{
				message: "query parameter must be numeric",
				details: map[string]string{"field": "quantity"},
			})
			return
		}
		req.Quantity = qty
	}
	if err := validateStruct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	quote, err := h.orders.PriceLine(r.Context(), req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, SuccessEnvelope{Data: PricingResponse{ProductID: req.ProductID, LinePricing: quote}})
}

func (h *HTTPHandler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var req ReceiveBatchRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	batch, err := h.inventory.ReceiveBatch(r.Context(), service.ReceiveBatchRequest{
		ProductID:  req.ProductID,
		Capacity:   req.Capacity,
		ExpiryDate: req.ExpiryDate,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, SuccessEnvelope{Data: newBatchResponse(batch)})
}

func (h *HTTPHandler) StockLevel(w http.ResponseWriter, r *http.Request) {
	level, err := h.inventory.StockLevel(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, SuccessEnvelope{Data: newStockLevelResponse(level)})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	mapped := mapError(err)
	if mapped.internal {
		h.logger.Error(r.Context(), "request.error", err)
	}
	h.writeJSON(w, r, mapped.httpStatus, ErrorEnvelope{Error: mapped.body})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(r.Context(), h.logger, w, status, data)
}

// writeJSON sends data with status. The header is already out when encoding
// fails, so the error is only logged.
func writeJSON(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && logg != nil {
		logg.Error(ctx, "response.encode_failed", err)
	}
}
