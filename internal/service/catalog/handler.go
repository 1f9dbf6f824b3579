// internal/service/catalog/handler.go
package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"nexus-commerce/internal/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Backend 是 Handler 依赖的存储能力，*Store 实现了它
type Backend interface {
	Adjust(ctx context.Context, orderID, productID string, quantity int) (AdjustResult, error)
	SetStock(ctx context.Context, productID string, stock int) error
	IssueLicense(ctx context.Context, orderID, productID string) (string, error)
}

// Handler 提供履约流水线调用的库存扣减和授权签发接口。
// 参数通过 query 传递，orderId 是幂等键。
type Handler struct {
	backend Backend
	tracer  trace.Tracer
}

func NewHandler(backend Backend, tracer trace.Tracer) *Handler {
	return &Handler{backend: backend, tracer: tracer}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /inventory/adjust", h.handleAdjust)
	mux.HandleFunc("PUT /inventory/{itemID}", h.handleSetStock)
	mux.HandleFunc("POST /licenses/issue", h.handleIssueLicense)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "inventory-service.AdjustStock")
	defer span.End()

	q := r.URL.Query()
	orderID, itemID := q.Get("orderId"), q.Get("itemId")
	quantity, err := strconv.Atoi(q.Get("quantity"))
	if orderID == "" || itemID == "" || err != nil || quantity <= 0 {
		http.Error(w, "orderId, itemId and a positive quantity are required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("item.id", itemID),
		attribute.Int("item.quantity", quantity),
	)

	result, err := h.backend.Adjust(ctx, orderID, itemID, quantity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "adjust stock failed")
		logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Order: %s] Stock adjustment failed for item %s.", orderID, itemID)
		http.Error(w, "inventory unavailable", http.StatusInternalServerError)
		return
	}
	switch result {
	case ResultSoldOut:
		span.SetStatus(codes.Error, "sold out")
		logger.Ctx(ctx).Warn().Msgf("WARN: [Order: %s] Item %s is sold out.", orderID, itemID)
		http.Error(w, "item sold out", http.StatusConflict)
	case ResultAlreadyApplied:
		span.AddEvent("already applied")
		w.WriteHeader(http.StatusOK)
	default:
		logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Stock of %s reduced by %d.", orderID, itemID, quantity)
		span.AddEvent("Stock adjusted")
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handler) handleSetStock(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemID")
	stock, err := strconv.Atoi(r.URL.Query().Get("stock"))
	if err != nil || stock < 0 {
		http.Error(w, "stock must be a non-negative integer", http.StatusBadRequest)
		return
	}
	if err := h.backend.SetStock(r.Context(), itemID, stock); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("item_id", itemID).Msg("failed to set stock")
		http.Error(w, "inventory unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleIssueLicense(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "license-service.IssueLicense")
	defer span.End()

	q := r.URL.Query()
	orderID, userID, productID := q.Get("orderId"), q.Get("userId"), q.Get("productId")
	if orderID == "" || userID == "" || productID == "" {
		http.Error(w, "orderId, userId and productId are required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("user.id", userID))

	code, err := h.backend.IssueLicense(ctx, orderID, productID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "issue license failed")
		logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Order: %s] License issuance failed.", orderID)
		http.Error(w, "license service unavailable", http.StatusInternalServerError)
		return
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] License issued to user %s (quantity %s).", orderID, userID, q.Get("quantity"))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"orderId": orderID, "licenseKey": code})
}
