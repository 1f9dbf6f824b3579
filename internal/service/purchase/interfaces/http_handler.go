// internal/service/purchase/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/service/purchase/application"
	"nexus-commerce/internal/service/purchase/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// PurchaseHandler 封装了购买服务的 HTTP 处理器
type PurchaseHandler struct {
	service *application.PurchaseService
	watch   *FlowWatchHandler
}

func NewPurchaseHandler(service *application.PurchaseService) *PurchaseHandler {
	return &PurchaseHandler{service: service, watch: NewFlowWatchHandler(service)}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *PurchaseHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /purchases", h.handleSubmit)
	mux.HandleFunc("GET /purchases/{flowID}", h.handleGetFlow)
	mux.HandleFunc("POST /purchases/{flowID}/cancel", h.handleCancel)
	mux.Handle("GET /purchases/{flowID}/watch", h.watch)
	mux.HandleFunc("POST /credits/transfer", h.handleTransfer)
	mux.HandleFunc("GET /credits/{userID}/balance", h.handleBalance)
}

type errorResponse struct {
	Kind    domain.Kind `json:"kind,omitempty"`
	Message string      `json:"message"`
}

func (h *PurchaseHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var cmd application.SubmitPurchaseCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: domain.KindInvalidInput, Message: "invalid request body"})
		return
	}
	req, err := cmd.ToPurchaseRequest(time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	flowID, err := h.service.SubmitPurchase(ctx, req)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("request_id", cmd.RequestID).Msg("purchase rejected")
		writeError(w, err)
		return
	}
	snap, _ := h.service.GetFlowState(flowID)
	writeJSON(w, http.StatusAccepted, snap)
}

func (h *PurchaseHandler) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.GetFlowState(r.PathValue("flowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *PurchaseHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flowID")
	if err := h.service.CancelFlow(flowID); err != nil {
		writeError(w, err)
		return
	}
	snap, _ := h.service.GetFlowState(flowID)
	writeJSON(w, http.StatusOK, snap)
}

func (h *PurchaseHandler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var cmd application.TransferCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: domain.KindInvalidInput, Message: "invalid request body"})
		return
	}
	res, err := h.service.TransferCredits(ctx, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *PurchaseHandler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "balanceMinorUnits": balance})
}

// statusOf 把错误类别映射到 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, application.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.Is(err, application.ErrFlowNotCancellable):
		return http.StatusConflict
	}
	switch domain.KindOf(err) {
	case domain.KindDuplicateRequest:
		return http.StatusConflict
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindGatewayUnavailable:
		return http.StatusBadGateway
	case domain.KindPaymentFailed, domain.KindInsufficientFunds:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Kind: domain.KindOf(err), Message: domain.UserMessage(err)}
	if resp.Kind == "" {
		resp.Message = err.Error()
	}
	writeJSON(w, statusOf(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
