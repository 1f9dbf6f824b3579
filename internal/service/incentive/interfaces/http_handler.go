// internal/service/incentive/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"net/http"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/service/incentive/domain"

	"github.com/go-playground/validator/v10"
)

// ReferralStore 是推荐关系管理接口用到的目录能力
type ReferralStore interface {
	domain.UplineDirectory
	SaveNode(ctx context.Context, node domain.UplineChainNode) error
}

type saveReferralRequest struct {
	UplineID *string `json:"uplineId" validate:"omitempty,min=1"`
	Role     string  `json:"role" validate:"required,max=32"`
	Level    int     `json:"level" validate:"gte=0"`
}

type chainNodeResponse struct {
	UserID   string  `json:"userId"`
	UplineID *string `json:"uplineId,omitempty"`
	Role     string  `json:"role"`
	Level    int     `json:"level"`
}

// ReferralHandler 维护推荐关系，供运营后台使用
type ReferralHandler struct {
	store    ReferralStore
	validate *validator.Validate
}

func NewReferralHandler(store ReferralStore) *ReferralHandler {
	return &ReferralHandler{store: store, validate: validator.New()}
}

func (h *ReferralHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /referrals/{userID}", h.handleSave)
	mux.HandleFunc("GET /referrals/{userID}/chain", h.handleChain)
}

func (h *ReferralHandler) handleSave(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	var req saveReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UplineID != nil && *req.UplineID == userID {
		http.Error(w, "a user cannot be their own upline", http.StatusBadRequest)
		return
	}
	node := domain.UplineChainNode{UserID: userID, UplineID: req.UplineID, Role: req.Role, Level: req.Level}
	if err := h.store.SaveNode(r.Context(), node); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("failed to save referral node")
		http.Error(w, "failed to save referral", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ReferralHandler) handleChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.store.GetUplineChain(r.Context(), r.PathValue("userID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(chain) == 0 {
		http.NotFound(w, r)
		return
	}
	out := make([]chainNodeResponse, 0, len(chain))
	for _, n := range chain {
		out = append(out, chainNodeResponse{UserID: n.UserID, UplineID: n.UplineID, Role: n.Role, Level: n.Level})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
