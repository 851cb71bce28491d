// Package handler содержит HTTP-обработчики API сервиса бонусных баллов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards-system/internal/middleware"
	"github.com/mmeshcher/campus-rewards-system/internal/model"
	"github.com/mmeshcher/campus-rewards-system/internal/repository"
	"github.com/mmeshcher/campus-rewards-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Award(ctx context.Context, userID, points int64, reason string, ref model.Reference) (*model.Transaction, error)
	RequestRedemption(ctx context.Context, userID, stallID, points int64) (*model.Redemption, int64, error)
	TransitionRedemption(ctx context.Context, id int64, target model.RedemptionStatus) (*model.Redemption, error)
	GetRedemption(ctx context.Context, id int64) (*model.Redemption, error)
	ListRedemptionsByUser(ctx context.Context, userID int64) ([]model.Redemption, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	TransactionHistory(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, int64, error)
	Leaderboard(ctx context.Context, sortBy string, limit int) ([]model.User, error)
	ListActiveStalls(ctx context.Context) ([]model.Stall, error)
}

// Handler реализует HTTP-обработчики API сервиса бонусных баллов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type transactionResponse struct {
	ID            int64  `json:"id"`
	UserID        int64  `json:"user_id"`
	Points        int64  `json:"points"`
	Reason        string `json:"reason"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   *int64 `json:"reference_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toTransactionResponse(t *model.Transaction) transactionResponse {
	return transactionResponse{
		ID:            t.ID,
		UserID:        t.UserID,
		Points:        t.Points,
		Reason:        t.Reason,
		ReferenceType: string(t.Reference.Type),
		ReferenceID:   t.Reference.ID,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
	}
}

type redemptionResponse struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"user_id"`
	StallID    int64  `json:"stall_id"`
	PointsUsed int64  `json:"points_used"`
	Status     string `json:"status"`
	RedeemedAt string `json:"redeemed_at"`
}

func toRedemptionResponse(red *model.Redemption) redemptionResponse {
	return redemptionResponse{
		ID:         red.ID,
		UserID:     red.UserID,
		StallID:    red.StallID,
		PointsUsed: red.PointsUsed,
		Status:     string(red.Status),
		RedeemedAt: red.RedeemedAt.Format(time.RFC3339),
	}
}

type awardRequest struct {
	UserID        int64  `json:"user_id"`
	Points        int64  `json:"points"`
	Reason        string `json:"reason"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   *int64 `json:"reference_id,omitempty"`
}

// Award начисляет баллы за событие из смежной подсистемы.
func (h *Handler) Award(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 || req.Reason == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	refType, err := model.ParseReferenceType(req.ReferenceType)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	tr, err := h.service.Award(r.Context(), req.UserID, req.Points, req.Reason, model.Reference{
		Type: refType,
		ID:   req.ReferenceID,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("award error", zap.Error(err), zap.Int64("userID", req.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	balance, err := h.service.GetBalance(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("get balance after award error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Transaction   transactionResponse `json:"transaction"`
		NewTotal      int64               `json:"new_total"`
		NewReputation int64               `json:"new_reputation"`
	}{
		Transaction:   toTransactionResponse(tr),
		NewTotal:      balance.Points,
		NewReputation: balance.Reputation,
	})
}

type redeemRequest struct {
	UserID  int64 `json:"user_id"`
	StallID int64 `json:"stall_id"`
	Points  int64 `json:"points"`
}

// Redeem создаёт заявку на погашение баллов в точке питания.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 || req.StallID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	red, remaining, err := h.service.RequestRedemption(r.Context(), req.UserID, req.StallID, req.Points)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserNotFound), errors.Is(err, repository.ErrStallNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrInsufficientPoints):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("redeem error", zap.Error(err), zap.Int64("userID", req.UserID), zap.Int64("stallID", req.StallID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Redemption      redemptionResponse `json:"redemption"`
		RemainingPoints int64              `json:"remaining_points"`
	}{
		Redemption:      toRedemptionResponse(red),
		RemainingPoints: remaining,
	})
}

type transitionRequest struct {
	Status string `json:"status"`
}

// TransitionRedemption переводит заявку на погашение в новое состояние.
func (h *Handler) TransitionRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	target, err := model.ParseRedemptionStatus(req.Status)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	red, err := h.service.TransitionRedemption(r.Context(), id, target)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrRedemptionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, repository.ErrConflict):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("transition redemption error", zap.Error(err), zap.Int64("redemptionID", id), zap.String("target", req.Status))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toRedemptionResponse(red))
}

// GetRedemption возвращает заявку на погашение по идентификатору.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	red, err := h.service.GetRedemption(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRedemptionNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get redemption error", zap.Error(err), zap.Int64("redemptionID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toRedemptionResponse(red))
}

// GetUserRedemptions возвращает заявки пользователя на погашение.
func (h *Handler) GetUserRedemptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	redemptions, err := h.service.ListRedemptionsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list redemptions error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(redemptions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]redemptionResponse, 0, len(redemptions))
	for i := range redemptions {
		resp = append(resp, toRedemptionResponse(&redemptions[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetBalance возвращает баланс и репутацию пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// GetTransactions возвращает журнал транзакций пользователя и сумму начислений.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	transactions, totalEarned, err := h.service.TransactionHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for i := range transactions {
		resp = append(resp, toTransactionResponse(&transactions[i]))
	}

	writeJSON(w, http.StatusOK, struct {
		Transactions []transactionResponse `json:"transactions"`
		TotalEarned  int64                 `json:"total_earned"`
	}{
		Transactions: resp,
		TotalEarned:  totalEarned,
	})
}

type leaderboardEntry struct {
	UserID          int64  `json:"user_id"`
	FullName        string `json:"full_name"`
	Hostel          string `json:"hostel,omitempty"`
	Batch           string `json:"batch,omitempty"`
	RewardPoints    int64  `json:"reward_points"`
	ReputationScore int64  `json:"reputation_score"`
}

// GetLeaderboard возвращает активных пользователей с наибольшими баллами или репутацией.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	sortBy := r.URL.Query().Get("sortBy")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	users, err := h.service.Leaderboard(r.Context(), sortBy, limit)
	if err != nil {
		h.logger.Error("leaderboard error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]leaderboardEntry, 0, len(users))
	for _, u := range users {
		resp = append(resp, leaderboardEntry{
			UserID:          u.ID,
			FullName:        u.FullName,
			Hostel:          u.Hostel,
			Batch:           u.Batch,
			RewardPoints:    u.RewardPoints,
			ReputationScore: u.ReputationScore,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type stallResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	IsActive bool   `json:"is_active"`
}

// GetStalls возвращает активные точки питания.
func (h *Handler) GetStalls(w http.ResponseWriter, r *http.Request) {
	stalls, err := h.service.ListActiveStalls(r.Context())
	if err != nil {
		h.logger.Error("list stalls error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]stallResponse, 0, len(stalls))
	for _, s := range stalls {
		resp = append(resp, stallResponse{
			ID:       s.ID,
			Name:     s.Name,
			Location: s.Location,
			IsActive: s.IsActive,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
