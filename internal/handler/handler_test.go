package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards-system/internal/middleware"
	"github.com/mmeshcher/campus-rewards-system/internal/model"
	"github.com/mmeshcher/campus-rewards-system/internal/repository"
	"github.com/mmeshcher/campus-rewards-system/internal/service"
)

type stubService struct {
	awardTx  *model.Transaction
	awardErr error

	redemption    *model.Redemption
	remaining     int64
	redeemErr     error
	transitionErr error

	redemptions    []model.Redemption
	redemptionsErr error

	balance    *model.Balance
	balanceErr error

	transactions []model.Transaction
	totalEarned  int64
	historyErr   error

	board    []model.User
	boardErr error

	stalls    []model.Stall
	stallsErr error
}

func (s *stubService) Award(ctx context.Context, userID, points int64, reason string, ref model.Reference) (*model.Transaction, error) {
	return s.awardTx, s.awardErr
}

func (s *stubService) RequestRedemption(ctx context.Context, userID, stallID, points int64) (*model.Redemption, int64, error) {
	return s.redemption, s.remaining, s.redeemErr
}

func (s *stubService) TransitionRedemption(ctx context.Context, id int64, target model.RedemptionStatus) (*model.Redemption, error) {
	return s.redemption, s.transitionErr
}

func (s *stubService) GetRedemption(ctx context.Context, id int64) (*model.Redemption, error) {
	if s.redemption == nil {
		return nil, repository.ErrRedemptionNotFound
	}
	return s.redemption, nil
}

func (s *stubService) ListRedemptionsByUser(ctx context.Context, userID int64) ([]model.Redemption, error) {
	return s.redemptions, s.redemptionsErr
}

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balance, s.balanceErr
}

func (s *stubService) TransactionHistory(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, int64, error) {
	return s.transactions, s.totalEarned, s.historyErr
}

func (s *stubService) Leaderboard(ctx context.Context, sortBy string, limit int) ([]model.User, error) {
	return s.board, s.boardErr
}

func (s *stubService) ListActiveStalls(ctx context.Context) ([]model.Stall, error) {
	return s.stalls, s.stallsErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

// doAuthorized выполняет запрос через маршрутизатор с валидным cookie.
func doAuthorized(t *testing.T, h *Handler, method, target string, body []byte) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))

	cookieRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(cookieRec, 1)
	req.AddCookie(cookieRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func TestAward_Created(t *testing.T) {
	postID := int64(7)
	svc := &stubService{
		awardTx: &model.Transaction{
			ID:        1,
			UserID:    2,
			Points:    50,
			Reason:    "Helped return lost item: wallet",
			Reference: model.Reference{Type: model.ReferenceLostFound, ID: &postID},
			CreatedAt: time.Now().UTC(),
		},
		balance: &model.Balance{Points: 50, Reputation: 25},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(awardRequest{
		UserID:        2,
		Points:        50,
		Reason:        "Helped return lost item: wallet",
		ReferenceType: "lost_found",
		ReferenceID:   &postID,
	})

	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/award", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp struct {
		Transaction   transactionResponse `json:"transaction"`
		NewTotal      int64               `json:"new_total"`
		NewReputation int64               `json:"new_reputation"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Transaction.Points != 50 || resp.NewTotal != 50 || resp.NewReputation != 25 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAward_UnknownReferenceType(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body := []byte(`{"user_id":2,"points":50,"reason":"x","reference_type":"bogus"}`)
	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/award", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestAward_InvalidAmount(t *testing.T) {
	svc := &stubService{awardErr: service.ErrInvalidAmount}
	h := newTestHandler(t, svc)

	body := []byte(`{"user_id":2,"points":-5,"reason":"x","reference_type":"manual"}`)
	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/award", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestAward_UnknownUser(t *testing.T) {
	svc := &stubService{awardErr: repository.ErrUserNotFound}
	h := newTestHandler(t, svc)

	body := []byte(`{"user_id":99,"points":50,"reason":"x","reference_type":"manual"}`)
	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/award", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestAward_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/rewards/award", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRedeem_Created(t *testing.T) {
	svc := &stubService{
		redemption: &model.Redemption{
			ID:         4,
			UserID:     2,
			StallID:    3,
			PointsUsed: 30,
			Status:     model.RedemptionStatusPending,
			RedeemedAt: time.Now().UTC(),
		},
		remaining: 20,
	}
	h := newTestHandler(t, svc)

	body := []byte(`{"user_id":2,"stall_id":3,"points":30}`)
	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/redeem", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp struct {
		Redemption      redemptionResponse `json:"redemption"`
		RemainingPoints int64              `json:"remaining_points"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Redemption.Status != "pending" || resp.RemainingPoints != 20 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRedeem_InsufficientPoints(t *testing.T) {
	svc := &stubService{redeemErr: repository.ErrInsufficientPoints}
	h := newTestHandler(t, svc)

	body := []byte(`{"user_id":2,"stall_id":3,"points":30}`)
	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/redeem", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}
}

func TestRedeem_UnknownStall(t *testing.T) {
	svc := &stubService{redeemErr: repository.ErrStallNotFound}
	h := newTestHandler(t, svc)

	body := []byte(`{"user_id":2,"stall_id":99,"points":30}`)
	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/redeem", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestTransition_Ok(t *testing.T) {
	svc := &stubService{
		redemption: &model.Redemption{
			ID:         4,
			UserID:     2,
			StallID:    3,
			PointsUsed: 30,
			Status:     model.RedemptionStatusApproved,
			RedeemedAt: time.Now().UTC(),
		},
	}
	h := newTestHandler(t, svc)

	body := []byte(`{"status":"approved"}`)
	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/redemptions/4/status", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestTransition_InvalidTransition(t *testing.T) {
	svc := &stubService{transitionErr: service.ErrInvalidTransition}
	h := newTestHandler(t, svc)

	body := []byte(`{"status":"approved"}`)
	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/redemptions/4/status", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestTransition_UnknownStatus(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body := []byte(`{"status":"cancelled"}`)
	res := doAuthorized(t, h, http.MethodPost, "/api/rewards/redemptions/4/status", body)
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestGetBalance_NotFound(t *testing.T) {
	svc := &stubService{balanceErr: repository.ErrUserNotFound}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/rewards/balance/99", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetTransactions_JSONResponse(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubService{
		transactions: []model.Transaction{
			{
				ID:        2,
				UserID:    1,
				Points:    -30,
				Reason:    "Redeemed at Chai Point",
				Reference: model.ManualReference(4),
				CreatedAt: now,
			},
			{
				ID:        1,
				UserID:    1,
				Points:    50,
				Reason:    "grant",
				Reference: model.Reference{Type: model.ReferenceLostFound},
				CreatedAt: now.Add(-time.Minute),
			},
		},
		totalEarned: 50,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/rewards/transactions/1", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp struct {
		Transactions []transactionResponse `json:"transactions"`
		TotalEarned  int64                 `json:"total_earned"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Transactions) != 2 || resp.TotalEarned != 50 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Transactions[0].Points != -30 {
		t.Fatalf("transactions must be newest first, got %+v", resp.Transactions[0])
	}
}

func TestGetLeaderboard(t *testing.T) {
	svc := &stubService{
		board: []model.User{
			{ID: 1, FullName: "First Student", RewardPoints: 120, ReputationScore: 60},
			{ID: 2, FullName: "Second Student", RewardPoints: 80, ReputationScore: 40},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/rewards/leaderboard?sortBy=points&limit=2", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp []leaderboardEntry
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 || resp[0].RewardPoints != 120 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetUserRedemptions_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/rewards/users/1/redemptions", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetStalls(t *testing.T) {
	svc := &stubService{
		stalls: []model.Stall{
			{ID: 1, Name: "Chai Point", Location: "hostel gate", IsActive: true},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/stalls", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp []stallResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].Name != "Chai Point" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
