package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/teodorv/imagemill/internal/api/middleware"
	"github.com/teodorv/imagemill/internal/api/response"
	"github.com/teodorv/imagemill/internal/store"
	"github.com/teodorv/imagemill/pkg/models"
)

// BalanceGetter reads a user's credit account.
type BalanceGetter interface {
	GetCreditAccount(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error)
}

// CreditGranter adds credits to an account, creating it if needed.
type CreditGranter interface {
	AddCredits(ctx context.Context, userID uuid.UUID, amount int64) (*models.CreditAccount, error)
}

// NewBalanceHandler returns an http.HandlerFunc for GET /api/v1/credits.
func NewBalanceHandler(accounts BalanceGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		account, err := accounts.GetCreditAccount(r.Context(), userID)
		if errors.Is(err, store.ErrNotFound) {
			// Never-funded users read as a zero balance.
			response.JSON(w, balanceResponse{UserID: userID.String(), Balance: 0})
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load balance", nil)
			return
		}

		response.JSON(w, balanceResponse{UserID: account.UserID.String(), Balance: account.Balance})
	}
}

// NewGrantCreditsHandler returns an http.HandlerFunc for POST /api/v1/admin/credits.
func NewGrantCreditsHandler(accounts CreditGranter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
			Amount int64  `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a valid UUID", nil)
			return
		}
		if req.Amount <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "amount must be positive", nil)
			return
		}

		account, err := accounts.AddCredits(r.Context(), userID, req.Amount)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to grant credits", nil)
			return
		}

		response.JSON(w, balanceResponse{UserID: account.UserID.String(), Balance: account.Balance})
	}
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}
