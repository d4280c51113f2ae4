package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/apperr"
	"github.com/smsrelay/backend/internal/ledger"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/services"
)

// Withdrawer runs a withdrawal to its terminal state.
type Withdrawer interface {
	Withdraw(ctx context.Context, w ledger.Withdrawal) (*models.Transaction, error)
}

// WalletReader serves balance and history reads.
type WalletReader interface {
	Wallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

type WalletHandler struct {
	Payouts   Withdrawer
	Wallets   WalletReader
	Validator *services.Validator
	Logger    *slog.Logger
}

type withdrawRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
	Details     string `json:"details"`
}

type withdrawFailedResponse struct {
	apperr.Body
	Transaction *models.Transaction `json:"transaction"`
}

// --- POST /wallet/withdraw ---

// Withdraw answers with the terminal transaction. A provider failure is a
// 502 that still carries the FAILED entry so the client can show the refund.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	var req withdrawRequest
	if err := h.Validator.Decode(services.SchemaWithdraw, body, &req); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	txn, err := h.Payouts.Withdraw(r.Context(), ledger.Withdrawal{
		UserID:      id.UserID,
		AmountCents: req.AmountCents,
		Method:      req.Method,
		Details:     req.Details,
	})
	if err != nil {
		if txn != nil && apperr.KindOf(err) == apperr.KindExternalProvider {
			status, b := apperr.ToBody(err)
			writeJSON(w, status, withdrawFailedResponse{Body: b, Transaction: txn})
			return
		}
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// --- GET /wallet ---

func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	wallet, err := h.Wallets.Wallet(r.Context(), id.UserID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// --- GET /wallet/transactions?limit=N ---

type transactionsResponse struct {
	Count        int                   `json:"count"`
	Transactions []*models.Transaction `json:"transactions"`
}

func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, h.Logger, r, apperr.Validation(apperr.CodeInvalidInput, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	txns, err := h.Wallets.Transactions(r.Context(), id.UserID, limit)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if txns == nil {
		txns = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, transactionsResponse{Count: len(txns), Transactions: txns})
}
