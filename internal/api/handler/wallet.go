package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/x402-paygate/internal/domain"
)

// History — GET /v1/transactions?limit=50
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	txs, err := h.engine.ListHistory(r.Context(), caller, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// Audit — GET /v1/audit?stage=SETTLEMENT&limit=50
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	logs, err := h.engine.ListAudit(r.Context(), caller, r.URL.Query().Get("stage"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// Verify — GET /v1/settlements/{ref}
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}

	v, err := h.engine.VerifySettlement(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type PolicyRequest struct {
	Endpoint             string          `json:"endpoint"`
	PerRequestLimit      decimal.Decimal `json:"per_request_limit"`
	DailyLimit           decimal.Decimal `json:"daily_limit"`
	RequireApprovalAbove decimal.Decimal `json:"require_approval_above"`
}

// SetPolicy — PUT /v1/policies
func (h *Handler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}

	p, err := h.engine.SetPolicy(r.Context(), caller, domain.SpendingPolicy{
		Endpoint:             req.Endpoint,
		PerRequestLimit:      req.PerRequestLimit,
		DailyLimit:           req.DailyLimit,
		RequireApprovalAbove: req.RequireApprovalAbove,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type WithdrawRequest struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// Withdraw — POST /v1/wallet/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}

	res, err := h.engine.Withdraw(r.Context(), caller, req.To, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, resultStatus(res), res)
}

type FreezeRequest struct {
	Frozen bool `json:"frozen"`
}

// Freeze — POST /v1/wallet/freeze. Kill-switch собственного кошелька.
func (h *Handler) Freeze(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req FreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}

	if err := h.engine.SetFrozen(r.Context(), caller.UserID, req.Frozen); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
