package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/chain"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/engine"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
	"go.uber.org/zap"
)

// PaymentEngine — то, что API вызывает у движка.
type PaymentEngine interface {
	AttemptPayment(ctx context.Context, caller domain.Caller, snap domain.RequestSnapshot) (*engine.PaymentResult, error)
	ApprovePending(ctx context.Context, caller domain.Caller, id string) (*engine.PaymentResult, error)
	RejectPending(ctx context.Context, caller domain.Caller, id string) (*domain.PendingPayment, error)
	ListPending(ctx context.Context, caller domain.Caller, status domain.PendingStatus) ([]*domain.PendingPayment, error)
	ListHistory(ctx context.Context, caller domain.Caller, limit int) ([]*domain.Transaction, error)
	ListAudit(ctx context.Context, caller domain.Caller, stage string, limit int) ([]audit.PaymentEvent, error)
	VerifySettlement(ctx context.Context, ref string) (*chain.Verification, error)
	Withdraw(ctx context.Context, caller domain.Caller, to string, amount decimal.Decimal) (*engine.PaymentResult, error)
	SetFrozen(ctx context.Context, userID string, frozen bool) error
	SetPolicy(ctx context.Context, caller domain.Caller, p domain.SpendingPolicy) (*domain.SpendingPolicy, error)
}

type Handler struct {
	engine PaymentEngine
	logger *zap.Logger
}

func New(e PaymentEngine, logger *zap.Logger) *Handler {
	return &Handler{engine: e, logger: logger.Named("api")}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError переводит таксономию ошибок в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Error: code, Message: err.Error()}

	var pe *domain.PolicyError
	if errors.As(err, &pe) {
		body.Reason = pe.Reason
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Debug("request refused", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, chain.ErrInvalidReference), errors.Is(err, domain.ErrInvalidPolicy):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrMalformedRequirements):
		return http.StatusUnprocessableEntity, "malformed_requirements"
	case errors.Is(err, domain.ErrUnsupportedRequirement):
		return http.StatusUnprocessableEntity, "unsupported_requirement"
	case errors.Is(err, domain.ErrPolicyRejected):
		return http.StatusForbidden, "policy_rejected"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, domain.ErrConcurrentTransition):
		return http.StatusConflict, "concurrent_transition"
	case errors.Is(err, domain.ErrExpiredPending):
		return http.StatusGone, "expired_pending"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrRequirementChanged):
		return http.StatusBadGateway, "requirement_changed"
	case errors.Is(err, domain.ErrSettlementRejected):
		return http.StatusBadGateway, "settlement_rejected"
	case errors.Is(err, domain.ErrNetworkTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "network_timeout"
	case errors.Is(err, domain.ErrKeyDecryptionFailed):
		return http.StatusInternalServerError, "key_decryption_failed"
	}
	return http.StatusInternalServerError, "internal"
}

var errBadRequest = errors.New("bad request")

// limitParam разбирает ?limit=; 0 — лимит по умолчанию хранилища.
func limitParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	return n, nil
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	c, ok := auth.CallerFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return c, ok
}

// resultStatus: отложенный и отправленный без подтверждения платеж — 202.
func resultStatus(res *engine.PaymentResult) int {
	switch res.Outcome {
	case engine.OutcomeHeld, engine.OutcomeSubmitted:
		return http.StatusAccepted
	}
	return http.StatusOK
}
