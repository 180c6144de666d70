package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/x402-paygate/internal/domain"
)

const maxPaymentBody = 1 << 20

// PaymentRequest — запрос агента к платному ресурсу.
type PaymentRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (p PaymentRequest) snapshot() (domain.RequestSnapshot, error) {
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.RequestSnapshot{}, fmt.Errorf("%w: url must be absolute http(s)", errBadRequest)
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	header := make(http.Header, len(p.Headers))
	for k, v := range p.Headers {
		header.Set(k, v)
	}
	snap := domain.RequestSnapshot{Method: method, URL: u.String(), Header: header}
	if p.Body != "" {
		snap.Body = []byte(p.Body)
	}
	return snap, nil
}

// Attempt — POST /v1/payments
func (h *Handler) Attempt(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req PaymentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPaymentBody)).Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}
	snap, err := req.snapshot()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.engine.AttemptPayment(r.Context(), caller, snap)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, resultStatus(res), res)
}

// ListPending — GET /v1/pending?status=pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	status := domain.PendingStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.PendingStatusPending, domain.PendingStatusApproved, domain.PendingStatusRejected, domain.PendingStatusExpired:
	default:
		h.writeError(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, status))
		return
	}

	list, err := h.engine.ListPending(r.Context(), caller, status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Approve — POST /v1/pending/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	res, err := h.engine.ApprovePending(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, resultStatus(res), res)
}

// Reject — POST /v1/pending/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	p, err := h.engine.RejectPending(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
