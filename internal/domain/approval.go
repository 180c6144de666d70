package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Статусы State Machine
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "pending"
	PendingStatusApproved PendingStatus = "approved"
	PendingStatusRejected PendingStatus = "rejected"
	PendingStatusExpired  PendingStatus = "expired"
)

// PendingPayment создается, когда политика решила HOLD_FOR_APPROVAL.
type PendingPayment struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Endpoint string          `json:"endpoint"`
	Amount   decimal.Decimal `json:"amount"`

	// Снимок исходного предложения и запроса — нужен, чтобы провести оплату без изменений
	Requirement PaymentRequirement `json:"requirement"`
	Request     RequestSnapshot    `json:"-"`

	Status    PendingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	DecidedAt *time.Time    `json:"decided_at,omitempty"`
}

// IsOverdue — запись в pending, но срок действия уже истек.
func (p *PendingPayment) IsOverdue(now time.Time) bool {
	return p.Status == PendingStatusPending && now.After(p.ExpiresAt)
}

// CanTransitionTo проверяет правила конечного автомата.
// Переходы только из pending; approve после ExpiresAt запрещен.
func (p *PendingPayment) CanTransitionTo(next PendingStatus, now time.Time) error {
	if p.Status == PendingStatusExpired || p.IsOverdue(now) {
		return ErrExpiredPending
	}
	if p.Status != PendingStatusPending {
		return ErrConcurrentTransition
	}
	if next == PendingStatusPending {
		return ErrConcurrentTransition
	}
	return nil
}

// ExpiresAtFor вычисляет срок жизни HOLD: дедлайн из требования или fallback.
func ExpiresAtFor(req PaymentRequirement, createdAt time.Time, fallback time.Duration) time.Time {
	if req.MaxTimeoutSeconds > 0 {
		return createdAt.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second)
	}
	return createdAt.Add(fallback)
}
