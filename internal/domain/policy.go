package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Decision определяет, что делать с платежом
type Decision string

const (
	DecisionAutoPay Decision = "AUTO_PAY"          // Подписать и провести сразу
	DecisionHold    Decision = "HOLD_FOR_APPROVAL" // Отложить до ручного подтверждения
	DecisionReject  Decision = "REJECT"            // Отказать
)

// WildcardEndpoint — политика пользователя по умолчанию для всех эндпоинтов.
const WildcardEndpoint = "*"

// SpendingPolicy — лимиты расходов пользователя, опционально уточненные для эндпоинта.
// Меняется только явной настройкой пользователя, движок ее никогда не пишет.
type SpendingPolicy struct {
	UserID               string          `json:"user_id"`
	Endpoint             string          `json:"endpoint"` // "*" для всех эндпоинтов
	PerRequestLimit      decimal.Decimal `json:"per_request_limit"`
	DailyLimit           decimal.Decimal `json:"daily_limit"`
	RequireApprovalAbove decimal.Decimal `json:"require_approval_above"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Validate проверяет согласованность порогов.
func (p *SpendingPolicy) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidPolicy)
	}
	if p.PerRequestLimit.IsNegative() || p.DailyLimit.IsNegative() || p.RequireApprovalAbove.IsNegative() {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidPolicy)
	}
	if p.RequireApprovalAbove.GreaterThan(p.DailyLimit) {
		return fmt.Errorf("%w: require_approval_above must not exceed daily_limit", ErrInvalidPolicy)
	}
	return nil
}
