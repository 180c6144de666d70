package policy

import (
	"github.com/shopspring/decimal"
	"github.com/xela07ax/x402-paygate/internal/domain"
)

// Причины отказа (попадают в PolicyError и аудит)
const (
	ReasonNoPolicy        = "no spending policy configured"
	ReasonInvalidAmount   = "amount must be positive"
	ReasonPerRequestLimit = "amount exceeds per-request limit"
	ReasonDailyLimit      = "amount would exceed daily limit"
)

// Decide — чистая функция принятия решения. Правила проверяются по порядку,
// равенство на любом пороге дает менее строгий исход.
// Атомарность чтения currentSpend обеспечивает вызывающий (транзакция пользователя).
func Decide(amount decimal.Decimal, p *domain.SpendingPolicy, currentSpend decimal.Decimal) (domain.Decision, string) {
	// Нет политики — запрет по умолчанию (Zero Trust)
	if p == nil {
		return domain.DecisionReject, ReasonNoPolicy
	}
	if !amount.IsPositive() {
		return domain.DecisionReject, ReasonInvalidAmount
	}

	// 1. Слишком крупный разовый платеж не проходит никогда
	if amount.GreaterThan(p.PerRequestLimit) {
		return domain.DecisionReject, ReasonPerRequestLimit
	}

	// 2. Approve тоже расходует дневной бюджет, поэтому отказ, а не HOLD
	if currentSpend.Add(amount).GreaterThan(p.DailyLimit) {
		return domain.DecisionReject, ReasonDailyLimit
	}

	// 3. Выше порога — ручное подтверждение
	if amount.GreaterThan(p.RequireApprovalAbove) {
		return domain.DecisionHold, ""
	}

	return domain.DecisionAutoPay, ""
}
