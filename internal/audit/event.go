package audit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Стадии, на которых движок пишет событие
const (
	StageDecision   = "DECISION"   // решение политики
	StageSettlement = "SETTLEMENT" // итог расчета
	StageApproval   = "APPROVAL"   // approve / reject / expire
	StageWithdrawal = "WITHDRAWAL"
	StageFreeze     = "FREEZE"
)

type PaymentEvent struct {
	ID       string          `json:"id"`       // UUID события
	TraceID  string          `json:"trace_id"` // Сквозной ID запроса
	UserID   string          `json:"user_id"`
	Endpoint string          `json:"endpoint"`
	Amount   decimal.Decimal `json:"amount"`

	Stage    string `json:"stage"`
	Decision string `json:"decision,omitempty"` // AUTO_PAY / HOLD_FOR_APPROVAL / REJECT
	Status   string `json:"status"`             // статус строки леджера или pending-записи

	TransactionID string `json:"transaction_id,omitempty"`
	PendingID     string `json:"pending_id,omitempty"`
	SettlementRef string `json:"settlement_ref,omitempty"`

	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
