package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionPayment    TransactionType = "payment"
	TransactionWithdrawal TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction — строка леджера, одна на каждую попытку расчета.
// Строка вставляется в pending (резерв бюджета) и финализируется ровно один раз.
// Повторная попытка — это новая строка, история не переписывается.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Endpoint      string            `json:"endpoint"`
	Amount        decimal.Decimal   `json:"amount"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	SettlementRef *string           `json:"settlement_ref,omitempty"` // Хэш транзакции в сети, если известен
	PendingID     *string           `json:"pending_id,omitempty"`
	ErrorReason   *string           `json:"error_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`

	// Подписанная авторизация EIP-3009: по ней расчет находится в сети,
	// даже если фасилитатор не вернул ссылку
	Authorization *AuthorizationRef `json:"authorization,omitempty"`
}

// AuthorizationRef — координаты авторизации transferWithAuthorization.
// Пара (payer, nonce) на контракте токена расходуется не больше одного раза.
type AuthorizationRef struct {
	Asset       string    `json:"asset"`
	Payer       string    `json:"payer"`
	Nonce       string    `json:"nonce"`
	ValidBefore time.Time `json:"valid_before"`
}
