package x402

import "github.com/xela07ax/x402-paygate/internal/domain"

// Заголовки протокола x402
const (
	HeaderPaymentRequired = "PAYMENT-REQUIRED"   // base64(JSON) со списком требований
	HeaderPayment         = "X-PAYMENT"          // подписанная авторизация клиента
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE" // результат расчета от ресурс-сервера
)

const (
	Version     = 1
	SchemeExact = "exact"
)

// PaymentRequired — тело/заголовок ответа 402.
type PaymentRequired struct {
	X402Version int                         `json:"x402Version"`
	Error       string                      `json:"error,omitempty"`
	Accepts     []domain.PaymentRequirement `json:"accepts"`
}

// PaymentPayload — то, что уходит в заголовке X-PAYMENT.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload — подпись EIP-3009 и авторизованные параметры перевода.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SettlementResponse — содержимое X-PAYMENT-RESPONSE.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}
