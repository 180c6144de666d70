package domain

import "net/http"

// PaymentRequirement — одно предложение оплаты из ответа 402.
// Не хранится отдельно, только как снимок внутри PendingPayment.
type PaymentRequirement struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"` // В атомарных единицах токена
	Resource          string           `json:"resource"`
	Description       string           `json:"description,omitempty"`
	MimeType          string           `json:"mimeType,omitempty"`
	PayTo             string           `json:"payTo"`
	MaxTimeoutSeconds int64            `json:"maxTimeoutSeconds,omitempty"`
	Asset             string           `json:"asset"`
	Extra             RequirementExtra `json:"extra,omitempty"`
}

// RequirementExtra — параметры EIP-712 домена токена.
type RequirementExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// RequestSnapshot — исходный запрос агента к ресурсу.
// После approve он воспроизводится без изменений.
type RequestSnapshot struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}
