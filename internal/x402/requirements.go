package x402

/*
Файл requirements.go отвечает за разбор ответа 402 и выбор одного предложения оплаты.
Пустой или битый список — отдельная ошибка, а не "оплата не нужна".
*/

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/x402-paygate/internal/domain"
)

// максимальный размер тела 402, который мы готовы читать
const maxRequirementsBody = 1 << 20

// ParseRequirements извлекает упорядоченный список требований из ответа 402.
// Сначала смотрим заголовок PAYMENT-REQUIRED, затем JSON-тело (x402 v1).
func ParseRequirements(resp *http.Response) ([]domain.PaymentRequirement, error) {
	if resp == nil || resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("%w: response is not 402", domain.ErrMalformedRequirements)
	}

	var raw []byte
	if h := resp.Header.Get(HeaderPaymentRequired); h != "" {
		decoded, err := decodeBase64(h)
		if err != nil {
			return nil, fmt.Errorf("%w: header is not base64: %v", domain.ErrMalformedRequirements, err)
		}
		raw = decoded
	} else if resp.Body != nil {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequirementsBody))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", domain.ErrMalformedRequirements, err)
		}
		raw = body
	}

	return DecodeRequirements(raw)
}

// DecodeRequirements разбирает JSON {x402Version, accepts}.
func DecodeRequirements(raw []byte) ([]domain.PaymentRequirement, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("%w: requirements are absent", domain.ErrMalformedRequirements)
	}

	var pr PaymentRequired
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRequirements, err)
	}
	if len(pr.Accepts) == 0 {
		return nil, fmt.Errorf("%w: empty accepts list", domain.ErrMalformedRequirements)
	}
	return pr.Accepts, nil
}

// Select выбирает первое требование в сети кошелька с поддерживаемой схемой.
func Select(reqs []domain.PaymentRequirement, network string, schemes ...string) (domain.PaymentRequirement, error) {
	if len(schemes) == 0 {
		schemes = []string{SchemeExact}
	}
	supported := make(map[string]bool, len(schemes))
	for _, s := range schemes {
		supported[s] = true
	}

	for _, r := range reqs {
		if r.Network != network || !supported[r.Scheme] {
			continue
		}
		if err := validate(r); err != nil {
			continue
		}
		return r, nil
	}
	return domain.PaymentRequirement{}, fmt.Errorf("%w: network %s", domain.ErrUnsupportedRequirement, network)
}

func validate(r domain.PaymentRequirement) error {
	if _, err := AtomicAmount(r); err != nil {
		return err
	}
	if !common.IsHexAddress(r.PayTo) {
		return fmt.Errorf("invalid payTo %q", r.PayTo)
	}
	if !common.IsHexAddress(r.Asset) {
		return fmt.Errorf("invalid asset %q", r.Asset)
	}
	return nil
}

// AtomicAmount — maxAmountRequired как целое число атомарных единиц.
func AtomicAmount(r domain.PaymentRequirement) (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid maxAmountRequired %q", r.MaxAmountRequired)
	}
	return v, nil
}

// AmountOf переводит атомарные единицы в целые единицы токена (1500000 при 6 знаках = 1.5).
func AmountOf(r domain.PaymentRequirement, decimals int32) (decimal.Decimal, error) {
	v, err := AtomicAmount(r)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrUnsupportedRequirement, err)
	}
	return decimal.NewFromBigInt(v, -decimals), nil
}

// Equivalent — то же ли это предложение. Используется при approve, чтобы поймать переоценку.
func Equivalent(a, b domain.PaymentRequirement) bool {
	return a.Scheme == b.Scheme &&
		a.Network == b.Network &&
		a.MaxAmountRequired == b.MaxAmountRequired &&
		strings.EqualFold(a.PayTo, b.PayTo) &&
		strings.EqualFold(a.Asset, b.Asset) &&
		a.Resource == b.Resource
}

// ContainsEquivalent ищет в свежем списке предложение, совпадающее со снимком.
func ContainsEquivalent(reqs []domain.PaymentRequirement, snapshot domain.PaymentRequirement) bool {
	for _, r := range reqs {
		if Equivalent(r, snapshot) {
			return true
		}
	}
	return false
}

// EncodePaymentHeader кодирует авторизацию для заголовка X-PAYMENT.
func EncodePaymentHeader(p PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("x402: marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettlementResponse разбирает X-PAYMENT-RESPONSE. Пустой заголовок — не ошибка.
func DecodeSettlementResponse(h string) (*SettlementResponse, error) {
	if h == "" {
		return nil, nil
	}
	raw, err := decodeBase64(h)
	if err != nil {
		return nil, fmt.Errorf("x402: settlement response is not base64: %w", err)
	}
	var sr SettlementResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("x402: decode settlement response: %w", err)
	}
	return &sr, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
