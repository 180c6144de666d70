package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок платежного движка. Вызывающая сторона сравнивает через errors.Is.
var (
	ErrMalformedRequirements  = errors.New("malformed payment requirements")
	ErrUnsupportedRequirement = errors.New("no supported payment requirement")
	ErrPolicyRejected         = errors.New("payment rejected by spending policy")
	ErrKeyDecryptionFailed    = errors.New("hot wallet key decryption failed")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrSettlementRejected     = errors.New("settlement rejected by resource server")
	ErrNetworkTimeout         = errors.New("network timeout")
	ErrExpiredPending         = errors.New("pending payment expired")
	ErrConcurrentTransition   = errors.New("pending payment already transitioned")

	// ErrRequirementChanged — сервер переоценил ресурс между HOLD и approve.
	ErrRequirementChanged = fmt.Errorf("%w: payment requirement changed since hold", ErrSettlementRejected)
	// ErrOutcomeUnknown — подписанный платеж ушел, но ответ не получен (точка невозврата пройдена).
	ErrOutcomeUnknown = fmt.Errorf("%w: settlement outcome unknown", ErrNetworkTimeout)

	ErrNotFound      = errors.New("not found")
	ErrWalletFrozen  = errors.New("hot wallet is frozen")
	ErrInvalidPolicy = errors.New("invalid spending policy")
)

// PolicyError уточняет, какое правило политики сработало.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPolicyRejected, e.Reason)
}

func (e *PolicyError) Unwrap() error {
	return ErrPolicyRejected
}
