package repository

/*
Файл store.go — контракт хранилища платежного движка.
Реализации: postgres (pgxpool) и memory (локальный запуск и тесты).

Все, что влияет на решение политики (политика, текущие траты, резерв),
читается и пишется внутри WithUserTx: один пользователь — одна транзакция за раз.
*/

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/domain"
)

// SpendWindow — окно скользящего дневного лимита.
const SpendWindow = 24 * time.Hour

// Tx — операции внутри пользовательской транзакции.
type Tx interface {
	// GetPolicy: политика конкретного endpoint, затем '*' пользователя. nil — политики нет.
	GetPolicy(ctx context.Context, userID, endpoint string) (*domain.SpendingPolicy, error)
	// CurrentSpend: платежи pending|completed + HOLD в pending начиная с since.
	CurrentSpend(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	CreatePending(ctx context.Context, p *domain.PendingPayment) error
	GetPendingForUpdate(ctx context.Context, id string) (*domain.PendingPayment, error)
	// SetPendingStatus — CAS: from -> to. Проигравший получает ErrConcurrentTransition.
	SetPendingStatus(ctx context.Context, id string, from, to domain.PendingStatus, at time.Time) error
}

type Store interface {
	WithUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error

	// FinalizeTransaction — CAS из pending. Строка финализируется ровно один раз.
	FinalizeTransaction(ctx context.Context, id string, status domain.TransactionStatus, ref, reason *string, at time.Time) error
	// AttachReference записывает ссылку на расчет, не меняя статус (исход еще неизвестен).
	AttachReference(ctx context.Context, id, ref string) error
	// AttachAuthorization сохраняет подписанную авторизацию до отправки платежа.
	AttachAuthorization(ctx context.Context, id string, auth domain.AuthorizationRef) error

	GetPending(ctx context.Context, id string) (*domain.PendingPayment, error)
	ListPending(ctx context.Context, userID string, status domain.PendingStatus) ([]*domain.PendingPayment, error)
	// ExpireOverdue переводит просроченные pending в expired (ленивое истечение).
	ExpireOverdue(ctx context.Context, userID string, now time.Time) (int, error)

	ListTransactions(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error)
	GetTransactionByRef(ctx context.Context, userID, ref string) (*domain.Transaction, error)

	GetWallet(ctx context.Context, userID string) (*domain.HotWallet, error)
	SaveWallet(ctx context.Context, w *domain.HotWallet) error
	SetWalletFrozen(ctx context.Context, userID string, frozen bool) error
	ListFrozenUsers(ctx context.Context) ([]string, error)

	UpsertPolicy(ctx context.Context, p *domain.SpendingPolicy) error

	// Аудит пишется пачками через AgentFS
	WriteBatch(ctx context.Context, events []audit.PaymentEvent) error
	// FetchLogs — журнал пользователя, новые первыми. Пустой stage — все стадии.
	FetchLogs(ctx context.Context, userID, stage string, limit int) ([]audit.PaymentEvent, error)

	Ping(ctx context.Context) error
	Close()
}
