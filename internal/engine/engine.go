package engine

/*
Файл engine.go — платежный движок x402.

Конвейер AttemptPayment:
  1. fetch исходного запроса (повторы безопасны)
  2. разбор 402 и выбор требования
  3. пользовательская транзакция: политика, текущие траты, решение, резерв
     (строка леджера в pending или отложенный платеж)
  4. блокировка кошелька
  5. подпись авторизации, (payer, nonce) сохраняются в строке леджера
  --- точка невозврата ---
  6. отправка оплаченного запроса
  7. финализация строки леджера

Шаги 4-7 выполняются в горутине, отвязанной от контекста вызывающего:
агент может перестать ждать, но строка леджера все равно будет финализирована.
*/

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/chain"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/policy"
	"github.com/xela07ax/x402-paygate/internal/repository"
	"github.com/xela07ax/x402-paygate/internal/settlement"
	"github.com/xela07ax/x402-paygate/internal/x402"
	"go.uber.org/zap"
)

var errShuttingDown = fmt.Errorf("%w: engine is shutting down", domain.ErrNetworkTimeout)

// Settler — HTTP-плечо расчета (см. settlement.Client).
type Settler interface {
	Fetch(ctx context.Context, snap domain.RequestSnapshot) (*settlement.Response, error)
	Submit(ctx context.Context, snap domain.RequestSnapshot, payment x402.PaymentPayload) (*settlement.Settlement, error)
}

// Authorizer подписывает авторизацию под одно требование (см. signer.Signer).
type Authorizer interface {
	Authorize(ctx context.Context, wallet domain.HotWallet, req domain.PaymentRequirement) (x402.PaymentPayload, error)
}

type SettlementVerifier interface {
	Verify(ctx context.Context, ref string) (*chain.Verification, error)
	// ResolveAuthorization: "" — авторизация в сети еще не использована
	ResolveAuthorization(ctx context.Context, auth domain.AuthorizationRef) (string, error)
}

type Transferor interface {
	Transfer(ctx context.Context, wallet domain.HotWallet, to string, amount *big.Int) (string, error)
}

type Config struct {
	Network           string
	Schemes           []string
	Decimals          int32         // точность актива (USDC — 6)
	PendingTTL        time.Duration // если в требовании нет дедлайна
	SettlementTimeout time.Duration
}

type Deps struct {
	Store      repository.Store
	Settler    Settler
	Signer     Authorizer
	Verifier   SettlementVerifier
	Transferor Transferor // nil — выводы отключены
	Locker     WalletLocker
	Freeze     *FreezeManager
	Auditor    audit.Auditor
	Notifier   PendingNotifier
	Metrics    *Metrics
	Logger     *zap.Logger
}

type Outcome string

const (
	OutcomeSettled         Outcome = "settled"          // оплачено, строка completed
	OutcomeHeld            Outcome = "held"             // ждет решения пользователя
	OutcomeSubmitted       Outcome = "submitted"        // отправлено, исход не наблюдали; строка pending
	OutcomeNotRequired     Outcome = "not_required"     // ресурс не потребовал оплаты
	OutcomeAlreadyApproved Outcome = "already_approved" // повторный approve, no-op
)

type PaymentResult struct {
	Outcome     Outcome                `json:"outcome"`
	Decision    domain.Decision        `json:"decision,omitempty"`
	Transaction *domain.Transaction    `json:"transaction,omitempty"`
	Pending     *domain.PendingPayment `json:"pending,omitempty"`
	Response    *settlement.Response   `json:"response,omitempty"`
}

type Engine struct {
	cfg        Config
	store      repository.Store
	settler    Settler
	signer     Authorizer
	verifier   SettlementVerifier
	transferor Transferor
	locker     WalletLocker
	freeze     *FreezeManager
	auditor    audit.Auditor
	notifier   PendingNotifier
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time

	// Close ждет все отвязанные расчеты
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

func New(cfg Config, d Deps) *Engine {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 60 * time.Second
	}
	if len(cfg.Schemes) == 0 {
		cfg.Schemes = []string{x402.SchemeExact}
	}
	if d.Locker == nil {
		d.Locker = NewLocalWalletLocker()
	}
	if d.Freeze == nil {
		d.Freeze = NewFreezeManager(nil, d.Logger)
	}
	if d.Notifier == nil {
		d.Notifier = noopNotifier{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	return &Engine{
		cfg:        cfg,
		store:      d.Store,
		settler:    d.Settler,
		signer:     d.Signer,
		verifier:   d.Verifier,
		transferor: d.Transferor,
		locker:     d.Locker,
		freeze:     d.Freeze,
		auditor:    d.Auditor,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
		logger:     d.Logger.Named("engine"),
		now:        time.Now,
	}
}

// Close запрещает новые расчеты и ждет завершения начатых.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inflight.Wait()
}

// запас на финализацию строки после истечения SettlementTimeout
const drainMargin = 5 * time.Second

// DrainTimeout — сколько ждать отвязанные расчеты при остановке.
func (e *Engine) DrainTimeout() time.Duration {
	return e.cfg.SettlementTimeout + drainMargin
}

// Shutdown — Close, ограниченный ctx. Ошибка значит, что часть строк могла остаться pending.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttemptPayment проводит запрос агента к платному ресурсу.
func (e *Engine) AttemptPayment(ctx context.Context, caller domain.Caller, snap domain.RequestSnapshot) (res *PaymentResult, err error) {
	start := e.now()
	defer func() { e.observe(res, err) }()

	wallet, err := e.walletFor(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}

	// 1. Исходный запрос без оплаты
	resp, err := e.settler.Fetch(ctx, snap)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &PaymentResult{Outcome: OutcomeNotRequired, Response: resp}, nil
	}

	// 2. Разбор и выбор требования
	req, amount, err := e.selectRequirement(resp)
	if err != nil {
		return nil, err
	}
	endpoint := EndpointOf(snap.URL)

	// 3. Решение и резерв бюджета атомарно
	decision, reason, txn, pending, err := e.reserve(ctx, caller.UserID, endpoint, amount, req, snap)
	if err != nil {
		return nil, err
	}

	event := audit.PaymentEvent{
		TraceID: extractTraceID(ctx), UserID: caller.UserID, Endpoint: endpoint, Amount: amount,
		Stage: audit.StageDecision, Decision: string(decision), DurationMs: e.now().Sub(start).Milliseconds(),
	}

	switch decision {
	case domain.DecisionReject:
		event.Status = string(domain.DecisionReject)
		event.Error = reason
		e.audit(event)
		return nil, &domain.PolicyError{Reason: reason}

	case domain.DecisionHold:
		event.Status = string(pending.Status)
		event.PendingID = pending.ID
		e.audit(event)
		e.metrics.PendingTransitions.WithLabelValues(string(domain.PendingStatusPending)).Inc()
		e.notifier.PendingChanged(ctx, pending)
		return &PaymentResult{Outcome: OutcomeHeld, Decision: decision, Pending: pending}, nil
	}

	event.Status = string(txn.Status)
	event.TransactionID = txn.ID
	e.audit(event)

	// 4-7. Подпись и расчет
	res, err = e.settlePayment(ctx, wallet, txn, req, snap)
	if res != nil {
		res.Decision = decision
	}
	return res, err
}

func (e *Engine) selectRequirement(resp *settlement.Response) (domain.PaymentRequirement, decimal.Decimal, error) {
	reqs, err := x402.ParseRequirements(resp.AsHTTP())
	if err != nil {
		return domain.PaymentRequirement{}, decimal.Zero, err
	}
	req, err := x402.Select(reqs, e.cfg.Network, e.cfg.Schemes...)
	if err != nil {
		return domain.PaymentRequirement{}, decimal.Zero, err
	}
	amount, err := x402.AmountOf(req, e.cfg.Decimals)
	if err != nil {
		return domain.PaymentRequirement{}, decimal.Zero, err
	}
	return req, amount, nil
}

// reserve читает политику и траты, принимает решение и пишет резерв в одной транзакции.
func (e *Engine) reserve(ctx context.Context, userID, endpoint string, amount decimal.Decimal, req domain.PaymentRequirement, snap domain.RequestSnapshot) (
	decision domain.Decision, reason string, txn *domain.Transaction, pending *domain.PendingPayment, err error,
) {
	err = e.store.WithUserTx(ctx, userID, func(tx repository.Tx) error {
		// Транзакция может повториться: состояние замыкания сбрасываем
		txn, pending = nil, nil
		now := e.now()

		sp, err := tx.GetPolicy(ctx, userID, endpoint)
		if err != nil {
			return err
		}
		spend, err := tx.CurrentSpend(ctx, userID, now.Add(-repository.SpendWindow))
		if err != nil {
			return err
		}

		decision, reason = policy.Decide(amount, sp, spend)
		switch decision {
		case domain.DecisionAutoPay:
			txn = &domain.Transaction{
				ID: uuid.NewString(), UserID: userID, Endpoint: endpoint, Amount: amount,
				Type: domain.TransactionPayment, Status: domain.TransactionPending, CreatedAt: now,
			}
			return tx.InsertTransaction(ctx, txn)

		case domain.DecisionHold:
			pending = &domain.PendingPayment{
				ID: uuid.NewString(), UserID: userID, Endpoint: endpoint, Amount: amount,
				Requirement: req, Request: snap, Status: domain.PendingStatusPending,
				CreatedAt: now, ExpiresAt: domain.ExpiresAtFor(req, now, e.cfg.PendingTTL),
			}
			return tx.CreatePending(ctx, pending)
		}
		return nil
	})
	return decision, reason, txn, pending, err
}

// settlePayment — шаги 4-7, отвязанные от контекста вызывающего.
func (e *Engine) settlePayment(ctx context.Context, wallet *domain.HotWallet, txn *domain.Transaction, req domain.PaymentRequirement, snap domain.RequestSnapshot) (*PaymentResult, error) {
	return e.detach(ctx, txn,
		func(sctx context.Context) (*PaymentResult, error) {
			start := e.now()

			unlock, err := e.locker.Lock(sctx, wallet.Address)
			if err != nil {
				err = fmt.Errorf("%w: wallet lock: %v", domain.ErrNetworkTimeout, err)
				e.fail(sctx, txn, err)
				return nil, err
			}
			defer unlock()

			payment, err := e.signer.Authorize(sctx, *wallet, req)
			if err != nil {
				e.fail(sctx, txn, err)
				return nil, err
			}

			// Без сохраненной авторизации исход нельзя будет найти в сети: не отправляем
			auth := authorizationRef(req, payment)
			if err := e.store.AttachAuthorization(sctx, txn.ID, auth); err != nil {
				e.fail(sctx, txn, err)
				return nil, err
			}
			txn.Authorization = &auth

			// --- точка невозврата: подписанная авторизация уходит на ресурс-сервер ---
			s, err := e.settler.Submit(sctx, snap, payment)
			defer func() {
				e.metrics.SettlementDuration.WithLabelValues(string(domain.TransactionPayment), string(txn.Status)).
					Observe(e.now().Sub(start).Seconds())
			}()

			switch {
			case err == nil:
				e.finalize(sctx, txn, domain.TransactionCompleted, optional(s.Reference), nil)
				return &PaymentResult{Outcome: OutcomeSettled, Transaction: txn, Response: s.Response}, nil

			case errors.Is(err, domain.ErrOutcomeUnknown):
				// Повтор мог бы оплатить дважды: строка остается pending, бюджет зарезервирован
				e.logger.Warn("settlement outcome unknown, ledger row left pending",
					zap.String("tx_id", txn.ID), zap.String("user_id", txn.UserID), zap.Error(err))
				e.audit(settlementEvent(sctx, txn, err))
				return &PaymentResult{Outcome: OutcomeSubmitted, Transaction: txn}, nil
			}

			e.fail(sctx, txn, err)
			return nil, err
		})
}

type detached struct {
	res *PaymentResult
	err error
}

// detach запускает run в горутине с контекстом без отмены и таймаутом расчета.
// Если движок уже закрывается, строка леджера финализируется как failed.
func (e *Engine) detach(ctx context.Context, txn *domain.Transaction, run func(ctx context.Context) (*PaymentResult, error)) (*PaymentResult, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		e.fail(context.WithoutCancel(ctx), txn, errShuttingDown)
		return nil, errShuttingDown
	}
	e.inflight.Add(1)
	e.mu.RUnlock()

	done := make(chan detached, 1)
	go func() {
		defer e.inflight.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettlementTimeout)
		defer cancel()
		res, err := run(sctx)
		done <- detached{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		e.logger.Info("caller stopped waiting, settlement continues", zap.String("tx_id", txn.ID))
		return nil, ctx.Err()
	}
}

func (e *Engine) finalize(ctx context.Context, txn *domain.Transaction, status domain.TransactionStatus, ref, reason *string) {
	at := e.now()
	if err := e.store.FinalizeTransaction(ctx, txn.ID, status, ref, reason, at); err != nil {
		// Строку уже финализировали или БД недоступна: в обоих случаях повторять нечего
		e.logger.Error("failed to finalize ledger row",
			zap.String("tx_id", txn.ID), zap.String("status", string(status)), zap.Error(err))
		e.metrics.ErrorTotal.WithLabelValues("finalize").Inc()
		return
	}
	txn.Status = status
	if ref != nil {
		txn.SettlementRef = ref
	}
	txn.ErrorReason = reason
	txn.SettledAt = &at

	var cause error
	if reason != nil {
		cause = errors.New(*reason)
	}
	e.audit(settlementEvent(ctx, txn, cause))
}

func (e *Engine) fail(ctx context.Context, txn *domain.Transaction, cause error) {
	reason := cause.Error()
	e.finalize(ctx, txn, domain.TransactionFailed, nil, &reason)
}

func settlementEvent(ctx context.Context, txn *domain.Transaction, cause error) audit.PaymentEvent {
	stage := audit.StageSettlement
	if txn.Type == domain.TransactionWithdrawal {
		stage = audit.StageWithdrawal
	}
	ev := audit.PaymentEvent{
		TraceID: extractTraceID(ctx), UserID: txn.UserID, Endpoint: txn.Endpoint, Amount: txn.Amount,
		Stage: stage, Status: string(txn.Status), TransactionID: txn.ID,
	}
	if txn.PendingID != nil {
		ev.PendingID = *txn.PendingID
	}
	if txn.SettlementRef != nil {
		ev.SettlementRef = *txn.SettlementRef
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return ev
}

// walletFor загружает кошелек и проверяет kill-switch.
func (e *Engine) walletFor(ctx context.Context, userID string) (*domain.HotWallet, error) {
	if e.freeze.IsFrozen(userID) {
		return nil, fmt.Errorf("%w: %w", domain.ErrPolicyRejected, domain.ErrWalletFrozen)
	}
	w, err := e.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.Frozen {
		return nil, fmt.Errorf("%w: %w", domain.ErrPolicyRejected, domain.ErrWalletFrozen)
	}
	return w, nil
}

func (e *Engine) audit(ev audit.PaymentEvent) {
	if e.auditor != nil {
		e.auditor.Log(ev)
	}
}

func (e *Engine) observe(res *PaymentResult, err error) {
	if err != nil {
		e.metrics.PaymentAttempts.WithLabelValues("error").Inc()
		e.metrics.ErrorTotal.WithLabelValues(errorType(err)).Inc()
		return
	}
	e.metrics.PaymentAttempts.WithLabelValues(string(res.Outcome)).Inc()
}

// errorType — метка метрики для ошибки из таксономии.
func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedRequirements):
		return "malformed_requirements"
	case errors.Is(err, domain.ErrUnsupportedRequirement):
		return "unsupported_requirement"
	case errors.Is(err, domain.ErrPolicyRejected):
		return "policy_rejected"
	case errors.Is(err, domain.ErrKeyDecryptionFailed):
		return "key_decryption_failed"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrRequirementChanged):
		return "requirement_changed"
	case errors.Is(err, domain.ErrSettlementRejected):
		return "settlement_rejected"
	case errors.Is(err, domain.ErrNetworkTimeout):
		return "network_timeout"
	case errors.Is(err, domain.ErrExpiredPending):
		return "expired_pending"
	case errors.Is(err, domain.ErrConcurrentTransition):
		return "concurrent_transition"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}

// EndpointOf приводит URL ресурса к ключу политики: scheme://host/path без query.
func EndpointOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host + u.EscapedPath()
}

func authorizationRef(req domain.PaymentRequirement, p x402.PaymentPayload) domain.AuthorizationRef {
	a := p.Payload.Authorization
	ref := domain.AuthorizationRef{Asset: req.Asset, Payer: a.From, Nonce: a.Nonce}
	if sec, err := strconv.ParseInt(a.ValidBefore, 10, 64); err == nil {
		ref.ValidBefore = time.Unix(sec, 0).UTC()
	}
	return ref
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
