package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/chain"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/repository"
	"go.uber.org/zap"
)

var errWithdrawalsDisabled = fmt.Errorf("%w: withdrawals are disabled", domain.ErrUnsupportedRequirement)

// ListHistory — леджер пользователя, новые записи первыми.
// Строки без известного исхода по пути досверяются с сетью.
func (e *Engine) ListHistory(ctx context.Context, caller domain.Caller, limit int) ([]*domain.Transaction, error) {
	rows, err := e.store.ListTransactions(ctx, caller.UserID, limit)
	if err != nil {
		return nil, err
	}
	e.reconcile(ctx, rows)
	return rows, nil
}

// ListAudit — журнал решений и расчетов пользователя.
func (e *Engine) ListAudit(ctx context.Context, caller domain.Caller, stage string, limit int) ([]audit.PaymentEvent, error) {
	return e.store.FetchLogs(ctx, caller.UserID, stage, limit)
}

// VerifySettlement проверяет расчет в сети. Леджер не меняется.
func (e *Engine) VerifySettlement(ctx context.Context, ref string) (*chain.Verification, error) {
	if e.verifier == nil {
		return nil, fmt.Errorf("%w: chain verifier is not configured", domain.ErrNetworkTimeout)
	}
	return e.verifier.Verify(ctx, ref)
}

// SetPolicy сохраняет политику трат пользователя.
func (e *Engine) SetPolicy(ctx context.Context, caller domain.Caller, p domain.SpendingPolicy) (*domain.SpendingPolicy, error) {
	p.UserID = caller.UserID
	if p.Endpoint == "" {
		p.Endpoint = domain.WildcardEndpoint
	} else if p.Endpoint != domain.WildcardEndpoint {
		p.Endpoint = EndpointOf(p.Endpoint)
	}
	p.UpdatedAt = e.now()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.UpsertPolicy(ctx, &p); err != nil {
		return nil, err
	}
	e.logger.Info("spending policy updated", zap.String("user_id", p.UserID), zap.String("endpoint", p.Endpoint))
	return &p, nil
}

// SetFrozen включает или снимает kill-switch для кошелька пользователя.
// Источник истины — БД, затем RAM и сигнал остальным инстансам.
func (e *Engine) SetFrozen(ctx context.Context, userID string, frozen bool) error {
	if err := e.store.SetWalletFrozen(ctx, userID, frozen); err != nil {
		return err
	}
	if err := e.freeze.Set(ctx, userID, frozen); err != nil {
		// Локально состояние уже применено, остальные инстансы догонят на переподключении
		e.logger.Error("failed to broadcast freeze signal", zap.String("user_id", userID), zap.Error(err))
	}

	status := "unfrozen"
	if frozen {
		status = "frozen"
	}
	e.audit(audit.PaymentEvent{TraceID: extractTraceID(ctx), UserID: userID, Stage: audit.StageFreeze, Status: status})
	return nil
}

// Withdraw переводит токены с горячего кошелька на внешний адрес.
// Политика трат не применяется, строка леджера проходит тот же цикл pending -> final.
func (e *Engine) Withdraw(ctx context.Context, caller domain.Caller, to string, amount decimal.Decimal) (res *PaymentResult, err error) {
	if e.transferor == nil {
		return nil, errWithdrawalsDisabled
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: invalid destination address", domain.ErrMalformedRequirements)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrMalformedRequirements)
	}
	atomic := amount.Shift(e.cfg.Decimals)
	if !atomic.Equal(atomic.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount exceeds asset precision", domain.ErrMalformedRequirements)
	}

	wallet, err := e.walletFor(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}

	var txn *domain.Transaction
	err = e.store.WithUserTx(ctx, caller.UserID, func(tx repository.Tx) error {
		txn = &domain.Transaction{
			ID: uuid.NewString(), UserID: caller.UserID, Endpoint: common.HexToAddress(to).Hex(), Amount: amount,
			Type: domain.TransactionWithdrawal, Status: domain.TransactionPending, CreatedAt: e.now(),
		}
		return tx.InsertTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	e.audit(settlementEvent(ctx, txn, nil))

	return e.detach(ctx, txn, func(sctx context.Context) (*PaymentResult, error) {
		start := e.now()
		defer func() {
			e.metrics.SettlementDuration.WithLabelValues(string(domain.TransactionWithdrawal), string(txn.Status)).
				Observe(e.now().Sub(start).Seconds())
		}()

		unlock, err := e.locker.Lock(sctx, wallet.Address)
		if err != nil {
			err = fmt.Errorf("%w: wallet lock: %v", domain.ErrNetworkTimeout, err)
			e.fail(sctx, txn, err)
			return nil, err
		}
		defer unlock()

		hash, err := e.transferor.Transfer(sctx, *wallet, to, atomic.BigInt())
		switch {
		case err == nil:
			e.finalize(sctx, txn, domain.TransactionCompleted, optional(hash), nil)
			return &PaymentResult{Outcome: OutcomeSettled, Transaction: txn}, nil

		case errors.Is(err, domain.ErrOutcomeUnknown):
			// Транзакция могла попасть в мемпул: сохраняем хэш для сверки, строка остается pending
			if hash != "" {
				if aerr := e.store.AttachReference(sctx, txn.ID, hash); aerr != nil {
					e.logger.Error("failed to attach withdrawal hash", zap.String("tx_id", txn.ID), zap.Error(aerr))
				} else {
					txn.SettlementRef = &hash
				}
			}
			e.logger.Warn("withdrawal outcome unknown, ledger row left pending",
				zap.String("tx_id", txn.ID), zap.String("hash", hash), zap.Error(err))
			e.audit(settlementEvent(sctx, txn, err))
			return &PaymentResult{Outcome: OutcomeSubmitted, Transaction: txn}, nil
		}

		e.fail(sctx, txn, err)
		return nil, err
	})
}
