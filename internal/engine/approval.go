package engine

/*
Файл approval.go — ручное подтверждение отложенных платежей (HITL).

Approve повторно запрашивает ресурс: если сервер больше не предлагает
эквивалентное требование, запись истекает и платеж не проводится.
Подписывается исходное требование, сохраненное при HOLD.
*/

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/repository"
	"github.com/xela07ax/x402-paygate/internal/x402"
	"go.uber.org/zap"
)

// ApprovePending подтверждает отложенный платеж и проводит его.
func (e *Engine) ApprovePending(ctx context.Context, caller domain.Caller, id string) (res *PaymentResult, err error) {
	defer func() { e.observe(res, err) }()

	p, err := e.ownedPending(ctx, caller.UserID, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case domain.PendingStatusApproved:
		return &PaymentResult{Outcome: OutcomeAlreadyApproved, Pending: p}, nil
	case domain.PendingStatusExpired:
		return nil, domain.ErrExpiredPending
	case domain.PendingStatusRejected:
		return nil, domain.ErrConcurrentTransition
	}

	wallet, err := e.walletFor(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}

	if err := e.checkRequote(ctx, p); err != nil {
		return nil, err
	}

	var (
		txn     *domain.Transaction
		already bool
	)
	err = e.store.WithUserTx(ctx, caller.UserID, func(tx repository.Tx) error {
		txn, already = nil, false
		now := e.now()

		cur, err := tx.GetPendingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == domain.PendingStatusApproved {
			already = true
			return nil
		}
		if err := cur.CanTransitionTo(domain.PendingStatusApproved, now); err != nil {
			return err
		}
		if err := tx.SetPendingStatus(ctx, id, domain.PendingStatusPending, domain.PendingStatusApproved, now); err != nil {
			return err
		}

		// Сумма уже учтена в тратах как HOLD: политика повторно не применяется
		pendingID := cur.ID
		txn = &domain.Transaction{
			ID: uuid.NewString(), UserID: cur.UserID, Endpoint: cur.Endpoint, Amount: cur.Amount,
			Type: domain.TransactionPayment, Status: domain.TransactionPending,
			PendingID: &pendingID, CreatedAt: now,
		}
		return tx.InsertTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	if already {
		p.Status = domain.PendingStatusApproved
		return &PaymentResult{Outcome: OutcomeAlreadyApproved, Pending: p}, nil
	}

	p.Status = domain.PendingStatusApproved
	e.pendingChanged(ctx, p, txn.ID)

	res, err = e.settlePayment(ctx, wallet, txn, p.Requirement, p.Request)
	if res != nil {
		res.Decision = domain.DecisionAutoPay
		res.Pending = p
	}
	return res, err
}

// RejectPending отклоняет отложенный платеж. Повторный reject — no-op.
func (e *Engine) RejectPending(ctx context.Context, caller domain.Caller, id string) (*domain.PendingPayment, error) {
	p, err := e.ownedPending(ctx, caller.UserID, id)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PendingStatusRejected {
		return p, nil
	}

	var already bool
	err = e.store.WithUserTx(ctx, caller.UserID, func(tx repository.Tx) error {
		already = false
		now := e.now()

		cur, err := tx.GetPendingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == domain.PendingStatusRejected {
			already = true
			return nil
		}
		if err := cur.CanTransitionTo(domain.PendingStatusRejected, now); err != nil {
			return err
		}
		return tx.SetPendingStatus(ctx, id, domain.PendingStatusPending, domain.PendingStatusRejected, now)
	})
	if err != nil {
		e.metrics.ErrorTotal.WithLabelValues(errorType(err)).Inc()
		return nil, err
	}

	p.Status = domain.PendingStatusRejected
	if !already {
		at := e.now()
		p.DecidedAt = &at
		e.pendingChanged(ctx, p, "")
	}
	return p, nil
}

// ListPending возвращает отложенные платежи пользователя. Просроченные сначала истекают.
func (e *Engine) ListPending(ctx context.Context, caller domain.Caller, status domain.PendingStatus) ([]*domain.PendingPayment, error) {
	if _, err := e.store.ExpireOverdue(ctx, caller.UserID, e.now()); err != nil {
		return nil, err
	}
	return e.store.ListPending(ctx, caller.UserID, status)
}

// ownedPending применяет ленивое истечение и проверяет владельца.
// Чужая запись неотличима от несуществующей.
func (e *Engine) ownedPending(ctx context.Context, userID, id string) (*domain.PendingPayment, error) {
	n, err := e.store.ExpireOverdue(ctx, userID, e.now())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		e.metrics.PendingTransitions.WithLabelValues(string(domain.PendingStatusExpired)).Add(float64(n))
	}

	p, err := e.store.GetPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("pending payment %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// checkRequote сравнивает текущие требования ресурса с сохраненным снимком.
// При расхождении запись переводится в expired.
func (e *Engine) checkRequote(ctx context.Context, p *domain.PendingPayment) error {
	resp, err := e.settler.Fetch(ctx, p.Request)
	if err != nil {
		return err
	}

	changed := resp.StatusCode != http.StatusPaymentRequired
	if !changed {
		reqs, err := x402.ParseRequirements(resp.AsHTTP())
		changed = err != nil || !x402.ContainsEquivalent(reqs, p.Requirement)
	}
	if !changed {
		return nil
	}

	e.logger.Info("payment requirement changed since hold, expiring",
		zap.String("pending_id", p.ID), zap.String("user_id", p.UserID), zap.Int("status", resp.StatusCode))

	err = e.store.WithUserTx(ctx, p.UserID, func(tx repository.Tx) error {
		return tx.SetPendingStatus(ctx, p.ID, domain.PendingStatusPending, domain.PendingStatusExpired, e.now())
	})
	if err != nil && !errors.Is(err, domain.ErrConcurrentTransition) {
		return err
	}
	if err == nil {
		p.Status = domain.PendingStatusExpired
		e.pendingChanged(ctx, p, "")
	}
	return domain.ErrRequirementChanged
}

func (e *Engine) pendingChanged(ctx context.Context, p *domain.PendingPayment, txID string) {
	e.metrics.PendingTransitions.WithLabelValues(string(p.Status)).Inc()
	e.notifier.PendingChanged(ctx, p)
	e.audit(audit.PaymentEvent{
		TraceID: extractTraceID(ctx), UserID: p.UserID, Endpoint: p.Endpoint, Amount: p.Amount,
		Stage: audit.StageApproval, Status: string(p.Status), PendingID: p.ID, TransactionID: txID,
	})
}
