package engine

/*
Файл reconcile.go — досверка леджера с сетью при чтении истории.
Строка, у которой нет ссылки на расчет, ищется по событию AuthorizationUsed.
Авторизация, истекшая неиспользованной, уже не может быть списана: строка закрывается как failed.
*/

import (
	"context"
	"time"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"go.uber.org/zap"
)

// запас на индексацию логов после истечения авторизации
const reconcileGrace = 5 * time.Minute

const reasonAuthorizationExpired = "authorization expired unused"

func needsReconcile(tr *domain.Transaction) bool {
	return tr.Type == domain.TransactionPayment &&
		tr.Authorization != nil &&
		tr.SettlementRef == nil &&
		tr.Status != domain.TransactionFailed
}

// reconcile обновляет строки на месте. Ошибки сети не мешают отдать историю.
func (e *Engine) reconcile(ctx context.Context, rows []*domain.Transaction) {
	if e.verifier == nil {
		return
	}
	for _, tr := range rows {
		if !needsReconcile(tr) {
			continue
		}
		ref, err := e.verifier.ResolveAuthorization(ctx, *tr.Authorization)
		if err != nil {
			e.logger.Warn("reconcile: chain lookup failed", zap.String("tx_id", tr.ID), zap.Error(err))
			e.metrics.ErrorTotal.WithLabelValues("reconcile").Inc()
			return
		}

		switch {
		case ref != "" && tr.Status == domain.TransactionPending:
			e.logger.Info("reconcile: pending payment found on chain", zap.String("tx_id", tr.ID), zap.String("ref", ref))
			e.finalize(ctx, tr, domain.TransactionCompleted, &ref, nil)

		case ref != "":
			if err := e.store.AttachReference(ctx, tr.ID, ref); err != nil {
				e.logger.Error("reconcile: failed to attach settlement ref", zap.String("tx_id", tr.ID), zap.Error(err))
				continue
			}
			tr.SettlementRef = &ref

		case tr.Status == domain.TransactionPending && expiredUnused(tr.Authorization, e.now()):
			e.logger.Info("reconcile: authorization expired unused, releasing budget", zap.String("tx_id", tr.ID))
			reason := reasonAuthorizationExpired
			e.finalize(ctx, tr, domain.TransactionFailed, nil, &reason)
		}
	}
}

func expiredUnused(a *domain.AuthorizationRef, now time.Time) bool {
	return !a.ValidBefore.IsZero() && now.After(a.ValidBefore.Add(reconcileGrace))
}
