package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/infra"
	"go.uber.org/zap"
)

// PendingNotifier сообщает внешним подписчикам (дашборд) о переходах отложенных платежей.
type PendingNotifier interface {
	PendingChanged(ctx context.Context, p *domain.PendingPayment)
}

type pendingSignal struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Status    domain.PendingStatus `json:"status"`
	Amount    string               `json:"amount"`
	ExpiresAt time.Time            `json:"expires_at"`
}

type RedisNotifier struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisNotifier(rdb *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, logger: logger.Named("notifier")}
}

// PendingChanged не влияет на исход операции: ошибки только логируются.
func (n *RedisNotifier) PendingChanged(ctx context.Context, p *domain.PendingPayment) {
	raw, err := json.Marshal(pendingSignal{
		ID: p.ID, UserID: p.UserID, Status: p.Status, Amount: p.Amount.String(), ExpiresAt: p.ExpiresAt,
	})
	if err != nil {
		return
	}
	if err := n.rdb.Publish(context.WithoutCancel(ctx), infra.RedisChanPendingEvents, raw).Err(); err != nil {
		n.logger.Warn("failed to publish pending event", zap.String("id", p.ID), zap.Error(err))
	}
}

type noopNotifier struct{}

func (noopNotifier) PendingChanged(context.Context, *domain.PendingPayment) {}
