package engine

/*
Файл walletlock.go — сериализация подписи и отправки по горячему кошельку.
Два платежа с одного кошелька не должны одновременно занимать его nonce.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/x402-paygate/internal/infra"
	"go.uber.org/zap"
)

type WalletLocker interface {
	// Lock ждет освобождения кошелька, пока жив ctx. unlock идемпотентен.
	Lock(ctx context.Context, address string) (unlock func(), err error)
}

// LocalWalletLocker — блокировка в пределах процесса.
type LocalWalletLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalWalletLocker() *LocalWalletLocker {
	return &LocalWalletLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalWalletLocker) slot(address string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.ToLower(address)
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

func (l *LocalWalletLocker) Lock(ctx context.Context, address string) (func(), error) {
	s := l.slot(address)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-s }) }, nil
}

var errLockBusy = errors.New("wallet lock is busy")

// Снимаем блокировку, только если она все еще наша
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisWalletLocker — блокировка между инстансами: SET NX PX + compare-and-delete.
// TTL страхует от зависших владельцев и должен превышать таймаут расчета.
type RedisWalletLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

func NewRedisWalletLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisWalletLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisWalletLocker{rdb: rdb, ttl: ttl, poll: 50 * time.Millisecond, logger: logger.Named("walletlock")}
}

func (l *RedisWalletLocker) Lock(ctx context.Context, address string) (func(), error) {
	key := infra.WalletLockKey(strings.ToLower(address))
	token := uuid.NewString()

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(0), // до отмены ctx
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errLockBusy) }),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(l.poll),
	)
	err := r.Do(func() error {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("redis: acquire wallet lock: %w", err))
		}
		if !ok {
			return errLockBusy
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := unlockScript.Run(uctx, l.rdb, []string{key}, token).Err(); err != nil {
				l.logger.Warn("wallet unlock failed, lock will expire by ttl", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
