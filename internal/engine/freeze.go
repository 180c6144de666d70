package engine

/*
Файл freeze.go — kill-switch горячих кошельков.
L1 — RAM-карта (проверка на горячем пути без сети),
L2 — Redis set, синхронизация инстансов через Pub/Sub.
Без Redis менеджер работает только на L1 (один инстанс).
*/

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/x402-paygate/internal/infra"
	"go.uber.org/zap"
)

type FreezeManager struct {
	mu     sync.RWMutex
	frozen map[string]struct{}
	rdb    *redis.Client
	logger *zap.Logger
}

func NewFreezeManager(rdb *redis.Client, logger *zap.Logger) *FreezeManager {
	return &FreezeManager{
		frozen: make(map[string]struct{}),
		rdb:    rdb,
		logger: logger.Named("freeze"),
	}
}

func (m *FreezeManager) IsFrozen(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.frozen[userID]
	return ok
}

func (m *FreezeManager) apply(userID string, frozen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if frozen {
		m.frozen[userID] = struct{}{}
	} else {
		delete(m.frozen, userID)
	}
}

func (m *FreezeManager) merge(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.frozen[id] = struct{}{}
	}
}

// Warmup загружает замороженные кошельки из БД при старте.
// Redis-набор пересобирает только один инстанс: БД — источник истины,
// пропущенная разморозка не должна пережить рестарт.
func (m *FreezeManager) Warmup(ctx context.Context, ids []string) error {
	m.merge(ids)
	if m.rdb == nil {
		return nil
	}

	ok, err := m.rdb.SetNX(ctx, infra.RedisKeyLockWarmupFrozen, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // другой инстанс уже греет набор
	}

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, infra.RedisKeyFrozenWallets)
	for _, id := range ids {
		pipe.SAdd(ctx, infra.RedisKeyFrozenWallets, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: rebuild frozen set: %w", err)
	}
	m.logger.Info("frozen wallet set rebuilt from db", zap.Int("count", len(ids)))
	return nil
}

// Init досинхронизирует L1 из Redis. Только добавляет: пропущенная разморозка
// оставит кошелек замороженным до следующего сигнала.
func (m *FreezeManager) Init(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}
	ids, err := m.rdb.SMembers(ctx, infra.RedisKeyFrozenWallets).Result()
	if err != nil {
		return err
	}
	m.merge(ids)
	return nil
}

// StartListener слушает сигналы заморозки до отмены ctx.
// После каждой (пере)подписки L1 досинхронизируется из Redis: пока канала не было, сигналы терялись.
func (m *FreezeManager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	m.logger.Info("freeze listener started")

	for {
		err := m.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		backoff := time.Second
		if err != nil {
			m.logger.Error("freeze subscription failed", zap.Error(err))
			backoff = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// listenOnce держит одну подписку; nil — канал закрыт и нужно переподключиться.
func (m *FreezeManager) listenOnce(ctx context.Context) error {
	pubsub := m.rdb.Subscribe(ctx, infra.RedisChanWalletFreeze)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if err := m.Init(ctx); err != nil {
		m.logger.Error("freeze sync failed on subscribe", zap.Error(err))
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			userID, frozen, ok := parseSignal(msg.Payload)
			if !ok {
				m.logger.Error("invalid freeze signal", zap.String("payload", msg.Payload))
				continue
			}
			m.logger.Info("received freeze signal", zap.String("user_id", userID), zap.Bool("frozen", frozen))
			m.apply(userID, frozen)
		}
	}
}

// parseSignal разбирает "<user_id>:<true|false|on|off>"; user_id может содержать ':'.
func parseSignal(payload string) (string, bool, bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	switch payload[i+1:] {
	case "true", "on":
		return payload[:i], true, true
	case "false", "off":
		return payload[:i], false, true
	}
	return "", false, false
}

// Set меняет состояние локально и рассылает сигнал остальным инстансам.
func (m *FreezeManager) Set(ctx context.Context, userID string, frozen bool) error {
	m.apply(userID, frozen)
	if m.rdb == nil {
		return nil
	}

	pipe := m.rdb.TxPipeline()
	if frozen {
		pipe.SAdd(ctx, infra.RedisKeyFrozenWallets, userID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyFrozenWallets, userID)
	}
	pipe.Publish(ctx, infra.RedisChanWalletFreeze, userID+":"+strconv.FormatBool(frozen))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish freeze signal: %w", err)
	}
	return nil
}
