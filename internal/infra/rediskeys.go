package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "paygate"
)

// Ключи для Sets (состояние)
const (
	RedisKeyFrozenWallets    = RedisNamespace + ":wallets:frozen_set"
	RedisKeyLockWarmupFrozen = RedisNamespace + ":lock:warmup:frozen"
	redisKeyWalletLockPrefix = RedisNamespace + ":lock:wallet:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanWalletFreeze — сигналы kill-switch кошельков в формате "user_id:true|false".
	RedisChanWalletFreeze = RedisNamespace + ":wallets:freeze-signal"
	// RedisChanPendingEvents — переходы отложенных платежей (для дашборда).
	RedisChanPendingEvents = RedisNamespace + ":pending:events"
)

// WalletLockKey — ключ распределенной блокировки подписи для адреса кошелька.
func WalletLockKey(address string) string {
	return redisKeyWalletLockPrefix + address
}
