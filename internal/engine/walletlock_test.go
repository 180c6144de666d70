package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// exerciseLocker проверяет, что в критической секции по одному адресу не больше одного владельца.
func exerciseLocker(t *testing.T, l WalletLocker) {
	t.Helper()
	const addr = "0xAbC0000000000000000000000000000000000001"

	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// адрес в разном регистре — тот же кошелек
			a := addr
			if i%2 == 0 {
				a = "0xabc0000000000000000000000000000000000001"
			}
			unlock, err := l.Lock(context.Background(), a)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
			unlock() // идемпотентно
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)

	// пока адрес занят, Lock отдает ошибку контекста
	unlock, err := l.Lock(context.Background(), addr)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, addr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// другой кошелек не ждет
	other, err := l.Lock(context.Background(), "0x0000000000000000000000000000000000000002")
	require.NoError(t, err)
	other()
}

func TestLocalWalletLocker(t *testing.T) {
	exerciseLocker(t, NewLocalWalletLocker())
}

func TestRedisWalletLocker(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer rdb.FlushDB(ctx)

	l := NewRedisWalletLocker(rdb, 5*time.Second, zap.NewNop())
	l.poll = 5 * time.Millisecond
	exerciseLocker(t, l)
}
