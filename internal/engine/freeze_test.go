package engine

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/x402-paygate/internal/infra"
	"go.uber.org/zap"
)

func TestParseSignal(t *testing.T) {
	cases := []struct {
		payload string
		id      string
		frozen  bool
		ok      bool
	}{
		{"user-1:true", "user-1", true, true},
		{"user-1:off", "user-1", false, true},
		{"did:pkh:eip155:1:0xabc:false", "did:pkh:eip155:1:0xabc", false, true},
		{"user-1:maybe", "", false, false},
		{"user-1:", "", false, false},
		{":true", "", false, false},
		{"garbage", "", false, false},
	}
	for _, c := range cases {
		id, frozen, ok := parseSignal(c.payload)
		assert.Equal(t, c.ok, ok, c.payload)
		assert.Equal(t, c.id, id, c.payload)
		assert.Equal(t, c.frozen, frozen, c.payload)
	}
}

func TestFreezeManagerLocal(t *testing.T) {
	m := NewFreezeManager(nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Warmup(ctx, []string{"user-1", "user-2"}))
	assert.True(t, m.IsFrozen("user-1"))
	assert.True(t, m.IsFrozen("user-2"))

	require.NoError(t, m.Set(ctx, "user-2", false))
	assert.False(t, m.IsFrozen("user-2"))
	require.NoError(t, m.Set(ctx, "user-3", true))
	assert.True(t, m.IsFrozen("user-3"))
}

func TestFreezeManagerRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer rdb.FlushDB(context.Background())

	a := NewFreezeManager(rdb, zap.NewNop())
	b := NewFreezeManager(rdb, zap.NewNop())

	require.NoError(t, a.Warmup(ctx, []string{"user-1"}))
	require.NoError(t, b.Init(ctx))
	assert.True(t, b.IsFrozen("user-1"))

	go b.StartListener(ctx)
	time.Sleep(100 * time.Millisecond) // подписка

	require.NoError(t, a.Set(ctx, "user-2", true))
	assert.Eventually(t, func() bool { return b.IsFrozen("user-2") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Set(ctx, "user-1", false))
	assert.Eventually(t, func() bool { return !b.IsFrozen("user-1") }, 2*time.Second, 10*time.Millisecond)

	members, err := rdb.SMembers(ctx, infra.RedisKeyFrozenWallets).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-2"}, members)
}
