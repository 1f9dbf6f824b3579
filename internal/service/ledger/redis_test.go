package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"nexus-commerce/internal/pkg/redis"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyArgs(t *testing.T) {
	now := time.UnixMilli(1_800_000_000_000)
	args := applyArgs(-300, "PC-1:debit", now, time.Hour)
	assert.Equal(t, []interface{}{
		int64(-300),
		"PC-1:debit",
		int64(1_800_000_000_000),
		int64(1_800_000_000_000 - 3_600_000),
		int64(3_600_000),
	}, args)
}

// 需要真实的 Redis：LEDGER_TEST_REDIS_ADDR=localhost:6379 go test ./internal/service/ledger/
func TestRedisLedger_ForgetsReferencesAfterRetention(t *testing.T) {
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := redis.NewClient(ctx, []string{addr}, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	l, err := NewRedisLedger(client, time.Hour)
	require.NoError(t, err)
	user := "test-" + uuid.NewString()
	t.Cleanup(func() { client.GetClient().Del(ctx, balanceKey(user), appliedKey(user)) })

	start := time.Now()
	l.now = func() time.Time { return start }
	_, err = l.Apply(ctx, user, 100, "order-1")
	require.NoError(t, err)
	bal, err := l.Apply(ctx, user, 100, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal, "replay within retention is ignored")

	l.now = func() time.Time { return start.Add(2 * time.Hour) }
	_, err = l.Apply(ctx, user, 5, "order-2")
	require.NoError(t, err)

	refs, err := client.GetClient().ZRange(ctx, appliedKey(user), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"order-2"}, refs)
	ttl, err := client.GetClient().PTTL(ctx, appliedKey(user)).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}
