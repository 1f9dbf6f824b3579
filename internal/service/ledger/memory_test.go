package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_ApplyIsIdempotentByReference(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	bal, err := l.Apply(ctx, "u1", 500, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	bal, err = l.Apply(ctx, "u1", 500, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	// 同一个 reference 对不同用户互不影响
	bal, err = l.Apply(ctx, "u2", 70, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal)
}

func TestMemoryLedger_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	_, _ = l.Apply(ctx, "u1", 100, "seed")

	bal, err := l.Apply(ctx, "u1", -150, "debit")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(100), bal)

	// 失败的 reference 没有被记为已生效，余额足够后可以重试
	_, _ = l.Apply(ctx, "u1", 100, "topup")
	bal, err = l.Apply(ctx, "u1", -150, "debit")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)
}

func TestMemoryLedger_ConcurrentMutationsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.Apply(ctx, "u1", 10, fmt.Sprintf("credit-%d", i))
			// 每个 reference 重放一次
			_, _ = l.Apply(ctx, "u1", 10, fmt.Sprintf("credit-%d", i))
		}(i)
	}
	wg.Wait()

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal)
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	_, _ = l.Apply(ctx, "alice", 1000, "seed")

	require.NoError(t, Transfer(ctx, l, "alice", "bob", 400, "tx-1"))
	// 重放不会重复转账
	require.NoError(t, Transfer(ctx, l, "alice", "bob", 400, "tx-1"))

	alice, _ := l.Balance(ctx, "alice")
	bob, _ := l.Balance(ctx, "bob")
	assert.Equal(t, int64(600), alice)
	assert.Equal(t, int64(400), bob)

	assert.ErrorIs(t, Transfer(ctx, l, "alice", "bob", 10_000, "tx-2"), ErrInsufficientFunds)
	assert.ErrorIs(t, Transfer(ctx, l, "alice", "bob", 0, "tx-3"), ErrInvalidAmount)
	assert.Error(t, Transfer(ctx, l, "alice", "alice", 1, "tx-4"))
}
