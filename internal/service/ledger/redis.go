package ledger

import (
	"context"
	"fmt"
	"time"

	"nexus-commerce/internal/pkg/redis"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

const applyScriptName = "ledger_apply"

// DefaultRetention 已生效的 reference 保留多久，超过后同一 reference 的重放会再次生效
const DefaultRetention = 30 * 24 * time.Hour

// KEYS[1] 余额, KEYS[2] 已生效的 reference（zset，score 为生效时间）
// ARGV[1] 变更量, ARGV[2] reference, ARGV[3] 当前毫秒, ARGV[4] 保留截止毫秒, ARGV[5] 保留毫秒
// 返回 {code, balance}: 0 成功, 1 重复, 2 余额不足
const applyScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[4])
if redis.call('ZSCORE', KEYS[2], ARGV[2]) then
  return {1, tonumber(redis.call('GET', KEYS[1]) or '0')}
end
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
if balance + delta < 0 then
  return {2, balance}
end
balance = redis.call('INCRBY', KEYS[1], delta)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
return {0, balance}
`

// RedisLedger 用 Lua 脚本在 Redis 中做原子的读-改-写。
// 已生效的 reference 只保留 retention，每次写入时顺带清理过期的部分。
type RedisLedger struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewRedisLedger(client *redis.Client, retention time.Duration) (*RedisLedger, error) {
	if err := client.LoadScriptFromContent(applyScriptName, applyScript); err != nil {
		return nil, fmt.Errorf("failed to load ledger script: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisLedger{client: client, retention: retention, now: time.Now}, nil
}

// 同一用户的 key 使用相同的 hash tag，保证在集群中落在同一个 slot
func balanceKey(userID string) string { return fmt.Sprintf("ledger:{%s}:balance", userID) }
func appliedKey(userID string) string { return fmt.Sprintf("ledger:{%s}:refs", userID) }

// applyArgs 对应脚本的 ARGV
func applyArgs(delta int64, reference string, now time.Time, retention time.Duration) []interface{} {
	return []interface{}{
		delta,
		reference,
		now.UnixMilli(),
		now.Add(-retention).UnixMilli(),
		retention.Milliseconds(),
	}
}

func (l *RedisLedger) Apply(ctx context.Context, userID string, delta int64, reference string) (int64, error) {
	keys := []string{balanceKey(userID), appliedKey(userID)}
	result, err := l.client.RunScript(ctx, applyScriptName, keys, applyArgs(delta, reference, l.now(), l.retention)...)
	if err != nil {
		return 0, errors.Wrapf(err, "apply %d to %s", delta, userID)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, fmt.Errorf("unexpected result from ledger script: %v", result)
	}
	code, _ := values[0].(int64)
	balance, _ := values[1].(int64)
	switch code {
	case 0, 1:
		return balance, nil
	case 2:
		return balance, ErrInsufficientFunds
	default:
		return 0, fmt.Errorf("unknown result code from ledger script: %d", code)
	}
}

func (l *RedisLedger) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := l.client.GetClient().Get(ctx, balanceKey(userID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read balance of %s", userID)
	}
	return balance, nil
}
