package ledger

import (
	"context"

	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/redis"
)

// Open 按配置创建账本。返回的 close 函数在服务关停时调用。
func Open(ctx context.Context, cfg *bootstrap.Config) (Ledger, func(), error) {
	switch cfg.Service.Ledger {
	case "redis":
		client, err := redis.NewClient(ctx, cfg.Infra.Redis.Addrs, cfg.Infra.Redis.Password)
		if err != nil {
			return nil, nil, err
		}
		l, err := NewRedisLedger(client, cfg.Service.LedgerRetention)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return l, func() { _ = client.Close() }, nil
	default:
		logger.Ctx(ctx).Warn().Msg("using in-memory ledger, balances are lost on restart")
		return NewMemoryLedger(), func() {}, nil
	}
}
