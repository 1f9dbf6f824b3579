// internal/service/catalog/stock.go
package catalog

import (
	"context"
	"fmt"
	"time"

	"nexus-commerce/internal/pkg/redis"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// AdjustResult 是库存脚本返回的业务状态码
type AdjustResult int

const (
	ResultSoldOut        AdjustResult = 0 // 库存不足
	ResultApplied        AdjustResult = 1 // 扣减成功
	ResultAlreadyApplied AdjustResult = 2 // 同一订单已扣减过
)

const adjustScriptName = "inventory_adjust"

// KEYS[1] 库存, KEYS[2] 已扣减的订单集合
// ARGV[1] 数量, ARGV[2] 订单号
// 未设置库存的商品视为不限量
const adjustScript = `
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
  return 2
end
local stock = redis.call('GET', KEYS[1])
if stock then
  if tonumber(stock) < tonumber(ARGV[1]) then
    return 0
  end
  redis.call('DECRBY', KEYS[1], ARGV[1])
end
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`

// licenseTTL 授权记录保留时间，超过后同一订单重放会拿到新的授权码
const licenseTTL = 90 * 24 * time.Hour

// Store 用 Redis 保存库存和授权记录，所有写操作都以订单号幂等
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) (*Store, error) {
	if err := client.LoadScriptFromContent(adjustScriptName, adjustScript); err != nil {
		return nil, fmt.Errorf("failed to load inventory script: %w", err)
	}
	return &Store{client: client}, nil
}

// 同一商品的 key 使用相同的 hash tag
func stockKey(productID string) string   { return fmt.Sprintf("inventory:{%s}:stock", productID) }
func appliedKey(productID string) string { return fmt.Sprintf("inventory:{%s}:orders", productID) }
func licenseKey(orderID string) string   { return fmt.Sprintf("license:{%s}", orderID) }

func (s *Store) Adjust(ctx context.Context, orderID, productID string, quantity int) (AdjustResult, error) {
	keys := []string{stockKey(productID), appliedKey(productID)}
	result, err := s.client.RunScript(ctx, adjustScriptName, keys, quantity, orderID)
	if err != nil {
		return 0, errors.Wrapf(err, "adjust stock of %s", productID)
	}
	code, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from inventory script: %T", result)
	}
	return AdjustResult(code), nil
}

// SetStock (管理用) 设置商品库存
func (s *Store) SetStock(ctx context.Context, productID string, stock int) error {
	if err := s.client.GetClient().Set(ctx, stockKey(productID), stock, 0).Err(); err != nil {
		return errors.Wrapf(err, "set stock of %s", productID)
	}
	return nil
}

// IssueLicense 为订单生成授权码，重复调用返回第一次生成的授权码
func (s *Store) IssueLicense(ctx context.Context, orderID, productID string) (string, error) {
	code := fmt.Sprintf("%s-%s", productID, uuid.NewString())
	rdb := s.client.GetClient()
	ok, err := rdb.SetNX(ctx, licenseKey(orderID), code, licenseTTL).Result()
	if err != nil {
		return "", errors.Wrapf(err, "issue license for order %s", orderID)
	}
	if ok {
		return code, nil
	}
	existing, err := rdb.Get(ctx, licenseKey(orderID)).Result()
	if errors.Is(err, goredis.Nil) {
		// 刚好过期，重新生成
		return s.IssueLicense(ctx, orderID, productID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "read license of order %s", orderID)
	}
	return existing, nil
}
