// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"sync"

	"nexus-commerce/internal/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
)

// Client 包装了 go-redis 的 UniversalClient，并维护一个按名字索引的 Lua 脚本表。
// 单节点和集群都通过 UniversalClient 统一处理，脚本里的 key 需要使用 hash tag 保证落在同一个 slot。
type Client struct {
	rdb goredis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// NewClient 根据地址列表创建客户端，多个地址时自动使用集群模式
func NewClient(ctx context.Context, addrs []string, password string) (*Client, error) {
	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis %v: %w", addrs, err)
	}
	logger.L().Info().Strs("addrs", addrs).Msg("Successfully connected to Redis.")
	return Wrap(rdb), nil
}

// Wrap 包装一个已有的客户端
func Wrap(rdb goredis.UniversalClient) *Client {
	return &Client{rdb: rdb, scripts: make(map[string]*goredis.Script)}
}

// LoadScriptFromContent 注册一个 Lua 脚本，重复注册会覆盖
func (c *Client) LoadScriptFromContent(name, content string) error {
	if content == "" {
		return fmt.Errorf("script %s is empty", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = goredis.NewScript(content)
	return nil
}

// RunScript 执行已注册的脚本。go-redis 先尝试 EVALSHA，NOSCRIPT 时自动回退到 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %s not loaded", name)
	}
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// GetClient 返回底层客户端，用于脚本之外的普通命令
func (c *Client) GetClient() goredis.UniversalClient {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
