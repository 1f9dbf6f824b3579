// internal/pkg/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"nexus-commerce/internal/pkg/logger"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
)

// ErrLockHeld 表示 TryLock 时锁已被其他实例持有
var ErrLockHeld = errors.New("lock is held by another instance")

// Conn 是锁用到的 ZooKeeper 操作子集，*zk.Conn 满足该接口
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// Connect 连接 ZooKeeper 集群
func Connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper %v: %w", servers, err)
	}
	return conn, nil
}

// DistributedLock 基于临时顺序节点实现的分布式锁
type DistributedLock struct {
	conn     Conn
	path     string // 锁的路径，例如 /distributed_locks/fulfillment-reconciler
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例，并确保锁路径存在
func NewDistributedLock(conn Conn, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensurePath(conn, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

func ensurePath(conn Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to check node %s: %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to create node %s: %w", path, err)
	}
	return nil
}

// Lock 获取锁，获取不到时阻塞等待，直到 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) error {
	return l.acquire(ctx, true)
}

// TryLock 尝试获取一次锁，被占用时返回 ErrLockHeld
func (l *DistributedLock) TryLock(ctx context.Context) error {
	return l.acquire(ctx, false)
}

func (l *DistributedLock) acquire(ctx context.Context, wait bool) error {
	// 在锁路径下创建一个临时顺序节点: /distributed_locks/<resource>/_c_<guid>-lock-0000000001
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath
	myNodeName := strings.TrimPrefix(nodePath, l.path+"/")

	for {
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		sortBySequence(children)

		idx := indexOf(children, myNodeName)
		if idx < 0 {
			l.abandon()
			return errors.New("own lock node disappeared, session may have expired")
		}
		if idx == 0 {
			logger.Ctx(ctx).Info().Str("lock", l.path).Msg("distributed lock acquired")
			return nil
		}
		if !wait {
			l.abandon()
			return ErrLockHeld
		}

		// 只监听前一个节点，避免惊群
		prevNodePath := l.path + "/" + children[idx-1]
		exists, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
		case <-ctx.Done():
			l.abandon()
			return ctx.Err()
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) abandon() {
	if l.lockNode == "" {
		return
	}
	_ = l.conn.Delete(l.lockNode, -1)
	l.lockNode = ""
}

// sortBySequence 按顺序号排序。受保护节点带有随机 GUID 前缀，不能直接按字符串排序。
func sortBySequence(children []string) {
	sort.SliceStable(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})
}

func sequenceOf(node string) string {
	if i := strings.LastIndex(node, "-"); i >= 0 {
		return node[i+1:]
	}
	return node
}

func indexOf(children []string, name string) int {
	for i, c := range children {
		if c == name {
			return i
		}
	}
	return -1
}
