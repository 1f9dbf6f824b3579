package zookeeper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn 是一个只支持锁所需操作的内存 ZooKeeper
type fakeConn struct {
	mu       sync.Mutex
	nodes    map[string]bool
	watchers map[string][]chan zk.Event
	seq      int
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: map[string]bool{}, watchers: map[string][]chan zk.Event{}}
}

func (f *fakeConn) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[path], nil, nil
}

func (f *fakeConn) Create(path string, _ []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodes[path] {
		return "", zk.ErrNodeExists
	}
	f.nodes[path] = true
	return path, nil
}

func (f *fakeConn) CreateProtectedEphemeralSequential(path string, _ []byte, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	dir := path[:strings.LastIndex(path, "/")]
	base := path[strings.LastIndex(path, "/")+1:]
	// guid 前缀故意和顺序号反序，验证排序不依赖前缀
	node := fmt.Sprintf("%s/_c_%03d-%s%010d", dir, 100-f.seq, base, f.seq)
	f.nodes[node] = true
	return node, nil
}

func (f *fakeConn) Children(path string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.nodes {
		if strings.HasPrefix(n, path+"/") && !strings.Contains(n[len(path)+1:], "/") {
			out = append(out, n[len(path)+1:])
		}
	}
	return out, nil, nil
}

func (f *fakeConn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan zk.Event, 1)
	f.watchers[path] = append(f.watchers[path], ch)
	return f.nodes[path], nil, ch, nil
}

func (f *fakeConn) Delete(path string, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.nodes[path] {
		return zk.ErrNoNode
	}
	delete(f.nodes, path)
	for _, ch := range f.watchers[path] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: path}
	}
	delete(f.watchers, path)
	return nil
}

func TestDistributedLock_TryLock(t *testing.T) {
	conn := newFakeConn()
	first, err := NewDistributedLock(conn, "reconciler")
	require.NoError(t, err)
	second, err := NewDistributedLock(conn, "reconciler")
	require.NoError(t, err)

	require.NoError(t, first.TryLock(context.Background()))
	assert.ErrorIs(t, second.TryLock(context.Background()), ErrLockHeld)

	children, _, _ := conn.Children(lockRoot + "/reconciler")
	assert.Len(t, children, 1, "a failed TryLock must not leave its node behind")

	require.NoError(t, first.Unlock())
	require.NoError(t, second.TryLock(context.Background()))
	require.NoError(t, second.Unlock())
}

func TestDistributedLock_LockWaitsForPredecessor(t *testing.T) {
	conn := newFakeConn()
	holder, err := NewDistributedLock(conn, "job")
	require.NoError(t, err)
	waiter, err := NewDistributedLock(conn, "job")
	require.NoError(t, err)

	require.NoError(t, holder.Lock(context.Background()))

	acquired := make(chan error, 1)
	go func() { acquired <- waiter.Lock(context.Background()) }()

	select {
	case <-acquired:
		t.Fatal("waiter acquired the lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, holder.Unlock())
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	require.NoError(t, waiter.Unlock())
}

func TestDistributedLock_LockHonoursContext(t *testing.T) {
	conn := newFakeConn()
	holder, _ := NewDistributedLock(conn, "job")
	waiter, _ := NewDistributedLock(conn, "job")
	require.NoError(t, holder.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waiter.Lock(ctx), context.DeadlineExceeded)
	assert.Error(t, waiter.Unlock())
}

func TestUnlockWithoutLock(t *testing.T) {
	l, err := NewDistributedLock(newFakeConn(), "x")
	require.NoError(t, err)
	assert.Error(t, l.Unlock())
}
