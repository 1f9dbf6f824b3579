// internal/service/purchase/application/dedup.go
package application

import (
	"context"
	"sync"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/metrics"
)

const (
	DefaultPendingTTL = 30 * time.Second
	DefaultDoneTTL    = 5 * time.Minute
)

type DedupStatus string

const (
	DedupPending DedupStatus = "pending"
	DedupDone    DedupStatus = "done"
)

// DedupEntry 记录一个 (endpoint, requestID) 的处理进度
type DedupEntry struct {
	Key         string
	CoarseKey   string
	FirstSeenAt time.Time
	Status      DedupStatus
	ReleasedAt  time.Time
}

// DedupGuard 是进程内的重复提交拦截表。
// 它只负责压制双击和重试，真正的幂等由下游按 idempotency key 保证。
type DedupGuard struct {
	mu      sync.Mutex
	entries map[string]*DedupEntry
	// coarse 记录每个粗粒度 key 下仍在 pending 的条目
	coarse map[string]map[string]struct{}

	pendingTTL time.Duration
	doneTTL    time.Duration
	now        func() time.Time
}

type DedupOption func(*DedupGuard)

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) DedupOption {
	return func(g *DedupGuard) { g.now = now }
}

func NewDedupGuard(pendingTTL, doneTTL time.Duration, opts ...DedupOption) *DedupGuard {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	if doneTTL <= 0 {
		doneTTL = DefaultDoneTTL
	}
	g := &DedupGuard{
		entries:    make(map[string]*DedupEntry),
		coarse:     make(map[string]map[string]struct{}),
		pendingTTL: pendingTTL,
		doneTTL:    doneTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func entryKey(endpoint, requestID string) string {
	return endpoint + "|" + requestID
}

// Admit 在以下情况拒绝: 同一个 (endpoint, requestID) 仍在追踪中；
// 或 coarseKey 下存在未过期的 pending 条目。coarseKey 为空时只做精确去重。
func (g *DedupGuard) Admit(endpoint, requestID, coarseKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	key := entryKey(endpoint, requestID)

	if e, ok := g.entries[key]; ok {
		if !g.expired(e, now) {
			metrics.DedupDecisions.WithLabelValues(endpoint, "rejected").Inc()
			return false
		}
		g.remove(e)
	}

	if coarseKey != "" {
		for k := range g.coarse[coarseKey] {
			e, ok := g.entries[k]
			if !ok || g.expired(e, now) {
				if ok {
					g.remove(e)
				} else {
					delete(g.coarse[coarseKey], k)
				}
				continue
			}
			metrics.DedupDecisions.WithLabelValues(endpoint, "rejected").Inc()
			return false
		}
	}

	g.entries[key] = &DedupEntry{Key: key, CoarseKey: coarseKey, FirstSeenAt: now, Status: DedupPending}
	if coarseKey != "" {
		set, ok := g.coarse[coarseKey]
		if !ok {
			set = make(map[string]struct{})
			g.coarse[coarseKey] = set
		}
		set[key] = struct{}{}
	}
	metrics.DedupDecisions.WithLabelValues(endpoint, "allowed").Inc()
	metrics.DedupEntries.Set(float64(len(g.entries)))
	return true
}

// Release 把条目标记为 done 并释放粗粒度锁。done 条目继续保留，拦截重放的同一请求。
func (g *DedupGuard) Release(endpoint, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[entryKey(endpoint, requestID)]
	if !ok || e.Status == DedupDone {
		return
	}
	e.Status = DedupDone
	e.ReleasedAt = g.now()
	g.dropCoarse(e)
}

// Sweep 清理过期条目，返回清理数量
func (g *DedupGuard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	removed := 0
	for _, e := range g.entries {
		if g.expired(e, now) {
			g.remove(e)
			removed++
		}
	}
	metrics.DedupEntries.Set(float64(len(g.entries)))
	return removed
}

// Run 周期性清理，直到 ctx 结束
func (g *DedupGuard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				logger.Ctx(ctx).Debug().Int("removed", n).Msg("dedup sweep")
			}
		}
	}
}

// Len 当前追踪的条目数
func (g *DedupGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Lookup 返回条目的副本
func (g *DedupGuard) Lookup(endpoint, requestID string) (DedupEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[entryKey(endpoint, requestID)]
	if !ok {
		return DedupEntry{}, false
	}
	return *e, true
}

func (g *DedupGuard) expired(e *DedupEntry, now time.Time) bool {
	if e.Status == DedupPending {
		return now.Sub(e.FirstSeenAt) >= g.pendingTTL
	}
	return now.Sub(e.ReleasedAt) >= g.doneTTL
}

func (g *DedupGuard) remove(e *DedupEntry) {
	delete(g.entries, e.Key)
	g.dropCoarse(e)
}

func (g *DedupGuard) dropCoarse(e *DedupEntry) {
	if e.CoarseKey == "" {
		return
	}
	if set, ok := g.coarse[e.CoarseKey]; ok {
		delete(set, e.Key)
		if len(set) == 0 {
			delete(g.coarse, e.CoarseKey)
		}
	}
}
