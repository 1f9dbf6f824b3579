package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"nexus-commerce/internal/service/purchase/domain"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	// ErrFlowFinished 流程已结束（完成、失败或被取消），不再接受迁移
	ErrFlowFinished = errors.New("flow already finished")
	// ErrFlowNotCancellable 已支付的流程不能取消，履约会继续执行
	ErrFlowNotCancellable = errors.New("flow can no longer be cancelled")
)

type flowHandle struct {
	flow    *domain.Flow
	cancel  context.CancelFunc
	changed chan struct{}
}

// FlowRegistry 保存进程内所有流程实例。每个流程只由自己的 goroutine 推进，
// 读取方通过快照获得一致的视图。
type FlowRegistry struct {
	mu    sync.RWMutex
	flows map[string]*flowHandle
}

func NewFlowRegistry() *FlowRegistry {
	return &FlowRegistry{flows: make(map[string]*flowHandle)}
}

func (r *FlowRegistry) Add(flow *domain.Flow, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[flow.ID] = &flowHandle{flow: flow, cancel: cancel, changed: make(chan struct{})}
}

func (r *FlowRegistry) Snapshot(id string) (FlowSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.flows[id]
	if !ok {
		return FlowSnapshot{}, false
	}
	return snapshotOf(h.flow), true
}

// Watch 返回当前快照和一个在下一次变化时关闭的 channel
func (r *FlowRegistry) Watch(id string) (FlowSnapshot, <-chan struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.flows[id]
	if !ok {
		return FlowSnapshot{}, nil, false
	}
	return snapshotOf(h.flow), h.changed, true
}

// Update 在锁内修改流程。已结束的流程拒绝任何修改，保证取消之后不会再发生迁移。
func (r *FlowRegistry) Update(id string, fn func(f *domain.Flow) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.flows[id]
	if !ok {
		return ErrFlowNotFound
	}
	if h.flow.Done {
		return ErrFlowFinished
	}
	if err := fn(h.flow); err != nil {
		return err
	}
	r.notify(h)
	return nil
}

// Cancel 结束处于 details/payment 阶段的流程并停止其轮询
func (r *FlowRegistry) Cancel(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.flows[id]
	if !ok {
		return ErrFlowNotFound
	}
	if h.flow.Done {
		return nil
	}
	if h.flow.State == domain.FlowStateProcessing {
		return ErrFlowNotCancellable
	}
	h.flow.Fail(domain.ErrFlowCancelled, now)
	if h.cancel != nil {
		h.cancel()
	}
	r.notify(h)
	return nil
}

// Prune 删除在 before 之前就已结束的流程，返回删除数量
func (r *FlowRegistry) Prune(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, h := range r.flows {
		if h.flow.Done && h.flow.UpdatedAt.Before(before) {
			delete(r.flows, id)
			n++
		}
	}
	return n
}

func (r *FlowRegistry) notify(h *flowHandle) {
	close(h.changed)
	h.changed = make(chan struct{})
}
