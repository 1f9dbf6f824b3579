package application

import (
	"context"
	"errors"
	"sync"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/tracing"
	"nexus-commerce/internal/service/incentive/domain"
)

// ErrDispatcherClosed 关停后不再接受新任务
var ErrDispatcherClosed = errors.New("incentive dispatcher closed")

// InProcessDispatcher 在本进程的 goroutine 中执行返佣，每个 job 链独立运行
type InProcessDispatcher struct {
	propagator *Propagator

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewInProcessDispatcher(p *Propagator) *InProcessDispatcher {
	return &InProcessDispatcher{propagator: p}
}

func (d *InProcessDispatcher) Dispatch(ctx context.Context, job domain.IncentiveJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		runCtx := tracing.Detach(ctx)
		if _, err := d.propagator.PropagateAll(runCtx, job); err != nil {
			LogFailure(runCtx, job, err)
		}
	}()
	return nil
}

// Close 拒绝新任务并等待进行中的任务结束
func (d *InProcessDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// LogFailure 记录返佣失败。返佣失败不影响购买结果，需要单独重试。
func LogFailure(ctx context.Context, job domain.IncentiveJob, err error) {
	if errors.Is(err, domain.ErrIntegrityViolation) {
		logger.Ctx(ctx).Error().Err(err).Str("order_reference", job.SourcePurchaseRef).
			Msgf("CRITICAL: [Order: %s] Incentive aborted on integrity violation.", job.SourcePurchaseRef)
		return
	}
	if errors.Is(err, domain.ErrChainTooDeep) {
		logger.Ctx(ctx).Error().Err(err).Str("order_reference", job.SourcePurchaseRef).
			Msgf("CRITICAL: [Order: %s] Upline deeper than the configured maximum, raise incentive.maxDepth and replay.", job.SourcePurchaseRef)
		return
	}
	ev := logger.Ctx(ctx).Error().Err(err).Str("order_reference", job.SourcePurchaseRef)
	var perr *domain.PropagationError
	if errors.As(err, &perr) {
		ev = ev.Int("generation", perr.Generation).Str("ancestor", perr.AncestorID)
	}
	ev.Msgf("ERROR: [Order: %s] Incentive propagation failed, job can be retried.", job.SourcePurchaseRef)
}
