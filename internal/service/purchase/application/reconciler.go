// internal/service/purchase/application/reconciler.go
package application

import (
	"context"
	"errors"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/metrics"
	"nexus-commerce/internal/service/purchase/application/pipeline"
	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/domain/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Locker 保证多实例部署时同一时刻只有一个对账者，TryLock 拿不到锁时立即返回错误
type Locker interface {
	TryLock(ctx context.Context) error
	Unlock() error
}

type ReconcilerDeps struct {
	Store    domain.RecordStore
	Pipeline *pipeline.Pipeline
	// Gateway 为 nil 时不再查询 pending 链接
	Gateway    port.PaymentGateway
	Dispatcher port.IncentiveDispatcher
	// Lock 为 nil 时不做互斥，适用于单实例部署
	Lock   Locker
	Tracer trace.Tracer
}

type ReconcilerConfig struct {
	// GracePeriod 之内的记录和链接仍归在线流程处理
	GracePeriod time.Duration
	// LinkWindow 只处理最近这段时间内变化过的链接
	LinkWindow         time.Duration
	GatewayTimeout     time.Duration
	IncentiveBatchSize int
}

// Reconciler 周期性地补齐进程重启丢下的购买：
// 未完成的履约记录从第一个未完成的步骤继续；仍在 pending 的链接重新查询一次状态；
// 已支付但还没有履约记录的链接直接开始履约。
type Reconciler struct {
	deps ReconcilerDeps
	cfg  ReconcilerConfig
	now  func() time.Time
}

func NewReconciler(deps ReconcilerDeps, cfg ReconcilerConfig) *Reconciler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Minute
	}
	if cfg.LinkWindow <= 0 {
		cfg.LinkWindow = 24 * time.Hour
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	return &Reconciler{deps: deps, cfg: cfg, now: time.Now}
}

// RunOnce 执行一轮对账，返回本轮完成履约的订单数
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	if r.deps.Lock != nil {
		if err := r.deps.Lock.TryLock(ctx); err != nil {
			logger.Ctx(ctx).Info().Err(err).Msg("reconciler lock not acquired, skipping this round")
			return 0, nil
		}
		defer func() {
			if err := r.deps.Lock.Unlock(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("failed to release reconciler lock")
			}
		}()
	}

	ctx, span := r.deps.Tracer.Start(ctx, "reconciler.RunOnce")
	defer span.End()

	before := r.now().Add(-r.cfg.GracePeriod)
	linked, err := r.reconcileLinks(ctx, r.now().Add(-r.cfg.LinkWindow), before)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "link reconciliation failed")
		return 0, err
	}
	resumed, err := r.resumeRecords(ctx, before)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record reconciliation failed")
		return linked, err
	}
	span.SetAttributes(attribute.Int("orders.from_links", linked), attribute.Int("orders.resumed", resumed))
	return linked + resumed, nil
}

// reconcileLinks 处理在线轮询丢失的链接
func (r *Reconciler) reconcileLinks(ctx context.Context, since, before time.Time) (int, error) {
	paid, err := r.deps.Store.ListLinks(ctx, domain.LinkStatusPaid, since, before)
	if err != nil {
		return 0, err
	}
	if r.deps.Gateway != nil {
		pending, err := r.deps.Store.ListLinks(ctx, domain.LinkStatusPending, since, before)
		if err != nil {
			return 0, err
		}
		for _, link := range pending {
			if ctx.Err() != nil {
				break
			}
			if r.refreshStatus(ctx, link) == domain.LinkStatusPaid {
				paid = append(paid, link)
			}
		}
	}

	fulfilled := 0
	for _, link := range paid {
		if ctx.Err() != nil {
			break
		}
		_, err := r.deps.Store.FindRecord(ctx, link.OrderReference)
		if err == nil {
			// 已有履约记录，交给 resumeRecords
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Order: %s] Fulfillment record lookup failed.", link.OrderReference)
			continue
		}
		rec, err := r.deps.Pipeline.Run(ctx, domain.NewLinkFulfillmentRecord(link, r.now()))
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_reference", link.OrderReference).
				Msgf("ERROR: [Order: %s] Fulfillment of paid link %s failed, will retry next round.", link.OrderReference, link.LinkID)
			continue
		}
		fulfilled++
		logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Paid link %s fulfilled by reconciler, reference %s.", link.OrderReference, link.LinkID, rec.ReferenceNumber)
		DispatchIncentive(ctx, r.deps.Dispatcher, rec, r.cfg.IncentiveBatchSize)
	}
	return fulfilled, nil
}

// refreshStatus 查询一次网关状态，终态写回存储。查询失败时按 pending 处理，下一轮再试。
func (r *Reconciler) refreshStatus(ctx context.Context, link *domain.PaymentLink) domain.LinkStatus {
	queryCtx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()
	raw, err := r.deps.Gateway.GetCheckoutStatus(queryCtx, link.LinkID)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues("status", "error").Inc()
		logger.Ctx(ctx).Warn().Err(err).Msgf("WARN: [Order: %s] Status check of link %s failed.", link.OrderReference, link.LinkID)
		return domain.LinkStatusPending
	}
	status := domain.ParseGatewayStatus(raw)
	metrics.GatewayCalls.WithLabelValues("status", string(status)).Inc()
	if !status.Terminal() {
		return status
	}
	if err := r.deps.Store.UpdateLinkStatus(ctx, link.LinkID, status); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Order: %s] Failed to record link status %s.", link.OrderReference, status)
		return domain.LinkStatusPending
	}
	link.Status = status
	logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Link %s found %s by reconciler.", link.OrderReference, link.LinkID, status)
	return status
}

func (r *Reconciler) resumeRecords(ctx context.Context, before time.Time) (int, error) {
	stale, err := r.deps.Store.ListIncomplete(ctx, before)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		done, err := r.deps.Pipeline.Resume(ctx, rec.OrderReference)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_reference", rec.OrderReference).
				Msgf("ERROR: [Order: %s] Reconciliation attempt failed, will retry next round.", rec.OrderReference)
			continue
		}
		resumed++
		logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Reconciled, reference %s.", rec.OrderReference, done.ReferenceNumber)
		DispatchIncentive(ctx, r.deps.Dispatcher, done, r.cfg.IncentiveBatchSize)
	}
	return resumed, nil
}

// Run 每隔 interval 执行一轮，直到 ctx 结束
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	logger.Ctx(ctx).Info().Msgf("✅ Reconciler started, checking every %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Reconciler shutting down.")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("reconciliation round failed")
			}
		}
	}
}
