// internal/service/purchase/application/poller.go
package application

import (
	"context"
	"fmt"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/metrics"
	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/domain/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultPollInterval = 5 * time.Second

// StatusUnavailableMessage 查询失败时展示给调用方的统一信息
const StatusUnavailableMessage = "payment status unavailable, contact support"

type PollerConfig struct {
	Interval time.Duration
	// BackoffFactor > 1 时每次查询后间隔乘以该系数
	BackoffFactor float64
	MaxInterval   time.Duration
	// MaxAttempts > 0 时限制查询次数
	MaxAttempts int
}

// StatusPoller 周期性查询链接状态，直到终态、出错或 ctx 被取消
type StatusPoller struct {
	gateway port.PaymentGateway
	tracer  trace.Tracer
	cfg     PollerConfig
}

func NewStatusPoller(gateway port.PaymentGateway, tracer trace.Tracer, cfg PollerConfig) *StatusPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	return &StatusPoller{gateway: gateway, tracer: tracer, cfg: cfg}
}

// Poll 阻塞直到链接进入 paid / failed。
// 查询出错立即停止并返回 GatewayUnavailable；ctx 取消后不会再发起任何查询。
func (p *StatusPoller) Poll(ctx context.Context, link *domain.PaymentLink) (domain.LinkStatus, error) {
	ctx, span := p.tracer.Start(ctx, "poller.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("link.id", link.LinkID), attribute.String("order.reference", link.OrderReference))

	interval := p.cfg.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			span.AddEvent("polling cancelled")
			logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Polling stopped, flow abandoned.", link.OrderReference)
			return domain.LinkStatusPending, ctx.Err()
		case <-timer.C:
		}
		// timer 和取消同时就绪时 select 随机选择，这里再确认一次
		if ctx.Err() != nil {
			return domain.LinkStatusPending, ctx.Err()
		}

		raw, err := p.gateway.GetCheckoutStatus(ctx, link.LinkID)
		if err != nil {
			if ctx.Err() != nil {
				return domain.LinkStatusPending, ctx.Err()
			}
			metrics.GatewayCalls.WithLabelValues("status", "error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "status query failed")
			logger.Ctx(ctx).Error().Err(err).Str("order_reference", link.OrderReference).
				Msgf("ERROR: [Order: %s] Payment status query failed, polling stopped.", link.OrderReference)
			return domain.LinkStatusPending, domain.NewError(domain.KindGatewayUnavailable, StatusUnavailableMessage, err)
		}

		status := domain.ParseGatewayStatus(raw)
		metrics.GatewayCalls.WithLabelValues("status", string(status)).Inc()
		span.AddEvent("status", trace.WithAttributes(attribute.String("raw", raw), attribute.Int("attempt", attempt)))
		if status.Terminal() {
			logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Payment link reached %s after %d checks.", link.OrderReference, status, attempt)
			return status, nil
		}

		if p.cfg.MaxAttempts > 0 && attempt >= p.cfg.MaxAttempts {
			err := domain.NewError(domain.KindGatewayUnavailable, StatusUnavailableMessage,
				fmt.Errorf("link %s still pending after %d checks", link.LinkID, attempt))
			span.RecordError(err)
			span.SetStatus(codes.Error, "poll budget exhausted")
			return domain.LinkStatusPending, err
		}

		interval = p.next(interval)
		timer.Reset(interval)
	}
}

func (p *StatusPoller) next(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.cfg.BackoffFactor)
	if p.cfg.MaxInterval > 0 && next > p.cfg.MaxInterval {
		return p.cfg.MaxInterval
	}
	return next
}
