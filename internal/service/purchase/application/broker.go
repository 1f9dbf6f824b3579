// internal/service/purchase/application/broker.go
package application

import (
	"context"
	"errors"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/metrics"
	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/domain/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultGatewayTimeout = 15 * time.Second

// LinkOrder 是创建支付链接所需的订单信息
type LinkOrder struct {
	OrderReference   string
	IdempotencyKey   string
	UserID           string
	ProductID        string
	Quantity         int
	AmountMinorUnits int64
	PayerName        string
	PayerEmail       string
	Description      string
}

// LinkBroker 负责向网关申请收银台链接。
// 只发起一次调用，不自动重试：重放同一个订单号在部分网关上会产生重复的支付意图。
type LinkBroker struct {
	gateway port.PaymentGateway
	tracer  trace.Tracer
	timeout time.Duration
	now     func() time.Time
}

func NewLinkBroker(gateway port.PaymentGateway, tracer trace.Tracer, timeout time.Duration) *LinkBroker {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	return &LinkBroker{gateway: gateway, tracer: tracer, timeout: timeout, now: time.Now}
}

func (b *LinkBroker) CreateLink(ctx context.Context, order LinkOrder) (*domain.PaymentLink, error) {
	ctx, span := b.tracer.Start(ctx, "broker.CreateLink")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.reference", order.OrderReference),
		attribute.Int64("amount.minor_units", order.AmountMinorUnits),
	)

	if order.AmountMinorUnits <= 0 {
		err := domain.InvalidInput("InvalidAmount: amount must be a positive number of minor units, got %d", order.AmountMinorUnits)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid amount")
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := b.now()
	session, err := b.gateway.CreateCheckoutSession(callCtx, port.CheckoutRequest{
		OrderReference:   order.OrderReference,
		AmountMinorUnits: order.AmountMinorUnits,
		PayerName:        order.PayerName,
		PayerEmail:       order.PayerEmail,
		Description:      order.Description,
	})
	metrics.GatewayLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())

	if err == nil && (session.LinkID == "" || session.CheckoutURL == "") {
		err = errors.New("gateway returned an incomplete checkout session")
	}
	if err != nil {
		metrics.GatewayCalls.WithLabelValues("create", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "create checkout session failed")
		logger.Ctx(ctx).Error().Err(err).Str("order_reference", order.OrderReference).
			Msgf("ERROR: [Order: %s] Payment gateway rejected checkout session.", order.OrderReference)
		// 保留网关原始报错，统一归类为 GatewayUnavailable
		return nil, domain.NewError(domain.KindGatewayUnavailable, err.Error(), err)
	}
	metrics.GatewayCalls.WithLabelValues("create", "ok").Inc()

	now := b.now()
	link := &domain.PaymentLink{
		LinkID:           session.LinkID,
		CheckoutURL:      session.CheckoutURL,
		OrderReference:   order.OrderReference,
		IdempotencyKey:   order.IdempotencyKey,
		UserID:           order.UserID,
		ProductID:        order.ProductID,
		Quantity:         order.Quantity,
		AmountMinorUnits: order.AmountMinorUnits,
		Status:           domain.LinkStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	span.SetAttributes(attribute.String("link.id", link.LinkID))
	logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Payment link %s created.", order.OrderReference, link.LinkID)
	return link, nil
}
