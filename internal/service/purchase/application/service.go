// internal/service/purchase/application/service.go
package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/metrics"
	"nexus-commerce/internal/pkg/tracing"
	incentive "nexus-commerce/internal/service/incentive/domain"
	"nexus-commerce/internal/service/ledger"
	"nexus-commerce/internal/service/purchase/application/pipeline"
	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/domain/port"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	EndpointPurchase = "purchase"
	EndpointTransfer = "transfer"
)

type Config struct {
	GatewayTimeout     time.Duration
	Poller             PollerConfig
	IncentiveBatchSize int
	// FlowRetention 已结束的流程在内存中保留的时间
	FlowRetention time.Duration
}

type Deps struct {
	Tracer     trace.Tracer
	Gateway    port.PaymentGateway
	Ledger     port.Ledger
	Store      domain.RecordStore
	Pipeline   *pipeline.Pipeline
	Dispatcher port.IncentiveDispatcher
	Guard      *DedupGuard
}

// PurchaseService 编排购买流程: details -> payment -> processing -> receipt。
// 每个流程实例在独立的 goroutine 中推进，调用方通过快照观察状态。
type PurchaseService struct {
	tracer     trace.Tracer
	guard      *DedupGuard
	broker     *LinkBroker
	poller     *StatusPoller
	pipeline   *pipeline.Pipeline
	store      domain.RecordStore
	ledger     port.Ledger
	dispatcher port.IncentiveDispatcher
	flows      *FlowRegistry
	cfg        Config
	now        func() time.Time
	validate   *validator.Validate

	wg sync.WaitGroup
}

func NewPurchaseService(deps Deps, cfg Config) *PurchaseService {
	if cfg.IncentiveBatchSize <= 0 {
		cfg.IncentiveBatchSize = incentive.DefaultBatchSize
	}
	if cfg.FlowRetention <= 0 {
		cfg.FlowRetention = 30 * time.Minute
	}
	guard := deps.Guard
	if guard == nil {
		guard = NewDedupGuard(DefaultPendingTTL, DefaultDoneTTL)
	}
	return &PurchaseService{
		tracer:     deps.Tracer,
		guard:      guard,
		broker:     NewLinkBroker(deps.Gateway, deps.Tracer, cfg.GatewayTimeout),
		poller:     NewStatusPoller(deps.Gateway, deps.Tracer, cfg.Poller),
		pipeline:   deps.Pipeline,
		store:      deps.Store,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		flows:      NewFlowRegistry(),
		cfg:        cfg,
		now:        time.Now,
		validate:   validator.New(),
	}
}

// SubmitPurchase 校验并受理一次购买，返回流程 ID。
// 去重拒绝、参数错误、网关不可用、余额不足会同步返回，此时没有产生任何副作用。
func (s *PurchaseService) SubmitPurchase(ctx context.Context, req domain.PurchaseRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "app.SubmitPurchase")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("user.id", req.UserID),
		attribute.String("product.id", req.ProductID),
		attribute.String("payment.method", string(req.PaymentMethod)),
	)

	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid purchase request")
		return "", err
	}
	if !s.guard.Admit(EndpointPurchase, req.RequestID, req.CoarseKey()) {
		span.AddEvent("duplicate submission suppressed")
		logger.Ctx(ctx).Info().Msgf("INFO: [Request: %s] Duplicate purchase submission suppressed.", req.RequestID)
		return "", domain.NewError(domain.KindDuplicateRequest, "a purchase for this item is already in progress", nil)
	}

	flow := domain.NewFlow(uuid.NewString(), req, s.now())
	span.SetAttributes(attribute.String("flow.id", flow.ID))

	var err error
	if req.PaymentMethod == domain.PaymentMethodCredits {
		err = s.startCreditsFlow(ctx, flow)
	} else {
		err = s.startGatewayFlow(ctx, flow)
	}
	if err != nil {
		s.guard.Release(EndpointPurchase, req.RequestID)
		metrics.FlowOutcomes.WithLabelValues(string(req.PaymentMethod), string(domain.KindOf(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "purchase rejected")
		return "", err
	}
	return flow.ID, nil
}

// startGatewayFlow details -> payment，然后在后台轮询
func (s *PurchaseService) startGatewayFlow(ctx context.Context, flow *domain.Flow) error {
	req := flow.Request

	// 同一个幂等 key 已有待支付或已支付的链接时直接复用
	link, err := s.store.FindLinkByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil && link.Reusable():
		if !link.Matches(req) {
			logger.Ctx(ctx).Warn().Str("link_id", link.LinkID).
				Msgf("WARN: [Order: %s] Idempotency key reused with a different purchase, rejected.", link.OrderReference)
			return domain.InvalidInput("idempotency key already used for a different purchase")
		}
		logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Reusing payment link %s for idempotency key.", link.OrderReference, link.LinkID)
	case err == nil || errors.Is(err, domain.ErrNotFound):
		link, err = s.broker.CreateLink(ctx, LinkOrder{
			OrderReference:   newOrderReference(),
			IdempotencyKey:   req.IdempotencyKey,
			UserID:           req.UserID,
			ProductID:        req.ProductID,
			Quantity:         req.Quantity,
			AmountMinorUnits: req.AmountMinorUnits(),
			PayerName:        req.PayerName,
			PayerEmail:       req.PayerEmail,
			Description:      req.Description,
		})
		if err != nil {
			return err
		}
		if err := s.store.SaveLink(ctx, link); err != nil {
			return domain.NewError(domain.KindGatewayUnavailable, "could not record payment link, please retry", err)
		}
	default:
		return domain.NewError(domain.KindGatewayUnavailable, "payment link lookup failed, please retry", err)
	}

	if err := flow.ToPayment(link, s.now()); err != nil {
		return err
	}
	s.launch(ctx, flow, func(runCtx context.Context) { s.runGatewayFlow(runCtx, flow.ID, req, link) })
	return nil
}

// startCreditsFlow 先原子扣减余额，再 details -> processing。
// 订单号由幂等 key 派生，重复提交不会重复扣款。
func (s *PurchaseService) startCreditsFlow(ctx context.Context, flow *domain.Flow) error {
	req := flow.Request
	orderRef := creditsOrderReference(req.IdempotencyKey)
	amount := req.AmountMinorUnits()
	rec := domain.NewFulfillmentRecord(orderRef, req, s.now())

	// 同一个 key 之前的购买必须和这次一致，否则扣款会被当作已执行而跳过
	switch prev, err := s.store.FindRecord(ctx, orderRef); {
	case err == nil && !prev.SameIntent(rec):
		return domain.InvalidInput("idempotency key already used for a different purchase")
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.NewError(domain.KindGatewayUnavailable, "order lookup failed, please retry", err)
	}

	if _, err := s.ledger.Apply(ctx, req.UserID, -amount, orderRef+":debit"); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return domain.NewError(domain.KindInsufficientFunds, "insufficient credit balance", err)
		}
		return domain.NewError(domain.KindGatewayUnavailable, "credit balance unavailable, please retry", err)
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Debited %d from %s.", orderRef, amount, req.UserID)

	if err := flow.ToProcessing(orderRef, s.now()); err != nil {
		return err
	}
	s.launch(ctx, flow, func(runCtx context.Context) { s.fulfill(runCtx, flow.ID, req, rec) })
	return nil
}

// launch 登记流程并在后台推进。后台任务不继承请求的取消，但保留链路信息。
func (s *PurchaseService) launch(ctx context.Context, flow *domain.Flow, run func(context.Context)) {
	runCtx, cancel := context.WithCancel(tracing.Detach(ctx))
	s.flows.Add(flow, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		run(runCtx)
	}()
}

func (s *PurchaseService) runGatewayFlow(ctx context.Context, flowID string, req domain.PurchaseRequest, link *domain.PaymentLink) {
	ctx, span := s.tracer.Start(ctx, "app.GatewayFlow", trace.WithAttributes(attribute.String("flow.id", flowID)))
	defer span.End()

	status := link.Status
	if !status.Terminal() {
		var err error
		status, err = s.poller.Poll(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				// 取消已经由 CancelFlow 记录，这里不再做任何迁移
				span.AddEvent("flow cancelled during polling")
				s.finish(req, domain.OutcomeFailed, "cancelled")
				return
			}
			s.fail(ctx, flowID, req, err)
			return
		}
		if err := s.store.UpdateLinkStatus(ctx, link.LinkID, status); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Order: %s] Failed to record link status %s.", link.OrderReference, status)
		}
	}

	if status == domain.LinkStatusFailed {
		s.fail(ctx, flowID, req, domain.NewError(domain.KindPaymentFailed, "payment was declined by the gateway", nil))
		return
	}

	err := s.flows.Update(flowID, func(f *domain.Flow) error {
		return f.ToProcessing(link.OrderReference, s.now())
	})
	if err != nil {
		span.AddEvent("flow finished before processing", trace.WithAttributes(attribute.String("reason", err.Error())))
		s.finish(req, domain.OutcomeFailed, "cancelled")
		return
	}
	s.fulfill(ctx, flowID, req, domain.NewLinkFulfillmentRecord(link, s.now()))
}

// fulfill processing -> receipt。履约一旦开始就不受取消影响。
func (s *PurchaseService) fulfill(ctx context.Context, flowID string, req domain.PurchaseRequest, initial *domain.FulfillmentRecord) {
	ctx = context.WithoutCancel(ctx)
	orderRef := initial.OrderReference
	rec, err := s.pipeline.Run(ctx, initial)
	if err != nil {
		s.fail(ctx, flowID, req, err)
		return
	}
	receipt, err := domain.NewReceipt(rec)
	if err != nil {
		s.fail(ctx, flowID, req, domain.ProcessingError(orderRef, domain.StepReceipt, err))
		return
	}
	if err := s.flows.Update(flowID, func(f *domain.Flow) error { return f.ToReceipt(receipt, s.now()) }); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Order: %s] Could not move flow %s to receipt.", orderRef, flowID)
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Purchase completed with reference %s.", orderRef, rec.ReferenceNumber)
	s.finish(req, domain.OutcomeSucceeded, "ok")

	s.dispatchIncentive(ctx, rec)
}

// dispatchIncentive 返佣失败只记录日志，不影响购买结果
func (s *PurchaseService) dispatchIncentive(ctx context.Context, rec *domain.FulfillmentRecord) {
	DispatchIncentive(ctx, s.dispatcher, rec, s.cfg.IncentiveBatchSize)
}

// DispatchIncentive 按履约记录投递返佣任务，返佣以订单号幂等，重复投递不会重复入账
func DispatchIncentive(ctx context.Context, dispatcher port.IncentiveDispatcher, rec *domain.FulfillmentRecord, batchSize int) {
	if dispatcher == nil {
		return
	}
	job := incentive.NewIncentiveJob(rec.UserID, rec.OrderReference, rec.CreditDelta, batchSize)
	if err := dispatcher.Dispatch(ctx, job); err != nil {
		metrics.IncentiveFailures.WithLabelValues("dispatch").Inc()
		logger.Ctx(ctx).Warn().Err(err).Str("order_reference", rec.OrderReference).
			Msgf("WARN: [Order: %s] Incentive job could not be dispatched, will need a manual retry.", rec.OrderReference)
	}
}

func (s *PurchaseService) fail(ctx context.Context, flowID string, req domain.PurchaseRequest, cause error) {
	now := s.now()
	err := s.flows.Update(flowID, func(f *domain.Flow) error {
		f.Fail(cause, now)
		return nil
	})
	if err != nil && !errors.Is(err, ErrFlowFinished) {
		logger.Ctx(ctx).Error().Err(err).Str("flow_id", flowID).Msg("failed to record flow failure")
	}
	if domain.KindOf(cause) == domain.KindProcessingError {
		var perr *domain.Error
		errors.As(cause, &perr)
		logger.Ctx(ctx).Error().Err(cause).
			Str("order_reference", perr.OrderReference).
			Str("step", string(perr.Step)).
			Msgf("ERROR: [Order: %s] Purchase needs manual reconciliation.", perr.OrderReference)
	}
	s.finish(req, domain.OutcomeFailed, string(domain.KindOf(cause)))
}

func (s *PurchaseService) finish(req domain.PurchaseRequest, outcome domain.Outcome, reason string) {
	s.guard.Release(EndpointPurchase, req.RequestID)
	if outcome == domain.OutcomeSucceeded {
		metrics.FlowOutcomes.WithLabelValues(string(req.PaymentMethod), string(outcome)).Inc()
		return
	}
	metrics.FlowOutcomes.WithLabelValues(string(req.PaymentMethod), reason).Inc()
}

// GetFlowState 返回流程快照
func (s *PurchaseService) GetFlowState(flowID string) (FlowSnapshot, error) {
	snap, ok := s.flows.Snapshot(flowID)
	if !ok {
		return FlowSnapshot{}, ErrFlowNotFound
	}
	return snap, nil
}

// WatchFlow 返回当前快照和下一次变化的通知
func (s *PurchaseService) WatchFlow(flowID string) (FlowSnapshot, <-chan struct{}, error) {
	snap, changed, ok := s.flows.Watch(flowID)
	if !ok {
		return FlowSnapshot{}, nil, ErrFlowNotFound
	}
	return snap, changed, nil
}

// CancelFlow 放弃等待支付的流程。轮询会在下一次查询前停止，不会通知网关。
func (s *PurchaseService) CancelFlow(flowID string) error {
	return s.flows.Cancel(flowID, s.now())
}

// TransferCredits 在用户之间转账，同一个 requestId 或同一对用户同时只允许一笔进行中的转账
func (s *PurchaseService) TransferCredits(ctx context.Context, cmd TransferCommand) (TransferResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.TransferCredits")
	defer span.End()

	if cmd.RequestID == "" {
		return TransferResult{}, domain.InvalidInput("requestId is required")
	}
	if err := s.validate.Struct(cmd); err != nil {
		return TransferResult{}, domain.NewError(domain.KindInvalidInput, err.Error(), err)
	}
	if !s.guard.Admit(EndpointTransfer, cmd.RequestID, cmd.FromUserID+"->"+cmd.ToUserID) {
		return TransferResult{}, domain.NewError(domain.KindDuplicateRequest, "a transfer between these accounts is already in progress", nil)
	}
	defer s.guard.Release(EndpointTransfer, cmd.RequestID)

	reference := "TX-" + cmd.RequestID
	if err := ledger.Transfer(ctx, s.ledger, cmd.FromUserID, cmd.ToUserID, cmd.AmountMinorUnits, reference); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer failed")
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return TransferResult{}, domain.NewError(domain.KindInsufficientFunds, "insufficient credit balance", err)
		}
		return TransferResult{}, domain.NewError(domain.KindGatewayUnavailable, "credit balance unavailable, please retry", err)
	}
	balance, err := s.ledger.Balance(ctx, cmd.FromUserID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("transfer applied but balance read failed")
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Transfer: %s] %d moved from %s to %s.", reference, cmd.AmountMinorUnits, cmd.FromUserID, cmd.ToUserID)
	return TransferResult{Reference: reference, FromBalance: balance}, nil
}

func (s *PurchaseService) GetBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, domain.InvalidInput("userId is required")
	}
	return s.ledger.Balance(ctx, userID)
}

// Run 周期性清理去重表和已结束的流程，直到 ctx 结束
func (s *PurchaseService) Run(ctx context.Context, sweepInterval time.Duration) error {
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	go s.guard.Run(ctx, sweepInterval)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.flows.Prune(s.now().Add(-s.cfg.FlowRetention))
		}
	}
}

// Wait 等待所有后台流程结束，关停和测试时使用
func (s *PurchaseService) Wait() {
	s.wg.Wait()
}

func newOrderReference() string {
	return "PO-" + uuid.NewString()
}

// creditsOrderReference 由完整的幂等 key 派生，不同 key 不会得到同一个订单号
func creditsOrderReference(idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return "PC-" + hex.EncodeToString(sum[:16])
}
