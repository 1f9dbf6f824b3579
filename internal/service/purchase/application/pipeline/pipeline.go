// internal/service/purchase/application/pipeline/pipeline.go
package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/domain/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Deps 是流水线的外部依赖
type Deps struct {
	Tracer    trace.Tracer
	Inventory port.InventoryService
	License   port.LicenseIssuer
	Notifier  port.Notifier
	Analytics port.AnalyticsRecorder
	Ledger    port.Ledger
	Store     domain.FulfillmentRepository
	// 以下可选，测试时注入
	Now          func() time.Time
	NewReference func() string
}

// Pipeline 按固定顺序执行履约：库存 -> 授权 -> 通知 -> 统计 -> 入账 -> 回执。
// 只前进不回滚；每一步都以订单号幂等，可以从最后完成的步骤继续。
type Pipeline struct {
	deps Deps
	// 同一个订单在本进程内串行执行
	locks sync.Map
}

func New(deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewReference == nil {
		deps.NewReference = NewReferenceNumber
	}
	return &Pipeline{deps: deps}
}

// NewReferenceNumber 生成给人看的回执号，如 ORDER-004217
func NewReferenceNumber() string {
	return fmt.Sprintf("ORDER-%06d", rand.IntN(1_000_000))
}

func (p *Pipeline) chain() Handler {
	head := &InventoryHandler{}
	head.SetNext(&LicenseHandler{}).
		SetNext(&NotificationHandler{}).
		SetNext(&AnalyticsHandler{}).
		SetNext(&CreditHandler{}).
		SetNext(&ReceiptHandler{})
	return head
}

// Run 为一次已支付的购买建立履约记录并执行。
// 同一个订单号重复调用只会得到同一条记录，已完成的步骤不会重复执行；
// 订单号已被另一笔购买占用时返回 InvalidInput。
func (p *Pipeline) Run(ctx context.Context, rec *domain.FulfillmentRecord) (*domain.FulfillmentRecord, error) {
	stored, err := p.deps.Store.CreateRecordIfAbsent(ctx, rec)
	if err != nil {
		return nil, domain.ProcessingError(rec.OrderReference, domain.StepInventory, fmt.Errorf("create fulfillment record: %w", err))
	}
	if !stored.SameIntent(rec) {
		return nil, domain.InvalidInput("order %s already belongs to a different purchase", rec.OrderReference)
	}
	return p.execute(ctx, stored.OrderReference)
}

// Resume 从最后完成的步骤继续执行一个已存在的订单，供对账任务使用
func (p *Pipeline) Resume(ctx context.Context, orderReference string) (*domain.FulfillmentRecord, error) {
	return p.execute(ctx, orderReference)
}

func (p *Pipeline) execute(ctx context.Context, orderReference string) (*domain.FulfillmentRecord, error) {
	mu, _ := p.locks.LoadOrStore(orderReference, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	ctx, span := p.deps.Tracer.Start(ctx, "fulfillment.Pipeline")
	defer span.End()
	span.SetAttributes(attribute.String("order.reference", orderReference))

	// 加锁后重新读取，拿到其他执行者写入的最新进度
	rec, err := p.deps.Store.FindRecord(ctx, orderReference)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load fulfillment record failed")
		return nil, domain.ProcessingError(orderReference, "", fmt.Errorf("load fulfillment record: %w", err))
	}
	if rec.IsComplete() {
		span.AddEvent("already completed")
		return rec, nil
	}

	fc := &FulfillmentContext{
		Ctx:          ctx,
		Record:       rec,
		Tracer:       p.deps.Tracer,
		Inventory:    p.deps.Inventory,
		License:      p.deps.License,
		Notifier:     p.deps.Notifier,
		Analytics:    p.deps.Analytics,
		Ledger:       p.deps.Ledger,
		Store:        p.deps.Store,
		Now:          p.deps.Now,
		NewReference: p.deps.NewReference,
	}
	if err := p.chain().Handle(fc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fulfillment aborted")
		return rec, err
	}
	return rec, nil
}
