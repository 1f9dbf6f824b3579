// Package purchasetest 提供购买流程测试用的可编排替身
package purchasetest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	incentive "nexus-commerce/internal/service/incentive/domain"
	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/domain/port"
	"nexus-commerce/internal/service/purchase/infrastructure"
)

// StatusReply 是一次状态查询的脚本化回复
type StatusReply struct {
	Status string
	Err    error
}

func Status(s string) StatusReply { return StatusReply{Status: s} }

func TransportError(msg string) StatusReply { return StatusReply{Err: errors.New(msg)} }

// Gateway 按脚本回复状态查询。脚本用完后重复最后一条；没有脚本时一直返回 pending。
type Gateway struct {
	mu          sync.Mutex
	createErr   error
	createDelay time.Duration
	replies     []StatusReply
	created     []port.CheckoutRequest
	statusCalls int
	// queried 每次状态查询后收到一个信号
	queried chan struct{}
}

func NewGateway(replies ...StatusReply) *Gateway {
	return &Gateway{replies: replies, queried: make(chan struct{}, 1024)}
}

func (g *Gateway) FailCreate(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErr = err
}

// DelayCreate 让创建会话阻塞，直到 d 过去或 ctx 结束
func (g *Gateway) DelayCreate(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createDelay = d
}

func (g *Gateway) Script(replies ...StatusReply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = replies
	g.statusCalls = 0
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, req port.CheckoutRequest) (port.CheckoutSession, error) {
	g.mu.Lock()
	delay, createErr := g.createDelay, g.createErr
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return port.CheckoutSession{}, ctx.Err()
		}
	}
	if createErr != nil {
		return port.CheckoutSession{}, createErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	id := fmt.Sprintf("link-%d", len(g.created))
	return port.CheckoutSession{CheckoutURL: "https://pay.test/checkout/" + id, LinkID: id}, nil
}

func (g *Gateway) GetCheckoutStatus(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer func() {
		g.mu.Unlock()
		select {
		case g.queried <- struct{}{}:
		default:
		}
	}()
	g.statusCalls++
	if len(g.replies) == 0 {
		return "pending", nil
	}
	i := g.statusCalls - 1
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	return g.replies[i].Status, g.replies[i].Err
}

// Queried 每次状态查询完成后可读
func (g *Gateway) Queried() <-chan struct{} { return g.queried }

func (g *Gateway) CreatedSessions() []port.CheckoutRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]port.CheckoutRequest(nil), g.created...)
}

func (g *Gateway) StatusCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls
}

// Steps 记录履约各步骤的调用顺序，并可注入失败
type Steps struct {
	mu     sync.Mutex
	calls  []domain.StepName
	failOn map[domain.StepName]error
	// applied 记录每个订单每一步的生效次数（模拟下游按订单号幂等）
	applied map[string]int
	events  []port.PurchaseEvent
}

func NewSteps() *Steps {
	return &Steps{failOn: map[domain.StepName]error{}, applied: map[string]int{}}
}

func (s *Steps) FailOn(step domain.StepName, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[step] = err
}

func (s *Steps) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = map[domain.StepName]error{}
}

func (s *Steps) record(step domain.StepName, orderReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, step)
	if err := s.failOn[step]; err != nil {
		return err
	}
	s.applied[orderReference+"/"+string(step)]++
	return nil
}

func (s *Steps) AdjustStock(_ context.Context, orderReference, _ string, _ int) error {
	return s.record(domain.StepInventory, orderReference)
}

func (s *Steps) IssueLicense(_ context.Context, orderReference, _, _ string, _ int) error {
	return s.record(domain.StepLicense, orderReference)
}

func (s *Steps) Notify(_ context.Context, _, orderReference, _ string) error {
	return s.record(domain.StepNotification, orderReference)
}

func (s *Steps) RecordPurchase(_ context.Context, event port.PurchaseEvent) error {
	if err := s.record(domain.StepAnalytics, event.OrderReference); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Calls 返回所有被调用过的步骤（包括失败的调用）
func (s *Steps) Calls() []domain.StepName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StepName(nil), s.calls...)
}

// Applied 返回某个订单某一步成功执行的次数
func (s *Steps) Applied(orderReference string, step domain.StepName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[orderReference+"/"+string(step)]
}

// Dispatcher 收集投递的返佣任务
type Dispatcher struct {
	mu   sync.Mutex
	jobs []incentive.IncentiveJob
	err  error
}

func (d *Dispatcher) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Dispatcher) Dispatch(_ context.Context, job incentive.IncentiveJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *Dispatcher) Jobs() []incentive.IncentiveJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]incentive.IncentiveJob(nil), d.jobs...)
}

// NewStore 在临时目录中打开一个 bolt 记录存储
func NewStore(t testing.TB) *infrastructure.BoltRecordStore {
	t.Helper()
	store, err := infrastructure.NewBoltRecordStore(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open record store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var (
	_ port.PaymentGateway    = (*Gateway)(nil)
	_ port.InventoryService  = (*Steps)(nil)
	_ port.LicenseIssuer     = (*Steps)(nil)
	_ port.Notifier          = (*Steps)(nil)
	_ port.AnalyticsRecorder = (*Steps)(nil)
	_ domain.RecordStore     = (*infrastructure.BoltRecordStore)(nil)
)
