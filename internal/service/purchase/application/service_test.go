package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/service/ledger"
	"nexus-commerce/internal/service/purchase/application/pipeline"
	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/purchasetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func init() {
	logger.SetOutput(io.Discard)
}

type harness struct {
	gateway    *purchasetest.Gateway
	steps      *purchasetest.Steps
	ledger     *ledger.MemoryLedger
	store      domain.RecordStore
	dispatcher *purchasetest.Dispatcher
	svc        *PurchaseService
}

func newHarness(t *testing.T, replies ...purchasetest.StatusReply) *harness {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	h := &harness{
		gateway:    purchasetest.NewGateway(replies...),
		steps:      purchasetest.NewSteps(),
		ledger:     ledger.NewMemoryLedger(),
		store:      purchasetest.NewStore(t),
		dispatcher: &purchasetest.Dispatcher{},
	}
	p := pipeline.New(pipeline.Deps{
		Tracer:    tracer,
		Inventory: h.steps,
		License:   h.steps,
		Notifier:  h.steps,
		Analytics: h.steps,
		Ledger:    h.ledger,
		Store:     h.store,
	})
	h.svc = NewPurchaseService(Deps{
		Tracer:     tracer,
		Gateway:    h.gateway,
		Ledger:     h.ledger,
		Store:      h.store,
		Pipeline:   p,
		Dispatcher: h.dispatcher,
	}, Config{
		GatewayTimeout: time.Second,
		Poller:         PollerConfig{Interval: 5 * time.Millisecond},
	})
	t.Cleanup(h.svc.Wait)
	return h
}

func purchase(requestID string, method domain.PaymentMethod) domain.PurchaseRequest {
	return domain.PurchaseRequest{
		RequestID:      requestID,
		IdempotencyKey: domain.DeriveIdempotencyKey("u1", "starter-pack", 1, ""),
		UserID:         "u1",
		ProductID:      "starter-pack",
		Quantity:       1,
		UnitPrice:      decimal.RequireFromString("1000.00"),
		PaymentMethod:  method,
	}
}

func (h *harness) waitDone(t *testing.T, flowID string) FlowSnapshot {
	t.Helper()
	var snap FlowSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = h.svc.GetFlowState(flowID)
		require.NoError(t, err)
		return snap.Outcome != domain.OutcomeInProgress
	}, 2*time.Second, 2*time.Millisecond)
	return snap
}

func TestSubmitPurchase_GatewayPaidProducesReceipt(t *testing.T) {
	h := newHarness(t, purchasetest.Status("pending"), purchasetest.Status("paid"))
	ctx := context.Background()

	flowID, err := h.svc.SubmitPurchase(ctx, purchase("r1", domain.PaymentMethodGateway))
	require.NoError(t, err)

	snap := h.waitDone(t, flowID)
	assert.Equal(t, domain.OutcomeSucceeded, snap.Outcome)
	assert.Equal(t, domain.FlowStateReceipt, snap.State)
	require.NotNil(t, snap.Receipt)
	assert.Regexp(t, `^ORDER-\d{6}$`, snap.Receipt.ReferenceNumber)
	assert.Equal(t, int64(100000), snap.Receipt.AmountMinorUnits)

	balance, err := h.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), balance)
	assert.Equal(t, domain.StepOrder, h.steps.Calls())

	sessions := h.gateway.CreatedSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(100000), sessions[0].AmountMinorUnits)

	h.svc.Wait()
	jobs := h.dispatcher.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, snap.OrderReference, jobs[0].SourcePurchaseRef)
	assert.Equal(t, 1, jobs[0].StartGeneration)
	assert.Equal(t, 3, jobs[0].EndGeneration)
}

func TestSubmitPurchase_CheckoutURLVisibleDuringPayment(t *testing.T) {
	h := newHarness(t)
	flowID, err := h.svc.SubmitPurchase(context.Background(), purchase("r1", domain.PaymentMethodGateway))
	require.NoError(t, err)

	snap, err := h.svc.GetFlowState(flowID)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowStatePayment, snap.State)
	assert.Equal(t, "https://pay.test/checkout/link-1", snap.CheckoutURL)

	require.NoError(t, h.svc.CancelFlow(flowID))
}

func TestSubmitPurchase_RejectsDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	flowID, err := h.svc.SubmitPurchase(ctx, purchase("r1", domain.PaymentMethodGateway))
	require.NoError(t, err)

	_, err = h.svc.SubmitPurchase(ctx, purchase("r1", domain.PaymentMethodGateway))
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	// 不同 requestId，同一用户同一商品
	_, err = h.svc.SubmitPurchase(ctx, purchase("r2", domain.PaymentMethodGateway))
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	assert.Len(t, h.gateway.CreatedSessions(), 1)
	require.NoError(t, h.svc.CancelFlow(flowID))
}

func TestSubmitPurchase_ConcurrentDuplicatesAdmitOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		mu       sync.Mutex
		flows    []string
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.svc.SubmitPurchase(ctx, purchase(fmt.Sprintf("r%d", i%2), domain.PaymentMethodGateway))
			if err == nil {
				admitted.Add(1)
				mu.Lock()
				flows = append(flows, id)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Len(t, h.gateway.CreatedSessions(), 1)
	for _, id := range flows {
		require.NoError(t, h.svc.CancelFlow(id))
	}
}

func TestSubmitPurchase_InvalidInput(t *testing.T) {
	h := newHarness(t)
	req := purchase("r1", domain.PaymentMethodGateway)
	req.Quantity = 0

	_, err := h.svc.SubmitPurchase(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, h.gateway.CreatedSessions())
}

func TestSubmitPurchase_GatewayDownIsSynchronous(t *testing.T) {
	h := newHarness(t)
	h.gateway.FailCreate(errors.New("connection refused"))
	ctx := context.Background()

	_, err := h.svc.SubmitPurchase(ctx, purchase("r1", domain.PaymentMethodGateway))
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Contains(t, err.Error(), "connection refused")

	// 粗粒度锁已释放，新的请求可以重试
	h.gateway.FailCreate(nil)
	flowID, err := h.svc.SubmitPurchase(ctx, purchase("r2", domain.PaymentMethodGateway))
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelFlow(flowID))
}

func TestSubmitPurchase_PaymentFailed(t *testing.T) {
	h := newHarness(t, purchasetest.Status("failed"))

	flowID, err := h.svc.SubmitPurchase(context.Background(), purchase("r1", domain.PaymentMethodGateway))
	require.NoError(t, err)

	snap := h.waitDone(t, flowID)
	assert.Equal(t, domain.OutcomeFailed, snap.Outcome)
	assert.Equal(t, domain.FlowStateDetails, snap.State)
	assert.Equal(t, domain.KindPaymentFailed, snap.ErrorKind)
	assert.Empty(t, h.steps.Calls())
}

func TestSubmitPurchase_StatusTransportErrorStopsPolling(t *testing.T) {
	h := newHarness(t, purchasetest.Status("pending"), purchasetest.TransportError("read: connection reset"))

	flowID, err := h.svc.SubmitPurchase(context.Background(), purchase("r1", domain.PaymentMethodGateway))
	require.NoError(t, err)

	snap := h.waitDone(t, flowID)
	assert.Equal(t, domain.KindGatewayUnavailable, snap.ErrorKind)
	assert.Equal(t, StatusUnavailableMessage, snap.Error)

	h.svc.Wait()
	assert.Equal(t, 2, h.gateway.StatusCalls())
}

func TestSubmitPurchase_ProcessingErrorNamesStep(t *testing.T) {
	h := newHarness(t, purchasetest.Status("paid"))
	h.steps.FailOn(domain.StepLicense, errors.New("license server 503"))
	ctx := context.Background()

	flowID, err := h.svc.SubmitPurchase(ctx, purchase("r1", domain.PaymentMethodGateway))
	require.NoError(t, err)

	snap := h.waitDone(t, flowID)
	assert.Equal(t, domain.KindProcessingError, snap.ErrorKind)
	assert.Contains(t, snap.Error, snap.OrderReference)

	balance, _ := h.ledger.Balance(ctx, "u1")
	assert.Zero(t, balance)

	rec, err := h.store.FindRecord(ctx, snap.OrderReference)
	require.NoError(t, err)
	assert.Equal(t, domain.StepLicense, rec.FailedStep)
	h.svc.Wait()
	assert.Empty(t, h.dispatcher.Jobs())
}

func TestSubmitPurchase_CreditsPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.Apply(ctx, "u1", 250000, "seed")
	require.NoError(t, err)

	flowID, err := h.svc.SubmitPurchase(ctx, purchase("r1", domain.PaymentMethodCredits))
	require.NoError(t, err)

	snap := h.waitDone(t, flowID)
	require.Equal(t, domain.OutcomeSucceeded, snap.Outcome)
	assert.Empty(t, h.gateway.CreatedSessions())

	// 扣款与入账相互抵消
	balance, _ := h.ledger.Balance(ctx, "u1")
	assert.Equal(t, int64(250000), balance)
}

func TestSubmitPurchase_CreditsInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SubmitPurchase(ctx, purchase("r1", domain.PaymentMethodCredits))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Empty(t, h.steps.Calls())

	// 失败的请求不占用粗粒度锁
	_, err = h.ledger.Apply(ctx, "u1", 100000, "seed")
	require.NoError(t, err)
	flowID, err := h.svc.SubmitPurchase(ctx, purchase("r2", domain.PaymentMethodCredits))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, h.waitDone(t, flowID).Outcome)
}

func TestCancelFlow_StopsPolling(t *testing.T) {
	h := newHarness(t)

	flowID, err := h.svc.SubmitPurchase(context.Background(), purchase("r1", domain.PaymentMethodGateway))
	require.NoError(t, err)

	select {
	case <-h.gateway.Queried():
	case <-time.After(time.Second):
		t.Fatal("gateway never queried")
	}
	require.NoError(t, h.svc.CancelFlow(flowID))
	h.svc.Wait()

	calls := h.gateway.StatusCalls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, h.gateway.StatusCalls())

	snap, err := h.svc.GetFlowState(flowID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, snap.Outcome)
	assert.Equal(t, domain.FlowStateDetails, snap.State)
	assert.Empty(t, h.steps.Calls())
}

func TestCancelFlow_UnknownFlow(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.svc.CancelFlow("missing"), ErrFlowNotFound)
	_, err := h.svc.GetFlowState("missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestSubmitPurchase_ReusesPendingLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.SubmitPurchase(ctx, purchase("r1", domain.PaymentMethodGateway))
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelFlow(first))
	h.svc.Wait()

	h.gateway.Script(purchasetest.Status("paid"))
	second, err := h.svc.SubmitPurchase(ctx, purchase("r2", domain.PaymentMethodGateway))
	require.NoError(t, err)

	snap := h.waitDone(t, second)
	assert.Equal(t, domain.OutcomeSucceeded, snap.Outcome)
	assert.Len(t, h.gateway.CreatedSessions(), 1)
}

func TestTransferCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.Apply(ctx, "alice", 500, "seed")
	require.NoError(t, err)

	res, err := h.svc.TransferCredits(ctx, TransferCommand{RequestID: "t1", FromUserID: "alice", ToUserID: "bob", AmountMinorUnits: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.FromBalance)
	bob, _ := h.ledger.Balance(ctx, "bob")
	assert.Equal(t, int64(200), bob)

	// 重放同一个 requestId 被拦截
	_, err = h.svc.TransferCredits(ctx, TransferCommand{RequestID: "t1", FromUserID: "alice", ToUserID: "bob", AmountMinorUnits: 200})
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	_, err = h.svc.TransferCredits(ctx, TransferCommand{RequestID: "t2", FromUserID: "alice", ToUserID: "bob", AmountMinorUnits: 1000})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.svc.TransferCredits(ctx, TransferCommand{RequestID: "t3", FromUserID: "alice", ToUserID: "alice", AmountMinorUnits: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSubmitPurchase_KeyReusedForDifferentPurchaseRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cheap := purchase("r1", domain.PaymentMethodGateway)
	cheap.ProductID = "cheap"
	cheap.UnitPrice = decimal.RequireFromString("1.00")
	cheap.IdempotencyKey = "K"
	first, err := h.svc.SubmitPurchase(ctx, cheap)
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelFlow(first))
	h.svc.Wait()

	// 网关上那笔 1.00 已经付款，但新请求换成了 1000.00 的商品
	h.gateway.Script(purchasetest.Status("paid"))
	premium := purchase("r2", domain.PaymentMethodGateway)
	premium.ProductID = "premium"
	premium.IdempotencyKey = "K"
	_, err = h.svc.SubmitPurchase(ctx, premium)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Len(t, h.gateway.CreatedSessions(), 1)
	assert.Empty(t, h.steps.Calls())
	balance, _ := h.ledger.Balance(ctx, "u1")
	assert.Zero(t, balance)

	// 原来的请求仍然可以用同一个 key 完成，入账金额是网关实际收取的金额
	cheap.RequestID = "r3"
	flowID, err := h.svc.SubmitPurchase(ctx, cheap)
	require.NoError(t, err)
	snap := h.waitDone(t, flowID)
	require.Equal(t, domain.OutcomeSucceeded, snap.Outcome)
	assert.Equal(t, int64(100), snap.Receipt.AmountMinorUnits)
	balance, _ = h.ledger.Balance(ctx, "u1")
	assert.Equal(t, int64(100), balance)
}

func TestSubmitPurchase_CreditsKeysWithCommonPrefixAreSeparateOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.Apply(ctx, "u1", 1_000_000, "seed")
	require.NoError(t, err)

	var refs []string
	for i, product := range []string{"pack-a", "pack-b"} {
		req := purchase(fmt.Sprintf("r%d", i), domain.PaymentMethodCredits)
		req.ProductID = product
		req.IdempotencyKey = fmt.Sprintf("user-u1-checkout-session-%04d", i+1)
		flowID, err := h.svc.SubmitPurchase(ctx, req)
		require.NoError(t, err)
		snap := h.waitDone(t, flowID)
		require.Equal(t, domain.OutcomeSucceeded, snap.Outcome)
		refs = append(refs, snap.OrderReference)
	}

	require.Len(t, refs, 2)
	assert.NotEqual(t, refs[0], refs[1])
	assert.Len(t, h.steps.Calls(), 2*len(domain.StepOrder))
	for _, ref := range refs {
		assert.Equal(t, 1, h.steps.Applied(ref, domain.StepInventory), ref)
		assert.Equal(t, 1, h.steps.Applied(ref, domain.StepLicense), ref)
	}
}

func TestSubmitPurchase_CreditsKeyReusedForDifferentPurchaseRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.Apply(ctx, "u1", 1_000_000, "seed")
	require.NoError(t, err)

	first := purchase("r1", domain.PaymentMethodCredits)
	first.IdempotencyKey = "K"
	flowID, err := h.svc.SubmitPurchase(ctx, first)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSucceeded, h.waitDone(t, flowID).Outcome)
	h.svc.Wait()

	second := purchase("r2", domain.PaymentMethodCredits)
	second.ProductID = "pack-b"
	second.Quantity = 3
	second.IdempotencyKey = "K"
	_, err = h.svc.SubmitPurchase(ctx, second)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Len(t, h.steps.Calls(), len(domain.StepOrder))
	balance, _ := h.ledger.Balance(ctx, "u1")
	assert.Equal(t, int64(1_000_000), balance)
}
