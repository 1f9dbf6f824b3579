// internal/service/purchase/domain/flow.go
package domain

import (
	"errors"
	"fmt"
	"time"
)

// FlowState 定义了一次购买流程对调用方可见的阶段
type FlowState string

const (
	FlowStateDetails    FlowState = "details"    // 填写/确认购买信息，出错后也回到这里
	FlowStatePayment    FlowState = "payment"    // 已生成支付链接，等待网关结果
	FlowStateProcessing FlowState = "processing" // 已支付，履约中
	FlowStateReceipt    FlowState = "receipt"    // 履约完成，终态
)

// Outcome 是购买者能看到的三种结果
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
)

// ErrFlowCancelled 调用方放弃了流程
var ErrFlowCancelled = errors.New("purchase flow cancelled")

// Receipt 只能通过 NewReceipt 从已完成的履约记录构造
type Receipt struct {
	orderReference   string
	referenceNumber  string
	amountMinorUnits int64
	completedAt      time.Time
}

func NewReceipt(r *FulfillmentRecord) (Receipt, error) {
	if r == nil || !r.IsComplete() || r.CompletedAt == nil {
		return Receipt{}, errors.New("receipt requires a completed fulfillment record")
	}
	return Receipt{
		orderReference:   r.OrderReference,
		referenceNumber:  r.ReferenceNumber,
		amountMinorUnits: r.CreditDelta,
		completedAt:      *r.CompletedAt,
	}, nil
}

func (r Receipt) OrderReference() string  { return r.orderReference }
func (r Receipt) ReferenceNumber() string { return r.referenceNumber }
func (r Receipt) AmountMinorUnits() int64 { return r.amountMinorUnits }
func (r Receipt) CompletedAt() time.Time  { return r.completedAt }

// Flow 是一次购买流程的实例。状态只能通过下面的方法迁移。
type Flow struct {
	ID             string
	Request        PurchaseRequest
	State          FlowState
	Link           *PaymentLink
	OrderReference string
	Receipt        *Receipt
	Err            error
	// Done 为 true 表示本实例已结束（成功、失败或取消），再次购买需要新的实例
	Done      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewFlow(id string, req PurchaseRequest, now time.Time) *Flow {
	return &Flow{ID: id, Request: req, State: FlowStateDetails, CreatedAt: now, UpdatedAt: now}
}

func (f *Flow) transition(from []FlowState, to FlowState, now time.Time) error {
	if f.Done {
		return fmt.Errorf("flow %s already finished in state %s", f.ID, f.State)
	}
	for _, s := range from {
		if f.State == s {
			f.State = to
			f.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("flow %s: illegal transition %s -> %s", f.ID, f.State, to)
}

// ToPayment details -> payment，需要一个待支付的链接
func (f *Flow) ToPayment(link *PaymentLink, now time.Time) error {
	if link == nil || link.CheckoutURL == "" {
		return errors.New("payment state requires a payment link")
	}
	if err := f.transition([]FlowState{FlowStateDetails}, FlowStatePayment, now); err != nil {
		return err
	}
	f.Link = link
	f.OrderReference = link.OrderReference
	return nil
}

// ToProcessing payment -> processing（网关支付），或 details -> processing（余额支付已扣款）
func (f *Flow) ToProcessing(orderReference string, now time.Time) error {
	from := []FlowState{FlowStatePayment}
	if f.Request.PaymentMethod == PaymentMethodCredits {
		from = []FlowState{FlowStateDetails}
	}
	if err := f.transition(from, FlowStateProcessing, now); err != nil {
		return err
	}
	f.OrderReference = orderReference
	return nil
}

// ToReceipt processing -> receipt
func (f *Flow) ToReceipt(receipt Receipt, now time.Time) error {
	if receipt.referenceNumber == "" {
		return errors.New("receipt state requires a receipt built from a completed fulfillment record")
	}
	if err := f.transition([]FlowState{FlowStateProcessing}, FlowStateReceipt, now); err != nil {
		return err
	}
	f.Receipt = &receipt
	f.Done = true
	return nil
}

// Fail 任意非终态 -> details，记录原因并结束本实例
func (f *Flow) Fail(err error, now time.Time) {
	if f.Done {
		return
	}
	f.State = FlowStateDetails
	f.Err = err
	f.Done = true
	f.UpdatedAt = now
}

func (f *Flow) Outcome() Outcome {
	switch {
	case f.State == FlowStateReceipt:
		return OutcomeSucceeded
	case f.Done:
		return OutcomeFailed
	default:
		return OutcomeInProgress
	}
}

// CheckoutURL 仅在 payment 阶段对调用方可见
func (f *Flow) CheckoutURL() string {
	if f.State == FlowStatePayment && f.Link != nil {
		return f.Link.CheckoutURL
	}
	return ""
}
