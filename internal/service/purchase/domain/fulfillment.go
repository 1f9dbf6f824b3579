// internal/service/purchase/domain/fulfillment.go
package domain

import (
	"fmt"
	"time"
)

type StepName string

const (
	StepInventory    StepName = "inventory"
	StepLicense      StepName = "license"
	StepNotification StepName = "notification"
	StepAnalytics    StepName = "analytics"
	// 以下两个不在 Steps 列表中，由 CreditApplied / ReferenceNumber 记录
	StepCredit  StepName = "credit"
	StepReceipt StepName = "receipt"
)

// StepOrder 是履约步骤的固定顺序
var StepOrder = []StepName{StepInventory, StepLicense, StepNotification, StepAnalytics}

type FulfillmentStep struct {
	Name        StepName
	Completed   bool
	CompletedAt *time.Time
}

// FulfillmentRecord 在支付成功时创建，按订单号逐步更新并持久化
type FulfillmentRecord struct {
	OrderReference string
	IdempotencyKey string
	UserID         string
	ProductID      string
	Quantity       int
	PaymentMethod  PaymentMethod
	Steps          []FulfillmentStep
	// CreditDelta 是履约完成时给购买者增加的余额（分）
	CreditDelta     int64
	CreditApplied   bool
	ReferenceNumber string
	CompletedAt     *time.Time
	FailedStep      StepName
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewFulfillmentRecord(orderReference string, req PurchaseRequest, now time.Time) *FulfillmentRecord {
	steps := make([]FulfillmentStep, len(StepOrder))
	for i, name := range StepOrder {
		steps[i] = FulfillmentStep{Name: name}
	}
	return &FulfillmentRecord{
		OrderReference: orderReference,
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		PaymentMethod:  req.PaymentMethod,
		Steps:          steps,
		CreditDelta:    req.AmountMinorUnits(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewLinkFulfillmentRecord 网关支付的履约以链接为准，入账金额就是网关实际收取的金额
func NewLinkFulfillmentRecord(link *PaymentLink, now time.Time) *FulfillmentRecord {
	rec := NewFulfillmentRecord(link.OrderReference, PurchaseRequest{
		IdempotencyKey: link.IdempotencyKey,
		UserID:         link.UserID,
		ProductID:      link.ProductID,
		Quantity:       link.Quantity,
		PaymentMethod:  PaymentMethodGateway,
	}, now)
	rec.CreditDelta = link.AmountMinorUnits
	return rec
}

// SameIntent 同一个订单号下已存储的记录必须属于同一笔购买
func (r *FulfillmentRecord) SameIntent(other *FulfillmentRecord) bool {
	return r.UserID == other.UserID &&
		r.ProductID == other.ProductID &&
		r.Quantity == other.Quantity &&
		r.CreditDelta == other.CreditDelta
}

func (r *FulfillmentRecord) StepCompleted(name StepName) bool {
	switch name {
	case StepCredit:
		return r.CreditApplied
	case StepReceipt:
		return r.ReferenceNumber != ""
	}
	for _, s := range r.Steps {
		if s.Name == name {
			return s.Completed
		}
	}
	return false
}

// NextStep 返回第一个未完成的步骤
func (r *FulfillmentRecord) NextStep() (StepName, bool) {
	for _, s := range r.Steps {
		if !s.Completed {
			return s.Name, true
		}
	}
	if !r.CreditApplied {
		return StepCredit, true
	}
	if r.ReferenceNumber == "" {
		return StepReceipt, true
	}
	return "", false
}

// CompleteStep 只能完成下一个待执行的步骤，保证后面的步骤不会先于前面的完成
func (r *FulfillmentRecord) CompleteStep(name StepName, now time.Time) error {
	if r.StepCompleted(name) {
		return nil
	}
	next, ok := r.NextStep()
	if !ok || next != name {
		return fmt.Errorf("order %s: step %s cannot complete before %s", r.OrderReference, name, next)
	}
	switch name {
	case StepCredit:
		r.CreditApplied = true
	case StepReceipt:
		return fmt.Errorf("order %s: receipt is completed through Finish", r.OrderReference)
	default:
		for i := range r.Steps {
			if r.Steps[i].Name == name {
				t := now
				r.Steps[i].Completed = true
				r.Steps[i].CompletedAt = &t
			}
		}
	}
	r.FailedStep = ""
	r.LastError = ""
	r.UpdatedAt = now
	return nil
}

// Finish 写入回执号，要求之前所有步骤都已完成
func (r *FulfillmentRecord) Finish(referenceNumber string, now time.Time) error {
	if r.ReferenceNumber != "" {
		return nil
	}
	if next, _ := r.NextStep(); next != StepReceipt {
		return fmt.Errorf("order %s: cannot finish before %s", r.OrderReference, next)
	}
	t := now
	r.ReferenceNumber = referenceNumber
	r.CompletedAt = &t
	r.FailedStep = ""
	r.LastError = ""
	r.UpdatedAt = now
	return nil
}

func (r *FulfillmentRecord) RecordFailure(step StepName, err error, now time.Time) {
	r.FailedStep = step
	r.LastError = err.Error()
	r.UpdatedAt = now
}

func (r *FulfillmentRecord) IsComplete() bool {
	_, pending := r.NextStep()
	return !pending
}
