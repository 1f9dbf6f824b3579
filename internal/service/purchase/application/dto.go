// internal/service/purchase/application/dto.go
package application

import (
	"time"

	"nexus-commerce/internal/service/purchase/domain"

	"github.com/shopspring/decimal"
)

// SubmitPurchaseCommand 是发起购买用例的输入数据
type SubmitPurchaseCommand struct {
	RequestID string `json:"requestId"`
	// IdempotencyKey 为空时由 user/product/quantity/salt 派生
	IdempotencyKey string `json:"idempotencyKey"`
	Salt           string `json:"salt"`
	UserID         string `json:"userId"`
	ProductID      string `json:"productId"`
	Quantity       int    `json:"quantity"`
	// UnitPrice 以字符串传输，避免浮点误差，例如 "1000.00"
	UnitPrice     string `json:"unitPrice"`
	PaymentMethod string `json:"paymentMethod"`
	PayerName     string `json:"payerName"`
	PayerEmail    string `json:"payerEmail"`
	Description   string `json:"description"`
}

// ToPurchaseRequest 转换为领域对象，价格格式错误时返回 InvalidInput
func (c *SubmitPurchaseCommand) ToPurchaseRequest(now time.Time) (domain.PurchaseRequest, error) {
	price, err := decimal.NewFromString(c.UnitPrice)
	if err != nil {
		return domain.PurchaseRequest{}, domain.InvalidInput("unitPrice %q is not a decimal number", c.UnitPrice)
	}
	key := c.IdempotencyKey
	if key == "" {
		key = domain.DeriveIdempotencyKey(c.UserID, c.ProductID, c.Quantity, c.Salt)
	}
	method := domain.PaymentMethod(c.PaymentMethod)
	if method == "" {
		method = domain.PaymentMethodGateway
	}
	return domain.PurchaseRequest{
		RequestID:      c.RequestID,
		IdempotencyKey: key,
		UserID:         c.UserID,
		ProductID:      c.ProductID,
		Quantity:       c.Quantity,
		UnitPrice:      price,
		PaymentMethod:  method,
		PayerName:      c.PayerName,
		PayerEmail:     c.PayerEmail,
		Description:    c.Description,
		CreatedAt:      now,
	}, nil
}

type ReceiptView struct {
	OrderReference   string    `json:"orderReference"`
	ReferenceNumber  string    `json:"referenceNumber"`
	AmountMinorUnits int64     `json:"amountMinorUnits"`
	CompletedAt      time.Time `json:"completedAt"`
}

// FlowSnapshot 是调用方看到的流程状态，不包含内部步骤细节
type FlowSnapshot struct {
	FlowID         string           `json:"flowId"`
	State          domain.FlowState `json:"state"`
	Outcome        domain.Outcome   `json:"outcome"`
	CheckoutURL    string           `json:"checkoutUrl,omitempty"`
	OrderReference string           `json:"orderReference,omitempty"`
	Receipt        *ReceiptView     `json:"receipt,omitempty"`
	ErrorKind      domain.Kind      `json:"errorKind,omitempty"`
	Error          string           `json:"error,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

func snapshotOf(f *domain.Flow) FlowSnapshot {
	s := FlowSnapshot{
		FlowID:         f.ID,
		State:          f.State,
		Outcome:        f.Outcome(),
		CheckoutURL:    f.CheckoutURL(),
		OrderReference: f.OrderReference,
		UpdatedAt:      f.UpdatedAt,
	}
	if f.Receipt != nil {
		s.Receipt = &ReceiptView{
			OrderReference:   f.Receipt.OrderReference(),
			ReferenceNumber:  f.Receipt.ReferenceNumber(),
			AmountMinorUnits: f.Receipt.AmountMinorUnits(),
			CompletedAt:      f.Receipt.CompletedAt(),
		}
	}
	if f.Err != nil {
		s.ErrorKind = domain.KindOf(f.Err)
		s.Error = domain.UserMessage(f.Err)
	}
	return s
}

// TransferCommand 是积分转账的输入
type TransferCommand struct {
	RequestID        string `json:"requestId"`
	FromUserID       string `json:"fromUserId" validate:"required"`
	ToUserID         string `json:"toUserId" validate:"required,nefield=FromUserID"`
	AmountMinorUnits int64  `json:"amountMinorUnits" validate:"gt=0"`
}

type TransferResult struct {
	Reference   string `json:"reference"`
	FromBalance int64  `json:"fromBalance"`
}
