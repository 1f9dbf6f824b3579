package port

import (
	"context"
)

// CheckoutRequest 是创建收银台会话所需的信息
type CheckoutRequest struct {
	OrderReference   string
	AmountMinorUnits int64
	PayerName        string
	PayerEmail       string
	Description      string
}

type CheckoutSession struct {
	CheckoutURL string
	LinkID      string
}

// PaymentGateway 是外部支付网关的出站端口。
type PaymentGateway interface {
	// CreateCheckoutSession 创建收银台会话。失败时 error 中保留网关原始信息。
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)

	// GetCheckoutStatus 查询链接状态，返回网关原始状态字符串
	GetCheckoutStatus(ctx context.Context, linkID string) (string, error)
}
