package domain

import (
	"fmt"
	"time"
)

type LinkStatus string

const (
	LinkStatusPending LinkStatus = "pending"
	LinkStatusPaid    LinkStatus = "paid"
	LinkStatusFailed  LinkStatus = "failed"
)

// Terminal paid 和 failed 是终态
func (s LinkStatus) Terminal() bool {
	return s == LinkStatusPaid || s == LinkStatusFailed
}

// ParseGatewayStatus 网关返回的其他状态（如 awaiting_payment）都视为 pending
func ParseGatewayStatus(raw string) LinkStatus {
	switch LinkStatus(raw) {
	case LinkStatusPaid:
		return LinkStatusPaid
	case LinkStatusFailed:
		return LinkStatusFailed
	default:
		return LinkStatusPending
	}
}

// PaymentLink 创建后只有 Status 可以变化，并且只能由轮询结果推进
type PaymentLink struct {
	LinkID           string
	CheckoutURL      string
	OrderReference   string
	IdempotencyKey   string
	UserID           string
	ProductID        string
	Quantity         int
	AmountMinorUnits int64
	Status           LinkStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Advance 把状态从 pending 推进到终态；重复推进到同一状态是 no-op
func (l *PaymentLink) Advance(status LinkStatus, now time.Time) error {
	if l.Status == status {
		return nil
	}
	if l.Status.Terminal() {
		return fmt.Errorf("payment link %s is already %s", l.LinkID, l.Status)
	}
	l.Status = status
	l.UpdatedAt = now
	return nil
}

// Reusable 同一个幂等 key 的新提交可以复用仍在等待或已支付的链接
func (l *PaymentLink) Reusable() bool {
	return l.Status == LinkStatusPending || l.Status == LinkStatusPaid
}

// Matches 复用链接前确认它和新请求是同一笔购买：用户、商品、数量、金额都一致
func (l *PaymentLink) Matches(req PurchaseRequest) bool {
	return l.UserID == req.UserID &&
		l.ProductID == req.ProductID &&
		l.Quantity == req.Quantity &&
		l.AmountMinorUnits == req.AmountMinorUnits()
}
