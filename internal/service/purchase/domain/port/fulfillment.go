package port

import (
	"context"
	"time"

	incentive "nexus-commerce/internal/service/incentive/domain"
)

// 履约各步骤的出站端口。所有实现都必须以 orderReference 做幂等，
// 因为对账任务会对未完成的订单重跑失败的步骤。

// InventoryService 是库存服务的出站端口。
type InventoryService interface {
	AdjustStock(ctx context.Context, orderReference, productID string, quantity int) error
}

// LicenseIssuer 负责发放激活码/授权
type LicenseIssuer interface {
	IssueLicense(ctx context.Context, orderReference, userID, productID string, quantity int) error
}

// Notifier 通知投递（邮件/短信），对流水线来说是发出即忘
type Notifier interface {
	Notify(ctx context.Context, userID, orderReference, message string) error
}

type PurchaseEvent struct {
	OrderReference   string    `json:"orderReference"`
	UserID           string    `json:"userId"`
	ProductID        string    `json:"productId"`
	Quantity         int       `json:"quantity"`
	AmountMinorUnits int64     `json:"amountMinorUnits"`
	PaymentMethod    string    `json:"paymentMethod"`
	OccurredAt       time.Time `json:"occurredAt"`
}

type AnalyticsRecorder interface {
	RecordPurchase(ctx context.Context, event PurchaseEvent) error
}

// Ledger 余额账本，Apply 以 reference 幂等，余额不足时返回 ledger.ErrInsufficientFunds
type Ledger interface {
	Apply(ctx context.Context, userID string, delta int64, reference string) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// IncentiveDispatcher 异步投递返佣任务，失败不影响购买结果
type IncentiveDispatcher interface {
	Dispatch(ctx context.Context, job incentive.IncentiveJob) error
}
