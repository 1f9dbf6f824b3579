// internal/service/purchase/domain/repository.go
package domain

import (
	"context"
	"time"
)

// PaymentLinkRepository 按幂等 key 索引支付链接，同一个 key 只保留最新的一条
type PaymentLinkRepository interface {
	SaveLink(ctx context.Context, link *PaymentLink) error
	// FindLinkByIdempotencyKey 不存在时返回 ErrNotFound
	FindLinkByIdempotencyKey(ctx context.Context, key string) (*PaymentLink, error)
	UpdateLinkStatus(ctx context.Context, linkID string, status LinkStatus) error
	// ListLinks 返回指定状态且 UpdatedAt 落在 [since, before) 内的链接，供对账使用
	ListLinks(ctx context.Context, status LinkStatus, since, before time.Time) ([]*PaymentLink, error)
}

// FulfillmentRepository 持久化履约进度，支持崩溃后按订单号续跑
type FulfillmentRepository interface {
	// CreateRecordIfAbsent 返回订单号对应的已存储记录；不存在时写入 rec 并返回它
	CreateRecordIfAbsent(ctx context.Context, rec *FulfillmentRecord) (*FulfillmentRecord, error)
	SaveRecord(ctx context.Context, rec *FulfillmentRecord) error
	// FindRecord 不存在时返回 ErrNotFound
	FindRecord(ctx context.Context, orderReference string) (*FulfillmentRecord, error)
	// ListIncomplete 返回 UpdatedAt 早于 before 且尚未完成的记录
	ListIncomplete(ctx context.Context, before time.Time) ([]*FulfillmentRecord, error)
}

// RecordStore 同时提供两类记录的存储
type RecordStore interface {
	PaymentLinkRepository
	FulfillmentRepository
}
