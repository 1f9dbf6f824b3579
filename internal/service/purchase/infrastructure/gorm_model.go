package infrastructure

import (
	"database/sql"
	"time"

	"nexus-commerce/internal/service/purchase/domain"

	"gorm.io/gorm"
)

// PaymentLinkModel 对应数据库中的 payment_link 表
type PaymentLinkModel struct {
	gorm.Model
	LinkID           string `gorm:"size:128;uniqueIndex"`
	CheckoutURL      string `gorm:"type:text"`
	OrderReference   string `gorm:"size:64;index"`
	IdempotencyKey   string `gorm:"size:64;index"`
	UserID           string `gorm:"size:64"`
	ProductID        string `gorm:"size:64"`
	Quantity         int
	AmountMinorUnits int64
	Status           domain.LinkStatus `gorm:"size:16"`
}

func (PaymentLinkModel) TableName() string {
	return "payment_link"
}

// FulfillmentRecordModel 对应 fulfillment_record 表，步骤列表以 JSON 保存
type FulfillmentRecordModel struct {
	gorm.Model
	OrderReference  string `gorm:"size:64;uniqueIndex"`
	IdempotencyKey  string `gorm:"size:64"`
	UserID          string `gorm:"size:64"`
	ProductID       string `gorm:"size:64"`
	Quantity        int
	PaymentMethod   domain.PaymentMethod     `gorm:"size:16"`
	Steps           []domain.FulfillmentStep `gorm:"type:text;serializer:json"`
	CreditDelta     int64
	CreditApplied   bool
	ReferenceNumber string `gorm:"size:32;index"`
	CompletedAt     sql.NullTime
	FailedStep      string `gorm:"size:32"`
	LastError       string `gorm:"type:text"`
	RecordUpdatedAt time.Time `gorm:"index"`
}

func (FulfillmentRecordModel) TableName() string {
	return "fulfillment_record"
}
