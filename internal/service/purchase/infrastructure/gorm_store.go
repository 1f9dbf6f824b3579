// internal/service/purchase/infrastructure/gorm_store.go
package infrastructure

import (
	"context"
	"errors"
	"time"

	"nexus-commerce/internal/service/purchase/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRecordStore 是 RecordStore 的 MySQL 实现
type GormRecordStore struct {
	db *gorm.DB
}

func NewGormRecordStore(db *gorm.DB) *GormRecordStore {
	return &GormRecordStore{db: db}
}

// AutoMigrate 创建或更新表结构
func (s *GormRecordStore) AutoMigrate() error {
	return s.db.AutoMigrate(&PaymentLinkModel{}, &FulfillmentRecordModel{})
}

func (s *GormRecordStore) SaveLink(ctx context.Context, link *domain.PaymentLink) error {
	model := toPaymentLinkModel(link)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "link_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(model).Error
}

// FindLinkByIdempotencyKey 返回该 key 最新创建的链接
func (s *GormRecordStore) FindLinkByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentLink, error) {
	var model PaymentLinkModel
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).Order("id DESC").First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return toDomainPaymentLink(&model), nil
}

// UpdateLinkStatus 只允许从 pending 推进
func (s *GormRecordStore) UpdateLinkStatus(ctx context.Context, linkID string, status domain.LinkStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PaymentLinkModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("link_id = ?", linkID).First(&model).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		link := toDomainPaymentLink(&model)
		if err := link.Advance(status, time.Now()); err != nil {
			return err
		}
		return tx.Model(&PaymentLinkModel{}).Where("id = ?", model.ID).Update("status", link.Status).Error
	})
}

func (s *GormRecordStore) ListLinks(ctx context.Context, status domain.LinkStatus, since, before time.Time) ([]*domain.PaymentLink, error) {
	var models []PaymentLinkModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at >= ? AND updated_at < ?", status, since, before).
		Order("updated_at").
		Limit(500).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.PaymentLink, 0, len(models))
	for i := range models {
		out = append(out, toDomainPaymentLink(&models[i]))
	}
	return out, nil
}

func (s *GormRecordStore) CreateRecordIfAbsent(ctx context.Context, rec *domain.FulfillmentRecord) (*domain.FulfillmentRecord, error) {
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(toFulfillmentRecordModel(rec)).Error; err != nil {
		return nil, err
	}
	return s.FindRecord(ctx, rec.OrderReference)
}

func (s *GormRecordStore) SaveRecord(ctx context.Context, rec *domain.FulfillmentRecord) error {
	model := toFulfillmentRecordModel(rec)
	// Select 让零值字段（如清空的 last_error）也会被写入
	res := s.db.WithContext(ctx).Model(&FulfillmentRecordModel{}).
		Where("order_reference = ?", rec.OrderReference).
		Select("steps", "credit_applied", "reference_number", "completed_at", "failed_step", "last_error", "record_updated_at").
		Updates(model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.db.WithContext(ctx).Create(model).Error
	}
	return nil
}

func (s *GormRecordStore) FindRecord(ctx context.Context, orderReference string) (*domain.FulfillmentRecord, error) {
	var model FulfillmentRecordModel
	err := s.db.WithContext(ctx).Where("order_reference = ?", orderReference).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return toDomainFulfillmentRecord(&model), nil
}

func (s *GormRecordStore) ListIncomplete(ctx context.Context, before time.Time) ([]*domain.FulfillmentRecord, error) {
	var models []FulfillmentRecordModel
	err := s.db.WithContext(ctx).
		Where("reference_number = ? AND record_updated_at < ?", "", before).
		Order("record_updated_at").
		Limit(500).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.FulfillmentRecord, 0, len(models))
	for i := range models {
		out = append(out, toDomainFulfillmentRecord(&models[i]))
	}
	return out, nil
}
