package infrastructure

import (
	"nexus-commerce/internal/service/incentive/domain"

	"gorm.io/gorm"
)

// ReferralNodeModel 对应 referral_node 表，每个用户最多一个上级
type ReferralNodeModel struct {
	gorm.Model
	UserID   string  `gorm:"size:64;uniqueIndex"`
	UplineID *string `gorm:"size:64;index"`
	Role     string  `gorm:"size:32"`
	Level    int
}

func (ReferralNodeModel) TableName() string {
	return "referral_node"
}

// IncentiveEntryModel 对应 incentive_entry 表，记录每一笔返佣，reference 唯一
type IncentiveEntryModel struct {
	gorm.Model
	Reference        string `gorm:"size:191;uniqueIndex"`
	UserID           string `gorm:"size:64;index"`
	AmountMinorUnits int64
}

func (IncentiveEntryModel) TableName() string {
	return "incentive_entry"
}

func toDomainNode(m *ReferralNodeModel) domain.UplineChainNode {
	return domain.UplineChainNode{
		UserID:   m.UserID,
		UplineID: m.UplineID,
		Role:     m.Role,
		Level:    m.Level,
	}
}
