// internal/service/incentive/infrastructure/gorm_directory.go
package infrastructure

import (
	"context"

	"nexus-commerce/internal/service/incentive/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormUplineDirectory 从 referral_node 表逐级读取上级链
type GormUplineDirectory struct {
	db       *gorm.DB
	maxDepth int
}

func NewGormUplineDirectory(db *gorm.DB, maxDepth int) *GormUplineDirectory {
	if maxDepth <= 0 {
		maxDepth = 64
	}
	return &GormUplineDirectory{db: db, maxDepth: maxDepth}
}

func (d *GormUplineDirectory) AutoMigrate() error {
	return d.db.AutoMigrate(&ReferralNodeModel{}, &IncentiveEntryModel{})
}

// GetUplineChain 返回 [用户本人, 上级, 上上级, ...]。
// 遇到重复节点时把它放在链尾后停止，由调用方判定为完整性错误；
// 读满 maxDepth 代后仍有上级时返回 ErrChainTooDeep。
func (d *GormUplineDirectory) GetUplineChain(ctx context.Context, userID string) ([]domain.UplineChainNode, error) {
	chain := make([]domain.UplineChainNode, 0, 8)
	visited := make(map[string]struct{})
	next := userID
	for len(chain) <= d.maxDepth {
		var m ReferralNodeModel
		err := d.db.WithContext(ctx).Where("user_id = ?", next).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if len(chain) == 0 {
				// 不在组织树中的用户没有上级
				return nil, nil
			}
			// 上级指向不存在的用户，按链在此结束处理
			return chain, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "load referral node %s", next)
		}
		node := toDomainNode(&m)
		chain = append(chain, node)
		if _, seen := visited[node.UserID]; seen {
			return chain, nil
		}
		visited[node.UserID] = struct{}{}
		if node.UplineID == nil || *node.UplineID == "" {
			return chain, nil
		}
		next = *node.UplineID
	}
	return nil, errors.Wrapf(domain.ErrChainTooDeep, "upline of %s continues past %d generations at %s", userID, d.maxDepth, next)
}

// SaveNode 新增或更新一个用户的上级关系
func (d *GormUplineDirectory) SaveNode(ctx context.Context, node domain.UplineChainNode) error {
	m := &ReferralNodeModel{UserID: node.UserID, UplineID: node.UplineID, Role: node.Role, Level: node.Level}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"upline_id", "role", "level", "updated_at"}),
	}).Create(m).Error
}

// JournaledCrediter 先在 incentive_entry 记一笔流水，再写账本。两者都以 reference 幂等。
type JournaledCrediter struct {
	db     *gorm.DB
	ledger domain.Crediter
}

func NewJournaledCrediter(db *gorm.DB, ledger domain.Crediter) *JournaledCrediter {
	return &JournaledCrediter{db: db, ledger: ledger}
}

func (c *JournaledCrediter) Apply(ctx context.Context, userID string, delta int64, reference string) (int64, error) {
	entry := &IncentiveEntryModel{Reference: reference, UserID: userID, AmountMinorUnits: delta}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error
	if err != nil {
		return 0, errors.Wrapf(err, "journal incentive %s", reference)
	}
	return c.ledger.Apply(ctx, userID, delta, reference)
}
