// internal/service/incentive/wire.go
package incentive

import (
	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/service/incentive/application"
	"nexus-commerce/internal/service/incentive/domain"
	"nexus-commerce/internal/service/incentive/infrastructure"
	"nexus-commerce/internal/service/incentive/infrastructure/rule"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// NewPropagator 组装返佣传播器：推荐关系存 MySQL，入账先写流水再写账本
func NewPropagator(db *gorm.DB, ledger domain.Crediter, cfg bootstrap.IncentiveConfig, tracer trace.Tracer) (*application.Propagator, error) {
	if db == nil {
		return nil, errors.New("incentive propagation requires the mysql record store")
	}
	directory := infrastructure.NewGormUplineDirectory(db, cfg.MaxDepth)
	if err := directory.AutoMigrate(); err != nil {
		return nil, errors.Wrap(err, "migrate referral tables")
	}
	expr := cfg.Rule
	if expr == "" {
		expr = rule.DefaultRateExpression
	}
	policy, err := rule.NewCELPolicy(expr)
	if err != nil {
		return nil, err
	}
	crediter := infrastructure.NewJournaledCrediter(db, ledger)
	return application.NewPropagator(directory, crediter, policy, tracer, cfg.BatchSize, cfg.MaxDepth), nil
}
