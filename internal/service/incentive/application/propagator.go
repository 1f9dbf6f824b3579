// internal/service/incentive/application/propagator.go
package application

import (
	"context"
	"fmt"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/metrics"
	"nexus-commerce/internal/service/incentive/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxDepth 单条购买最多向上处理的代数
const DefaultMaxDepth = 64

// Result 是一次 Propagate 调用的结果
type Result struct {
	AppliedGenerations int
	// Next 不为 nil 表示 EndGeneration 之上仍有祖先
	Next *domain.IncentiveJob
}

type Propagator struct {
	directory domain.UplineDirectory
	crediter  domain.Crediter
	policy    domain.RatePolicy
	tracer    trace.Tracer
	batchSize int
	maxDepth  int
}

func NewPropagator(directory domain.UplineDirectory, crediter domain.Crediter, policy domain.RatePolicy,
	tracer trace.Tracer, batchSize, maxDepth int) *Propagator {
	if batchSize <= 0 {
		batchSize = domain.DefaultBatchSize
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Propagator{
		directory: directory,
		crediter:  crediter,
		policy:    policy,
		tracer:    tracer,
		batchSize: batchSize,
		maxDepth:  maxDepth,
	}
}

// Propagate 处理 job 的代数窗口 [StartGeneration, EndGeneration]，第 g 代是向上第 g 个祖先。
// 链在窗口内结束时不返回续作；任一代入账失败则整个 job 失败，已入账的部分靠账本引用保证重放幂等。
func (p *Propagator) Propagate(ctx context.Context, job domain.IncentiveJob) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "incentive.Propagate")
	defer span.End()
	span.SetAttributes(
		attribute.String("purchase.reference", job.SourcePurchaseRef),
		attribute.Int("generation.start", job.StartGeneration),
		attribute.Int("generation.end", job.EndGeneration),
	)

	if err := job.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid job")
		return Result{}, err
	}

	chain, err := p.directory.GetUplineChain(ctx, job.SourceUserID)
	if err != nil {
		metrics.IncentiveFailures.WithLabelValues("directory").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load upline chain failed")
		return Result{}, &domain.PropagationError{Job: job, Generation: job.StartGeneration, Err: err}
	}
	if len(chain)-1 > p.maxDepth {
		err := fmt.Errorf("%w: %s has %d ancestors, limit is %d", domain.ErrChainTooDeep, job.SourceUserID, len(chain)-1, p.maxDepth)
		metrics.IncentiveFailures.WithLabelValues("depth").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upline chain too deep")
		return Result{}, err
	}
	if err := checkChain(job.SourceUserID, chain, job.EndGeneration+1); err != nil {
		metrics.IncentiveFailures.WithLabelValues("integrity").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "integrity violation")
		logger.Ctx(ctx).Error().Err(err).Str("order_reference", job.SourcePurchaseRef).
			Msgf("CRITICAL: [Order: %s] Upline chain of %s is corrupt, incentive aborted.", job.SourcePurchaseRef, job.SourceUserID)
		return Result{}, err
	}
	if job.SourceRole == "" && len(chain) > 0 {
		job.SourceRole = chain[0].Role
	}

	var res Result
	for g := job.StartGeneration; g <= job.EndGeneration && g < len(chain); g++ {
		ancestor := chain[g]
		if err := p.credit(ctx, job, g, ancestor); err != nil {
			metrics.IncentiveFailures.WithLabelValues("write").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "incentive write failed")
			return res, &domain.PropagationError{Job: job, Generation: g, AncestorID: ancestor.UserID, Err: err}
		}
		metrics.IncentiveGenerations.Inc()
		res.AppliedGenerations++
	}

	if job.EndGeneration+1 < len(chain) {
		next := job.Continuation(p.batchSize)
		res.Next = &next
	}
	span.SetAttributes(attribute.Int("generations.applied", res.AppliedGenerations))
	return res, nil
}

func (p *Propagator) credit(ctx context.Context, job domain.IncentiveJob, generation int, ancestor domain.UplineChainNode) error {
	rate, err := p.policy.Rate(generation, ancestor.Role, job.SourceRole)
	if err != nil {
		return fmt.Errorf("evaluate rate: %w", err)
	}
	amount := decimal.NewFromInt(job.BaseAmountMinorUnits).
		Mul(decimal.NewFromFloat(rate)).
		Round(0).
		IntPart()
	if amount <= 0 {
		return nil
	}
	ref := domain.CreditReference(job.SourcePurchaseRef, ancestor.UserID, generation)
	if _, err := p.crediter.Apply(ctx, ancestor.UserID, amount, ref); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Incentive %d credited to %s (generation %d).",
		job.SourcePurchaseRef, amount, ancestor.UserID, generation)
	return nil
}

// PropagateAll 在服务端循环处理续作，直到链结束。返回调用 Propagate 的次数。
func (p *Propagator) PropagateAll(ctx context.Context, job domain.IncentiveJob) (int, error) {
	invocations := 0
	current := &job
	for current != nil {
		if err := ctx.Err(); err != nil {
			return invocations, err
		}
		if current.StartGeneration > p.maxDepth {
			err := fmt.Errorf("%w: chain of %s deeper than %d generations", domain.ErrIntegrityViolation, job.SourceUserID, p.maxDepth)
			metrics.IncentiveFailures.WithLabelValues("integrity").Inc()
			return invocations, err
		}
		res, err := p.Propagate(ctx, *current)
		invocations++
		if err != nil {
			return invocations, err
		}
		current = res.Next
	}
	return invocations, nil
}

// checkChain 校验链的前 depth+1 个节点：不重复，且相邻节点的上级指针一致
func checkChain(sourceUserID string, chain []domain.UplineChainNode, depth int) error {
	if len(chain) == 0 {
		return nil
	}
	if chain[0].UserID != sourceUserID {
		return fmt.Errorf("%w: chain for %s starts at %s", domain.ErrIntegrityViolation, sourceUserID, chain[0].UserID)
	}
	visited := make(map[string]struct{}, len(chain))
	for i, node := range chain {
		if i > depth {
			break
		}
		if _, seen := visited[node.UserID]; seen {
			return fmt.Errorf("%w: %s appears twice in the upline of %s", domain.ErrIntegrityViolation, node.UserID, sourceUserID)
		}
		visited[node.UserID] = struct{}{}
		if i > 0 && (chain[i-1].UplineID == nil || *chain[i-1].UplineID != node.UserID) {
			return fmt.Errorf("%w: %s is not the upline of %s", domain.ErrIntegrityViolation, node.UserID, chain[i-1].UserID)
		}
	}
	return nil
}
