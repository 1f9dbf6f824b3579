// internal/service/incentive/domain/job.go
package domain

import (
	"errors"
	"fmt"
)

// DefaultBatchSize 每次调用最多处理的代数
const DefaultBatchSize = 3

// IncentiveJob 描述一段待处理的代数窗口 [StartGeneration, EndGeneration]
type IncentiveJob struct {
	SourceUserID      string `json:"sourceUserId"`
	SourceRole        string `json:"sourceRole,omitempty"`
	SourcePurchaseRef string `json:"sourcePurchaseRef"`
	// BaseAmountMinorUnits 是计算返佣的购买金额（分）
	BaseAmountMinorUnits int64 `json:"baseAmountMinorUnits"`
	StartGeneration      int   `json:"startGeneration"`
	EndGeneration        int   `json:"endGeneration"`
}

// NewIncentiveJob 创建第一段窗口 [1, batchSize]
func NewIncentiveJob(sourceUserID, sourcePurchaseRef string, baseAmount int64, batchSize int) IncentiveJob {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return IncentiveJob{
		SourceUserID:         sourceUserID,
		SourcePurchaseRef:    sourcePurchaseRef,
		BaseAmountMinorUnits: baseAmount,
		StartGeneration:      1,
		EndGeneration:        batchSize,
	}
}

func (j IncentiveJob) Validate() error {
	switch {
	case j.SourceUserID == "" || j.SourcePurchaseRef == "":
		return errors.New("incentive job requires source user and purchase reference")
	case j.StartGeneration < 1 || j.EndGeneration < j.StartGeneration:
		return fmt.Errorf("invalid generation window [%d, %d]", j.StartGeneration, j.EndGeneration)
	case j.BaseAmountMinorUnits < 0:
		return fmt.Errorf("negative base amount %d", j.BaseAmountMinorUnits)
	}
	return nil
}

// Continuation 返回下一段窗口: start = end+1, end = end+batchSize
func (j IncentiveJob) Continuation(batchSize int) IncentiveJob {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	next := j
	next.StartGeneration = j.EndGeneration + 1
	next.EndGeneration = j.EndGeneration + batchSize
	return next
}

// UplineChainNode 是组织树的只读快照。根节点的 UplineID 为 nil。
type UplineChainNode struct {
	UserID   string
	UplineID *string
	Role     string
	Level    int
}

// ErrIntegrityViolation 上级链中出现环
var ErrIntegrityViolation = errors.New("integrity violation: cycle detected in upline chain")

// ErrChainTooDeep 上级链超过允许的最大代数，超出部分不会被静默丢弃
var ErrChainTooDeep = errors.New("upline chain exceeds the maximum depth")

// PropagationError 某一代的返佣写入失败，整个 job 失败，可以独立重试
type PropagationError struct {
	Job        IncentiveJob
	Generation int
	AncestorID string
	Err        error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("incentive propagation for %s failed at generation %d (ancestor %s): %v",
		e.Job.SourcePurchaseRef, e.Generation, e.AncestorID, e.Err)
}

func (e *PropagationError) Unwrap() error { return e.Err }

// CreditReference 每个祖先每一代的返佣都有唯一的账本引用，重放不会重复入账
func CreditReference(purchaseRef, ancestorID string, generation int) string {
	return fmt.Sprintf("%s:incentive:%s:g%d", purchaseRef, ancestorID, generation)
}
