package domain

import "context"

// UplineDirectory 组织目录。返回的链第一个元素是用户本人，之后依次是上级。
type UplineDirectory interface {
	GetUplineChain(ctx context.Context, userID string) ([]UplineChainNode, error)
}

// Crediter 给祖先入账，以 reference 幂等
type Crediter interface {
	Apply(ctx context.Context, userID string, delta int64, reference string) (int64, error)
}

// RatePolicy 计算某一代的返佣比例
type RatePolicy interface {
	Rate(generation int, ancestorRole, sourceRole string) (float64, error)
}
