// internal/service/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrInsufficientFunds 扣减后余额会小于 0
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrInvalidAmount 转账金额必须为正
var ErrInvalidAmount = errors.New("transfer amount must be positive")

// Ledger 是余额的权威存储。所有变更都以 reference 做幂等：
// 同一个 reference 只会生效一次，重复调用返回当前余额。
type Ledger interface {
	Apply(ctx context.Context, userID string, delta int64, reference string) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// Transfer 把 amount 从 from 转给 to。
// 两次变更各自原子且幂等，第二步失败时用同一个 reference 重试即可补齐。
func Transfer(ctx context.Context, l Ledger, from, to string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return fmt.Errorf("cannot transfer to the same account %s", from)
	}
	if _, err := l.Apply(ctx, from, -amount, reference+":out"); err != nil {
		return err
	}
	if _, err := l.Apply(ctx, to, amount, reference+":in"); err != nil {
		return fmt.Errorf("transfer %s debited %s but credit to %s failed, retry with the same reference: %w", reference, from, to, err)
	}
	return nil
}
