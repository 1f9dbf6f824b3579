// internal/service/purchase/domain/request.go
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodCredits PaymentMethod = "credits"
	PaymentMethodGateway PaymentMethod = "gateway"
)

// PurchaseRequest 是一次购买尝试。
// RequestID 每次点击都不同；IdempotencyKey 对同一个购买意图保持不变。
type PurchaseRequest struct {
	RequestID      string          `validate:"required"`
	IdempotencyKey string          `validate:"required"`
	UserID         string          `validate:"required"`
	ProductID      string          `validate:"required"`
	Quantity       int             `validate:"min=1"`
	UnitPrice      decimal.Decimal `validate:"-"`
	PaymentMethod  PaymentMethod   `validate:"oneof=credits gateway"`
	PayerName      string
	PayerEmail     string `validate:"omitempty,email"`
	Description    string
	CreatedAt      time.Time
}

var validate = validator.New()

// Validate 校验字段，失败时返回 InvalidInput
func (r *PurchaseRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return InvalidInput("invalid fields: %s", strings.Join(fields, ", "))
		}
		return NewError(KindInvalidInput, "invalid purchase request", err)
	}
	if !r.UnitPrice.IsPositive() {
		return InvalidInput("unit price must be positive, got %s", r.UnitPrice.String())
	}
	if r.AmountMinorUnits() <= 0 {
		return InvalidInput("amount rounds to zero minor units")
	}
	return nil
}

// AmountMinorUnits = round(unitPrice * quantity * 100)
func (r *PurchaseRequest) AmountMinorUnits() int64 {
	return MinorUnits(r.UnitPrice, r.Quantity)
}

func MinorUnits(unitPrice decimal.Decimal, quantity int) int64 {
	return unitPrice.
		Mul(decimal.NewFromInt(int64(quantity))).
		Mul(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

// DeriveIdempotencyKey 由用户、商品、数量和本次意图的 salt 派生。
// 同一意图的重试得到相同的 key。
func DeriveIdempotencyKey(userID, productID string, quantity int, salt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", userID, productID, quantity, salt)))
	return hex.EncodeToString(sum[:])
}

// CoarseKey 同一用户同一商品同时只允许一个进行中的购买
func (r *PurchaseRequest) CoarseKey() string {
	return r.UserID + ":" + r.ProductID
}
