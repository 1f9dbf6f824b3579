// internal/service/purchase/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// Kind 是调用方可以区分的错误类别
type Kind string

const (
	KindDuplicateRequest   Kind = "DuplicateRequest"
	KindInvalidInput       Kind = "InvalidInput"
	KindGatewayUnavailable Kind = "GatewayUnavailable"
	KindPaymentFailed      Kind = "PaymentFailed"
	KindProcessingError    Kind = "ProcessingError"
	KindInsufficientFunds  Kind = "InsufficientFunds"
)

// Error 是购买流程对外暴露的错误。
// ProcessingError 会带上订单号和失败的步骤，供人工对账。
type Error struct {
	Kind           Kind
	Message        string
	OrderReference string
	Step           StepName
	Err            error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.OrderReference != "" {
		msg += fmt.Sprintf(" [order=%s", e.OrderReference)
		if e.Step != "" {
			msg += fmt.Sprintf(" step=%s", e.Step)
		}
		msg += "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 只比较 Kind，使 errors.Is(err, ErrPaymentFailed) 之类的判断成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrDuplicateRequest   = &Error{Kind: KindDuplicateRequest}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrGatewayUnavailable = &Error{Kind: KindGatewayUnavailable}
	ErrPaymentFailed      = &Error{Kind: KindPaymentFailed}
	ErrProcessing         = &Error{Kind: KindProcessingError}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds}
)

// ErrNotFound 由仓储在记录不存在时返回
var ErrNotFound = errors.New("record not found")

func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// ProcessingError 表示履约在某一步失败，之前完成的步骤不会回滚
func ProcessingError(orderReference string, step StepName, cause error) *Error {
	return &Error{
		Kind:           KindProcessingError,
		Message:        "fulfillment aborted, contact support with the order reference",
		OrderReference: orderReference,
		Step:           step,
		Err:            cause,
	}
}

// KindOf 返回错误链上第一个 *Error 的 Kind，未知错误返回空串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// UserMessage 给购买者看的失败原因，不暴露内部步骤细节
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "purchase failed, please try again later"
	}
	switch e.Kind {
	case KindDuplicateRequest:
		return "a purchase for this item is already in progress, please wait"
	case KindProcessingError:
		return fmt.Sprintf("payment received but the order could not be completed, contact support with reference %s", e.OrderReference)
	default:
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
}
