package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() PurchaseRequest {
	return PurchaseRequest{
		RequestID:      "req-1",
		IdempotencyKey: DeriveIdempotencyKey("u1", "p1", 1, "salt"),
		UserID:         "u1",
		ProductID:      "p1",
		Quantity:       1,
		UnitPrice:      decimal.RequireFromString("1000.00"),
		PaymentMethod:  PaymentMethodGateway,
		PayerEmail:     "buyer@example.com",
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		price string
		qty   int
		want  int64
	}{
		{"1000.00", 1, 100000},
		{"19.99", 3, 5997},
		{"0.125", 1, 13},
		{"0.004", 1, 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s x %d", tc.price, tc.qty), func(t *testing.T) {
			assert.Equal(t, tc.want, MinorUnits(decimal.RequireFromString(tc.price), tc.qty))
		})
	}
}

func TestPurchaseRequestValidate(t *testing.T) {
	req := validRequest()
	require.NoError(t, req.Validate())

	tests := map[string]func(r *PurchaseRequest){
		"zero quantity":  func(r *PurchaseRequest) { r.Quantity = 0 },
		"missing user":   func(r *PurchaseRequest) { r.UserID = "" },
		"bad method":     func(r *PurchaseRequest) { r.PaymentMethod = "cash" },
		"bad email":      func(r *PurchaseRequest) { r.PayerEmail = "not-an-email" },
		"negative price": func(r *PurchaseRequest) { r.UnitPrice = decimal.NewFromInt(-1) },
		"rounds to zero": func(r *PurchaseRequest) { r.UnitPrice = decimal.RequireFromString("0.001") },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := validRequest()
			mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestDeriveIdempotencyKey(t *testing.T) {
	a := DeriveIdempotencyKey("u1", "p1", 2, "s1")
	assert.Equal(t, a, DeriveIdempotencyKey("u1", "p1", 2, "s1"))
	assert.NotEqual(t, a, DeriveIdempotencyKey("u1", "p1", 3, "s1"))
	assert.NotEqual(t, a, DeriveIdempotencyKey("u1", "p1", 2, "s2"))
}

func TestErrorKinds(t *testing.T) {
	err := ProcessingError("PO-1", StepLicense, errors.New("license server down"))
	assert.ErrorIs(t, err, ErrProcessing)
	assert.NotErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, KindProcessingError, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Contains(t, err.Error(), "order=PO-1")
	assert.Contains(t, err.Error(), "step=license")
	assert.Contains(t, UserMessage(err), "PO-1")
	assert.NotContains(t, UserMessage(err), "license server down")
}

func TestPaymentLinkAdvance(t *testing.T) {
	now := time.Now()
	link := &PaymentLink{LinkID: "l1", Status: LinkStatusPending}
	require.NoError(t, link.Advance(LinkStatusPaid, now))
	require.NoError(t, link.Advance(LinkStatusPaid, now))
	assert.Error(t, link.Advance(LinkStatusFailed, now))
	assert.Equal(t, LinkStatusPaid, link.Status)

	assert.Equal(t, LinkStatusPending, ParseGatewayStatus("awaiting_payment"))
	assert.Equal(t, LinkStatusPaid, ParseGatewayStatus("paid"))
	assert.Equal(t, LinkStatusFailed, ParseGatewayStatus("failed"))
}

func TestFulfillmentRecordOrdering(t *testing.T) {
	now := time.Now()
	rec := NewFulfillmentRecord("PO-1", validRequest(), now)
	assert.Equal(t, int64(100000), rec.CreditDelta)

	assert.Error(t, rec.CompleteStep(StepLicense, now), "license cannot complete before inventory")
	for _, step := range StepOrder {
		require.NoError(t, rec.CompleteStep(step, now))
	}
	assert.Error(t, rec.Finish("ORDER-000001", now), "receipt needs the credit step")
	require.NoError(t, rec.CompleteStep(StepCredit, now))
	require.NoError(t, rec.Finish("ORDER-000001", now))
	assert.True(t, rec.IsComplete())

	// 完成后重复完成是 no-op
	require.NoError(t, rec.CompleteStep(StepInventory, now))
	require.NoError(t, rec.Finish("ORDER-999999", now))
	assert.Equal(t, "ORDER-000001", rec.ReferenceNumber)
}

func TestFlowTransitions(t *testing.T) {
	now := time.Now()
	req := validRequest()

	t.Run("gateway happy path", func(t *testing.T) {
		f := NewFlow("f1", req, now)
		assert.Error(t, f.ToProcessing("PO-1", now), "gateway flow cannot skip payment")

		link := &PaymentLink{LinkID: "l1", CheckoutURL: "https://pay/l1", OrderReference: "PO-1", Status: LinkStatusPending}
		require.NoError(t, f.ToPayment(link, now))
		assert.Equal(t, "https://pay/l1", f.CheckoutURL())
		require.NoError(t, f.ToProcessing("PO-1", now))
		assert.Empty(t, f.CheckoutURL())

		rec := NewFulfillmentRecord("PO-1", req, now)
		_, err := NewReceipt(rec)
		require.Error(t, err, "incomplete record cannot produce a receipt")

		for _, s := range StepOrder {
			require.NoError(t, rec.CompleteStep(s, now))
		}
		require.NoError(t, rec.CompleteStep(StepCredit, now))
		require.NoError(t, rec.Finish("ORDER-123456", now))
		receipt, err := NewReceipt(rec)
		require.NoError(t, err)

		require.NoError(t, f.ToReceipt(receipt, now))
		assert.Equal(t, OutcomeSucceeded, f.Outcome())
		assert.Equal(t, "ORDER-123456", f.Receipt.ReferenceNumber())

		f.Fail(errors.New("late error"), now)
		assert.Equal(t, FlowStateReceipt, f.State, "receipt is terminal")
	})

	t.Run("zero receipt is rejected", func(t *testing.T) {
		f := NewFlow("f2", req, now)
		f.State = FlowStateProcessing
		assert.Error(t, f.ToReceipt(Receipt{}, now))
	})

	t.Run("credits path skips payment", func(t *testing.T) {
		r := req
		r.PaymentMethod = PaymentMethodCredits
		f := NewFlow("f3", r, now)
		require.NoError(t, f.ToProcessing("PO-3", now))
		assert.Equal(t, FlowStateProcessing, f.State)
	})

	t.Run("failure returns to details", func(t *testing.T) {
		f := NewFlow("f4", req, now)
		link := &PaymentLink{LinkID: "l4", CheckoutURL: "https://pay/l4", OrderReference: "PO-4"}
		require.NoError(t, f.ToPayment(link, now))
		f.Fail(NewError(KindPaymentFailed, "declined", nil), now)

		assert.Equal(t, FlowStateDetails, f.State)
		assert.Equal(t, OutcomeFailed, f.Outcome())
		assert.Error(t, f.ToPayment(link, now), "a finished flow cannot be reused")
	})
}

func TestPaymentLinkMatchesRequest(t *testing.T) {
	req := validRequest()
	link := &PaymentLink{UserID: "u1", ProductID: "p1", Quantity: 1, AmountMinorUnits: 100000}
	assert.True(t, link.Matches(req))

	other := req
	other.ProductID = "p2"
	assert.False(t, link.Matches(other))

	other = req
	other.UnitPrice = decimal.RequireFromString("1.00")
	assert.False(t, link.Matches(other))

	other = req
	other.Quantity = 2
	assert.False(t, link.Matches(other))
}

func TestLinkFulfillmentRecordUsesChargedAmount(t *testing.T) {
	link := &PaymentLink{
		OrderReference:   "PO-1",
		IdempotencyKey:   "k1",
		UserID:           "u1",
		ProductID:        "p1",
		Quantity:         2,
		AmountMinorUnits: 250,
	}
	rec := NewLinkFulfillmentRecord(link, time.Now())
	assert.Equal(t, "PO-1", rec.OrderReference)
	assert.Equal(t, int64(250), rec.CreditDelta)
	assert.Equal(t, PaymentMethodGateway, rec.PaymentMethod)
	assert.Len(t, rec.Steps, len(StepOrder))

	same := NewLinkFulfillmentRecord(link, time.Now().Add(time.Minute))
	assert.True(t, rec.SameIntent(same))
	same.ProductID = "p2"
	assert.False(t, rec.SameIntent(same))
}
