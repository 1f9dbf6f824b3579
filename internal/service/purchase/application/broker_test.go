package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/purchasetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func linkOrder(amount int64) LinkOrder {
	return LinkOrder{
		OrderReference:   "PO-1",
		IdempotencyKey:   "key-1",
		UserID:           "u1",
		ProductID:        "starter-pack",
		Quantity:         1,
		AmountMinorUnits: amount,
		PayerEmail:       "buyer@example.com",
	}
}

func TestLinkBroker_CreateLink(t *testing.T) {
	gw := purchasetest.NewGateway()
	b := NewLinkBroker(gw, noop.NewTracerProvider().Tracer("test"), time.Second)

	link, err := b.CreateLink(context.Background(), linkOrder(100000))
	require.NoError(t, err)
	assert.Equal(t, "link-1", link.LinkID)
	assert.Equal(t, "https://pay.test/checkout/link-1", link.CheckoutURL)
	assert.Equal(t, domain.LinkStatusPending, link.Status)
	assert.Equal(t, "PO-1", link.OrderReference)

	sessions := gw.CreatedSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "PO-1", sessions[0].OrderReference)
	assert.Equal(t, int64(100000), sessions[0].AmountMinorUnits)
}

func TestLinkBroker_RejectsNonPositiveAmount(t *testing.T) {
	for _, amount := range []int64{0, -1} {
		gw := purchasetest.NewGateway()
		b := NewLinkBroker(gw, noop.NewTracerProvider().Tracer("test"), time.Second)

		_, err := b.CreateLink(context.Background(), linkOrder(amount))
		require.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.Contains(t, err.Error(), "InvalidAmount")
		assert.Empty(t, gw.CreatedSessions())
	}
}

func TestLinkBroker_GatewayErrorKeepsRawMessage(t *testing.T) {
	gw := purchasetest.NewGateway()
	gw.FailCreate(errors.New("401 invalid secret key"))
	b := NewLinkBroker(gw, noop.NewTracerProvider().Tracer("test"), time.Second)

	_, err := b.CreateLink(context.Background(), linkOrder(100))
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, "401 invalid secret key", domain.UserMessage(err))
}

func TestLinkBroker_Timeout(t *testing.T) {
	gw := purchasetest.NewGateway()
	gw.DelayCreate(time.Second)
	b := NewLinkBroker(gw, noop.NewTracerProvider().Tracer("test"), 20*time.Millisecond)

	start := time.Now()
	_, err := b.CreateLink(context.Background(), linkOrder(100))
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
