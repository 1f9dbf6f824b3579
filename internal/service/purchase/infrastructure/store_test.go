package infrastructure

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/service/purchase/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBolt(t *testing.T) (*BoltRecordStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.db")
	store, err := NewBoltRecordStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestBoltRecordStore_Links(t *testing.T) {
	ctx := context.Background()
	store, _ := openBolt(t)

	_, err := store.FindLinkByIdempotencyKey(ctx, "k1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	link := &domain.PaymentLink{LinkID: "l1", CheckoutURL: "https://pay/l1", OrderReference: "PO-1", IdempotencyKey: "k1", AmountMinorUnits: 500, Status: domain.LinkStatusPending}
	require.NoError(t, store.SaveLink(ctx, link))

	got, err := store.FindLinkByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "PO-1", got.OrderReference)

	require.NoError(t, store.UpdateLinkStatus(ctx, "l1", domain.LinkStatusPaid))
	assert.Error(t, store.UpdateLinkStatus(ctx, "l1", domain.LinkStatusFailed), "terminal status cannot change")
	assert.ErrorIs(t, store.UpdateLinkStatus(ctx, "missing", domain.LinkStatusPaid), domain.ErrNotFound)

	got, err = store.FindLinkByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.LinkStatusPaid, got.Status)

	// 同一个 key 的新链接覆盖索引
	require.NoError(t, store.SaveLink(ctx, &domain.PaymentLink{LinkID: "l2", IdempotencyKey: "k1", Status: domain.LinkStatusPending}))
	got, err = store.FindLinkByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "l2", got.LinkID)
}

func TestBoltRecordStore_FulfillmentRecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	store, path := openBolt(t)
	past := time.Now().Add(-time.Hour)

	req := domain.PurchaseRequest{UserID: "u1", ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(10), PaymentMethod: domain.PaymentMethodGateway}
	rec := domain.NewFulfillmentRecord("PO-1", req, past)
	stored, err := store.CreateRecordIfAbsent(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, stored.CompleteStep(domain.StepInventory, past))
	require.NoError(t, store.SaveRecord(ctx, stored))

	// 第二次创建返回已存储的版本，而不是覆盖
	again, err := store.CreateRecordIfAbsent(ctx, domain.NewFulfillmentRecord("PO-1", req, time.Now()))
	require.NoError(t, err)
	assert.True(t, again.StepCompleted(domain.StepInventory))

	done := domain.NewFulfillmentRecord("PO-2", req, past)
	for _, s := range domain.StepOrder {
		require.NoError(t, done.CompleteStep(s, past))
	}
	require.NoError(t, done.CompleteStep(domain.StepCredit, past))
	require.NoError(t, done.Finish("ORDER-000002", past))
	require.NoError(t, store.SaveRecord(ctx, done))

	require.NoError(t, store.Close())
	reopened, err := NewBoltRecordStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.FindRecord(ctx, "PO-1")
	require.NoError(t, err)
	next, _ := got.NextStep()
	assert.Equal(t, domain.StepLicense, next)
	assert.Equal(t, int64(2000), got.CreditDelta)

	incomplete, err := reopened.ListIncomplete(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "PO-1", incomplete[0].OrderReference)

	// grace period 之内的记录不会被列出
	incomplete, err = reopened.ListIncomplete(ctx, past.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, incomplete)

	_, err = reopened.FindRecord(ctx, "PO-404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGormModelMapping(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	req := domain.PurchaseRequest{UserID: "u1", ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(5), PaymentMethod: domain.PaymentMethodCredits}
	rec := domain.NewFulfillmentRecord("PO-9", req, now)
	require.NoError(t, rec.CompleteStep(domain.StepInventory, now))
	rec.RecordFailure(domain.StepLicense, assert.AnError, now)

	back := toDomainFulfillmentRecord(toFulfillmentRecordModel(rec))
	assert.Equal(t, rec.OrderReference, back.OrderReference)
	assert.Equal(t, rec.Steps, back.Steps)
	assert.Equal(t, domain.StepLicense, back.FailedStep)
	assert.Nil(t, back.CompletedAt)
	assert.Equal(t, now, back.UpdatedAt)
}

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLDSN(bootstrap.MySQLConfig{Addr: "db:3306", User: "app", Password: "secret", DBName: "commerce"})
	assert.True(t, strings.HasPrefix(dsn, "app:secret@tcp(db:3306)/commerce?"))
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "clientFoundRows=true")
}

func TestBoltRecordStore_ListLinks(t *testing.T) {
	ctx := context.Background()
	store, _ := openBolt(t)
	now := time.Now()

	for _, link := range []*domain.PaymentLink{
		{LinkID: "old", Status: domain.LinkStatusPending, UpdatedAt: now.Add(-48 * time.Hour)},
		{LinkID: "stale", Status: domain.LinkStatusPending, UpdatedAt: now.Add(-time.Hour)},
		{LinkID: "fresh", Status: domain.LinkStatusPending, UpdatedAt: now},
		{LinkID: "paid", Status: domain.LinkStatusPaid, UpdatedAt: now.Add(-time.Hour)},
	} {
		require.NoError(t, store.SaveLink(ctx, link))
	}

	got, err := store.ListLinks(ctx, domain.LinkStatusPending, now.Add(-24*time.Hour), now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale", got[0].LinkID)

	got, err = store.ListLinks(ctx, domain.LinkStatusPaid, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "paid", got[0].LinkID)
}
