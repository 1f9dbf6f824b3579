package infrastructure

import (
	"database/sql"

	"nexus-commerce/internal/service/purchase/domain"
)

func toPaymentLinkModel(l *domain.PaymentLink) *PaymentLinkModel {
	m := &PaymentLinkModel{
		LinkID:           l.LinkID,
		CheckoutURL:      l.CheckoutURL,
		OrderReference:   l.OrderReference,
		IdempotencyKey:   l.IdempotencyKey,
		UserID:           l.UserID,
		ProductID:        l.ProductID,
		Quantity:         l.Quantity,
		AmountMinorUnits: l.AmountMinorUnits,
		Status:           l.Status,
	}
	m.CreatedAt = l.CreatedAt
	m.UpdatedAt = l.UpdatedAt
	return m
}

func toDomainPaymentLink(m *PaymentLinkModel) *domain.PaymentLink {
	return &domain.PaymentLink{
		LinkID:           m.LinkID,
		CheckoutURL:      m.CheckoutURL,
		OrderReference:   m.OrderReference,
		IdempotencyKey:   m.IdempotencyKey,
		UserID:           m.UserID,
		ProductID:        m.ProductID,
		Quantity:         m.Quantity,
		AmountMinorUnits: m.AmountMinorUnits,
		Status:           m.Status,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func toFulfillmentRecordModel(r *domain.FulfillmentRecord) *FulfillmentRecordModel {
	m := &FulfillmentRecordModel{
		OrderReference:  r.OrderReference,
		IdempotencyKey:  r.IdempotencyKey,
		UserID:          r.UserID,
		ProductID:       r.ProductID,
		Quantity:        r.Quantity,
		PaymentMethod:   r.PaymentMethod,
		Steps:           r.Steps,
		CreditDelta:     r.CreditDelta,
		CreditApplied:   r.CreditApplied,
		ReferenceNumber: r.ReferenceNumber,
		FailedStep:      string(r.FailedStep),
		LastError:       r.LastError,
		RecordUpdatedAt: r.UpdatedAt,
	}
	if r.CompletedAt != nil {
		m.CompletedAt = sql.NullTime{Time: *r.CompletedAt, Valid: true}
	}
	m.CreatedAt = r.CreatedAt
	return m
}

func toDomainFulfillmentRecord(m *FulfillmentRecordModel) *domain.FulfillmentRecord {
	r := &domain.FulfillmentRecord{
		OrderReference:  m.OrderReference,
		IdempotencyKey:  m.IdempotencyKey,
		UserID:          m.UserID,
		ProductID:       m.ProductID,
		Quantity:        m.Quantity,
		PaymentMethod:   m.PaymentMethod,
		Steps:           m.Steps,
		CreditDelta:     m.CreditDelta,
		CreditApplied:   m.CreditApplied,
		ReferenceNumber: m.ReferenceNumber,
		FailedStep:      domain.StepName(m.FailedStep),
		LastError:       m.LastError,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.RecordUpdatedAt,
	}
	if m.CompletedAt.Valid {
		t := m.CompletedAt.Time
		r.CompletedAt = &t
	}
	return r
}
