package pipeline

import (
	"context"
	"time"

	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/domain/port"

	"go.opentelemetry.io/otel/trace"
)

// FulfillmentContext 在责任链中传递一次履约所需的数据和依赖
type FulfillmentContext struct {
	Ctx    context.Context
	Record *domain.FulfillmentRecord
	Tracer trace.Tracer

	Inventory port.InventoryService
	License   port.LicenseIssuer
	Notifier  port.Notifier
	Analytics port.AnalyticsRecorder
	Ledger    port.Ledger
	Store     domain.FulfillmentRepository

	Now          func() time.Time
	NewReference func() string
}

type Handler interface {
	SetNext(handler Handler) Handler
	Handle(fc *FulfillmentContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(fc *FulfillmentContext) error {
	if h.next != nil {
		return h.next.Handle(fc)
	}
	return nil
}
