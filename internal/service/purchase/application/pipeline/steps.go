package pipeline

import (
	"context"
	"fmt"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/metrics"
	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/domain/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// runStep 执行一个步骤：已完成则跳过；失败时记录失败步骤并返回 ProcessingError；
// 成功后立即持久化，保证崩溃后可以从下一个步骤继续。
func runStep(fc *FulfillmentContext, step domain.StepName, action func(ctx context.Context) error) error {
	rec := fc.Record
	ctx, span := fc.Tracer.Start(fc.Ctx, "fulfillment."+string(step))
	defer span.End()
	span.SetAttributes(attribute.String("order.reference", rec.OrderReference))

	if rec.StepCompleted(step) {
		span.AddEvent("step already completed, skipped")
		return nil
	}

	if err := action(ctx); err != nil {
		metrics.FulfillmentSteps.WithLabelValues(string(step), "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("%s step failed", step))
		rec.RecordFailure(step, err, fc.Now())
		if saveErr := fc.Store.SaveRecord(ctx, rec); saveErr != nil {
			logger.Ctx(ctx).Error().Err(saveErr).Str("order_reference", rec.OrderReference).Msg("failed to persist step failure")
		}
		logger.Ctx(ctx).Error().Err(err).
			Str("order_reference", rec.OrderReference).
			Str("step", string(step)).
			Msgf("ERROR: [Order: %s] Fulfillment aborted at step %s, manual reconciliation required.", rec.OrderReference, step)
		return domain.ProcessingError(rec.OrderReference, step, err)
	}

	if step == domain.StepReceipt {
		if err := rec.Finish(fc.NewReference(), fc.Now()); err != nil {
			return domain.ProcessingError(rec.OrderReference, step, err)
		}
	} else if err := rec.CompleteStep(step, fc.Now()); err != nil {
		return domain.ProcessingError(rec.OrderReference, step, err)
	}
	if err := fc.Store.SaveRecord(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist step completion failed")
		return domain.ProcessingError(rec.OrderReference, step, fmt.Errorf("persist step completion: %w", err))
	}
	metrics.FulfillmentSteps.WithLabelValues(string(step), "completed").Inc()
	span.AddEvent("step completed")
	logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Fulfillment step %s completed.", rec.OrderReference, step)
	return nil
}

// InventoryHandler 扣减库存
type InventoryHandler struct {
	NextHandler
}

func (h *InventoryHandler) Handle(fc *FulfillmentContext) error {
	rec := fc.Record
	err := runStep(fc, domain.StepInventory, func(ctx context.Context) error {
		return fc.Inventory.AdjustStock(ctx, rec.OrderReference, rec.ProductID, rec.Quantity)
	})
	if err != nil {
		return err
	}
	return h.executeNext(fc)
}

// LicenseHandler 发放激活码
type LicenseHandler struct {
	NextHandler
}

func (h *LicenseHandler) Handle(fc *FulfillmentContext) error {
	rec := fc.Record
	err := runStep(fc, domain.StepLicense, func(ctx context.Context) error {
		return fc.License.IssueLicense(ctx, rec.OrderReference, rec.UserID, rec.ProductID, rec.Quantity)
	})
	if err != nil {
		return err
	}
	return h.executeNext(fc)
}

// NotificationHandler 通知购买者
type NotificationHandler struct {
	NextHandler
}

func (h *NotificationHandler) Handle(fc *FulfillmentContext) error {
	rec := fc.Record
	err := runStep(fc, domain.StepNotification, func(ctx context.Context) error {
		msg := fmt.Sprintf("Your order %s for %d x %s has been paid and is being completed.", rec.OrderReference, rec.Quantity, rec.ProductID)
		return fc.Notifier.Notify(ctx, rec.UserID, rec.OrderReference, msg)
	})
	if err != nil {
		return err
	}
	return h.executeNext(fc)
}

// AnalyticsHandler 记录购买事件
type AnalyticsHandler struct {
	NextHandler
}

func (h *AnalyticsHandler) Handle(fc *FulfillmentContext) error {
	rec := fc.Record
	err := runStep(fc, domain.StepAnalytics, func(ctx context.Context) error {
		return fc.Analytics.RecordPurchase(ctx, port.PurchaseEvent{
			OrderReference:   rec.OrderReference,
			UserID:           rec.UserID,
			ProductID:        rec.ProductID,
			Quantity:         rec.Quantity,
			AmountMinorUnits: rec.CreditDelta,
			PaymentMethod:    string(rec.PaymentMethod),
			OccurredAt:       fc.Now(),
		})
	})
	if err != nil {
		return err
	}
	return h.executeNext(fc)
}

// CreditHandler 给购买者入账，账本以 "<订单号>:credit" 去重
type CreditHandler struct {
	NextHandler
}

func (h *CreditHandler) Handle(fc *FulfillmentContext) error {
	rec := fc.Record
	err := runStep(fc, domain.StepCredit, func(ctx context.Context) error {
		balance, err := fc.Ledger.Apply(ctx, rec.UserID, rec.CreditDelta, rec.OrderReference+":credit")
		if err != nil {
			return err
		}
		logger.Ctx(ctx).Info().Int64("balance", balance).Msgf("INFO: [Order: %s] Credited %d to %s.", rec.OrderReference, rec.CreditDelta, rec.UserID)
		return nil
	})
	if err != nil {
		return err
	}
	return h.executeNext(fc)
}

// ReceiptHandler 生成回执号，是链的最后一环
type ReceiptHandler struct {
	NextHandler
}

func (h *ReceiptHandler) Handle(fc *FulfillmentContext) error {
	err := runStep(fc, domain.StepReceipt, func(context.Context) error { return nil })
	if err != nil {
		return err
	}
	return h.executeNext(fc)
}
