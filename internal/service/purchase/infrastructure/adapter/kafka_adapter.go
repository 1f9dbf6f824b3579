package adapter

import (
	"context"
	"encoding/json"
	"time"

	"nexus-commerce/internal/pkg/mq"
	"nexus-commerce/internal/service/purchase/domain/port"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// NotificationEvent 是 notifications 主题上的消息体
type NotificationEvent struct {
	UserID         string    `json:"userId"`
	OrderReference string    `json:"orderReference"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NotificationKafkaAdapter 实现了 port.Notifier，由 notification-service 消费并投递
type NotificationKafkaAdapter struct {
	writer *kafka.Writer
}

func NewNotificationKafkaAdapter(writer *kafka.Writer) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer}
}

func (a *NotificationKafkaAdapter) Notify(ctx context.Context, userID, orderReference, message string) error {
	body, err := json.Marshal(NotificationEvent{
		UserID:         userID,
		OrderReference: orderReference,
		Message:        message,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal notification event")
	}
	// 以订单号为 key，消费方据此去重
	return mq.ProduceMessage(ctx, a.writer, []byte(orderReference), body)
}

func (a *NotificationKafkaAdapter) Close() error {
	return a.writer.Close()
}

// AnalyticsKafkaAdapter 实现了 port.AnalyticsRecorder
type AnalyticsKafkaAdapter struct {
	writer *kafka.Writer
}

func NewAnalyticsKafkaAdapter(writer *kafka.Writer) *AnalyticsKafkaAdapter {
	return &AnalyticsKafkaAdapter{writer: writer}
}

func (a *AnalyticsKafkaAdapter) RecordPurchase(ctx context.Context, event port.PurchaseEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal purchase event")
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(event.OrderReference), body)
}

func (a *AnalyticsKafkaAdapter) Close() error {
	return a.writer.Close()
}
