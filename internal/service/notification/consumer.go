// internal/service/notification/consumer.go
package notification

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/mq"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Event 是 notifications 主题上的消息体
type Event struct {
	UserID         string    `json:"userId"`
	OrderReference string    `json:"orderReference"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MessageReader 是 *kafka.Reader 中消费者用到的部分
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Pusher 把消息推送给在线用户
type Pusher interface {
	Push(userID string, payload []byte) int
}

// Consumer 消费通知消息并推送给在线用户。
// 同一订单的通知在重投时只推送一次，离线用户只记录日志。
type Consumer struct {
	reader MessageReader
	pusher Pusher
	tracer trace.Tracer
	seen   *recentSet
}

func NewConsumer(reader MessageReader, pusher Pusher, tracer trace.Tracer) *Consumer {
	return &Consumer{reader: reader, pusher: pusher, tracer: tracer, seen: newRecentSet(10000)}
}

func (c *Consumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("✅ Notification consumer started.")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Notification consumer shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch notification, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.process(mq.ExtractTraceContext(ctx, msg.Headers), msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit notification")
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	ctx, span := c.tracer.Start(ctx, "notification-service.ProcessNotification",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.message.offset", msg.Offset),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
		))
	defer span.End()

	var event Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		err = errors.Wrap(err, "unmarshal notification")
		logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("dropping malformed notification")
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed notification")
		return
	}
	span.SetAttributes(attribute.String("user.id", event.UserID), attribute.String("order.reference", event.OrderReference))

	if !c.seen.Add(event.OrderReference + "|" + event.UserID) {
		span.AddEvent("duplicate notification skipped")
		return
	}
	delivered := c.pusher.Push(event.UserID, msg.Value)
	if delivered == 0 {
		logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] User %s is offline, notification kept for later: %s",
			event.OrderReference, event.UserID, event.Message)
		span.AddEvent("user offline")
		return
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Notification pushed to %d connection(s) of user %s.",
		event.OrderReference, delivered, event.UserID)
	span.AddEvent("Notification sent successfully")
}

// recentSet 记住最近 capacity 个 key，超出后淘汰最早的
type recentSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{capacity: capacity, order: list.New(), index: make(map[string]*list.Element)}
}

// Add 返回 false 表示 key 最近出现过
func (s *recentSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = s.order.PushBack(key)
	if s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
	return true
}
