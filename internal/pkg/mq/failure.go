// internal/pkg/mq/failure.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"nexus-commerce/internal/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// 死信消息头，记录原始位置和失败原因
const (
	HeaderOriginalTopic     = "dlt-original-topic"
	HeaderOriginalPartition = "dlt-original-partition"
	HeaderOriginalOffset    = "dlt-original-offset"
	HeaderExceptionFqcn     = "dlt-exception-fqcn"
	HeaderExceptionMessage  = "dlt-exception-message"
)

// DLTTopic 返回某个主题对应的死信主题名
func DLTTopic(topic string) string {
	return topic + ".DLT"
}

// FailureHandler 把处理失败的消息转投到死信主题
type FailureHandler struct {
	dltWriter *kafka.Writer
}

func NewFailureHandler(dltWriter *kafka.Writer) *FailureHandler {
	return &FailureHandler{dltWriter: dltWriter}
}

// Handle 投递死信。投递本身失败时只记录日志，消费者仍会提交 offset。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) {
	dlt := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header{}, msg.Headers...),
			kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
			kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", cause))},
			kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
		),
	}
	if err := h.dltWriter.WriteMessages(ctx, dlt); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("original_topic", msg.Topic).
			Int64("original_offset", msg.Offset).
			Msg("CRITICAL: failed to publish message to DLT")
		return
	}
	logger.Ctx(ctx).Warn().Err(cause).Str("dlt_topic", h.dltWriter.Topic).Msg("message moved to DLT")
}
