// internal/service/incentive/interfaces/dlt_handler.go
package interfaces

import (
	"context"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
)

// DltConsumerAdapter 监听死信主题，记录需要人工重放的返佣任务
type DltConsumerAdapter struct {
	reader MessageReader
}

func NewDltConsumerAdapter(reader MessageReader) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader}
}

func (a *DltConsumerAdapter) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("✅ DLT consumer started.")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 DLT consumer shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch dead letter, retrying")
			if !waitRetry(ctx) {
				return nil
			}
			continue
		}
		logDeadLetter(ctx, msg)
		// 死信只需记录，直接提交
		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to commit dead letter")
		}
	}
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers[mq.HeaderOriginalTopic]).
		Str("original_partition", headers[mq.HeaderOriginalPartition]).
		Str("original_offset", headers[mq.HeaderOriginalOffset]).
		Str("exception_fqcn", headers[mq.HeaderExceptionFqcn]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
