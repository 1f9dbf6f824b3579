// internal/service/incentive/interfaces/kafka_consumer.go
package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/mq"
	"nexus-commerce/internal/service/incentive/application"
	"nexus-commerce/internal/service/incentive/domain"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// MessageReader 是 *kafka.Reader 中消费者用到的部分
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// fetchRetryDelay 拉取消息失败后等待多久再试
var fetchRetryDelay = time.Second

// waitRetry 等待 fetchRetryDelay，ctx 结束时返回 false
func waitRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(fetchRetryDelay):
		return true
	}
}

// JobRunner 执行一条返佣任务链
type JobRunner interface {
	PropagateAll(ctx context.Context, job domain.IncentiveJob) (int, error)
}

// FailureSink 接收处理失败的消息
type FailureSink interface {
	Handle(ctx context.Context, msg kafka.Message, cause error)
}

// JobConsumerAdapter 消费 incentive-jobs 主题并驱动返佣。
// 处理失败的消息转入死信主题后提交 offset，不阻塞后续消息。
type JobConsumerAdapter struct {
	reader  MessageReader
	runner  JobRunner
	failure FailureSink
}

func NewJobConsumerAdapter(reader MessageReader, runner JobRunner, failure FailureSink) *JobConsumerAdapter {
	return &JobConsumerAdapter{reader: reader, runner: runner, failure: failure}
}

// Run 阻塞消费直到 ctx 结束
func (a *JobConsumerAdapter) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("✅ Incentive job consumer started.")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Incentive job consumer shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch incentive job, retrying")
			if !waitRetry(ctx) {
				return nil
			}
			continue
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
		if err := a.process(msgCtx, msg); err != nil {
			a.failure.Handle(msgCtx, msg, err)
		}
		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit incentive job")
		}
	}
}

func (a *JobConsumerAdapter) process(ctx context.Context, msg kafka.Message) error {
	var job domain.IncentiveJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return errors.Wrap(err, "unmarshal incentive job")
	}
	invocations, err := a.runner.PropagateAll(ctx, job)
	if err != nil {
		application.LogFailure(ctx, job, err)
		return err
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Order: %s] Incentive propagated in %d batches.", job.SourcePurchaseRef, invocations)
	return nil
}
