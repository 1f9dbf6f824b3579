package infrastructure

import (
	"context"
	"encoding/json"

	"nexus-commerce/internal/pkg/mq"
	"nexus-commerce/internal/service/incentive/domain"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// KafkaJobProducer 把返佣任务投递到 incentive-jobs 主题，由 incentive-worker 消费
type KafkaJobProducer struct {
	writer *kafka.Writer
}

func NewKafkaJobProducer(writer *kafka.Writer) *KafkaJobProducer {
	return &KafkaJobProducer{writer: writer}
}

// Dispatch 以购买单号为 key，同一笔购买的续作落在同一分区内顺序处理
func (p *KafkaJobProducer) Dispatch(ctx context.Context, job domain.IncentiveJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal incentive job")
	}
	if err := mq.ProduceMessage(ctx, p.writer, []byte(job.SourcePurchaseRef), body); err != nil {
		return errors.Wrapf(err, "produce incentive job %s", job.SourcePurchaseRef)
	}
	return nil
}

func (p *KafkaJobProducer) Close() error {
	return p.writer.Close()
}
