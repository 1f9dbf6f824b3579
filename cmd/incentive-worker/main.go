// cmd/incentive-worker/main.go
package main

import (
	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/mq"
	"nexus-commerce/internal/service/incentive"
	"nexus-commerce/internal/service/incentive/infrastructure"
	"nexus-commerce/internal/service/incentive/interfaces"
	"nexus-commerce/internal/service/ledger"
	purchaseInfra "nexus-commerce/internal/service/purchase/infrastructure"

	"go.opentelemetry.io/otel"
)

const serviceName = "incentive-worker"

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		Port:             8083,
		RegisterHandlers: registerHandlers,
	})
}

func registerHandlers(app bootstrap.AppCtx) error {
	cfg := app.Config
	kafkaCfg := cfg.Infra.Kafka
	tracer := otel.Tracer(serviceName)

	// 推荐关系和返佣流水都在 MySQL 中
	db, err := purchaseInfra.OpenMySQL(cfg.Infra.MySQL)
	if err != nil {
		return err
	}
	app.OnShutdown(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	credits, closeLedger, err := ledger.Open(app.Ctx, cfg)
	if err != nil {
		return err
	}
	app.OnShutdown(closeLedger)

	propagator, err := incentive.NewPropagator(db, credits, cfg.Incentive, tracer)
	if err != nil {
		return err
	}

	// 1. 返佣任务消费者，失败的消息转入死信主题
	jobReader := mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.IncentiveTopic, kafkaCfg.ConsumerGroup)
	dltWriter := mq.NewKafkaWriter(kafkaCfg.Brokers, mq.DLTTopic(kafkaCfg.IncentiveTopic))
	consumer := interfaces.NewJobConsumerAdapter(jobReader, propagator, mq.NewFailureHandler(dltWriter))
	app.OnShutdown(func() {
		_ = jobReader.Close()
		_ = dltWriter.Close()
	})
	app.Group.Go(func() error { return consumer.Run(app.Ctx) })

	// 2. 死信消费者，只做记录
	dltReader := mq.NewKafkaReader(kafkaCfg.Brokers, mq.DLTTopic(kafkaCfg.IncentiveTopic), kafkaCfg.ConsumerGroup+"-dlt")
	app.OnShutdown(func() { _ = dltReader.Close() })
	dlt := interfaces.NewDltConsumerAdapter(dltReader)
	app.Group.Go(func() error { return dlt.Run(app.Ctx) })

	// 3. 推荐关系管理接口
	directory := infrastructure.NewGormUplineDirectory(db, cfg.Incentive.MaxDepth)
	interfaces.NewReferralHandler(directory).RegisterRoutes(app.Mux)

	logger.Ctx(app.Ctx).Info().
		Str("topic", kafkaCfg.IncentiveTopic).
		Int("batch_size", cfg.Incentive.BatchSize).
		Msg("incentive worker wired")
	return nil
}
