// cmd/reconciler/main.go
package main

import (
	"time"

	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/mq"
	"nexus-commerce/internal/pkg/zookeeper"
	incentiveInfra "nexus-commerce/internal/service/incentive/infrastructure"
	"nexus-commerce/internal/service/ledger"
	"nexus-commerce/internal/service/purchase"
	"nexus-commerce/internal/service/purchase/application"
	"nexus-commerce/internal/service/purchase/infrastructure"
	"nexus-commerce/internal/service/purchase/infrastructure/adapter"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

const serviceName = "fulfillment-reconciler"

// reconciler 可以部署多个实例，通过 ZooKeeper 锁保证同一时刻只有一个在补单
func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		Port:             8085,
		RegisterHandlers: registerHandlers,
	})
}

func registerHandlers(app bootstrap.AppCtx) error {
	cfg := app.Config
	tracer := otel.Tracer(serviceName)

	if cfg.Service.RecordStore == "bolt" || cfg.Service.RecordStore == "" {
		return errors.New("reconciler needs the shared mysql record store, the embedded store is reconciled inside purchase-service")
	}
	store, _, closeStore, err := infrastructure.OpenRecordStore(cfg)
	if err != nil {
		return err
	}
	app.OnShutdown(closeStore)

	credits, closeLedger, err := ledger.Open(app.Ctx, cfg)
	if err != nil {
		return err
	}
	app.OnShutdown(closeLedger)

	httpClient := purchase.NewHTTPClient(app, tracer)
	fulfillment, closePipeline := purchase.NewFulfillmentPipeline(cfg, httpClient, store, credits, tracer)
	app.OnShutdown(closePipeline)

	// 补单后同样要投递返佣任务，返佣按订单号幂等
	producer := incentiveInfra.NewKafkaJobProducer(mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.IncentiveTopic))
	app.OnShutdown(func() { _ = producer.Close() })

	conn, err := zookeeper.Connect(cfg.Infra.ZooKeeper.Servers, 10*time.Second)
	if err != nil {
		return err
	}
	app.OnShutdown(conn.Close)
	lock, err := zookeeper.NewDistributedLock(conn, cfg.Reconciler.LockID)
	if err != nil {
		return err
	}

	reconciler := application.NewReconciler(application.ReconcilerDeps{
		Store:      store,
		Pipeline:   fulfillment,
		Gateway:    adapter.NewGatewayHTTPAdapter(httpClient, cfg.Gateway.BaseURL, cfg.Gateway.Secret),
		Dispatcher: producer,
		Lock:       lock,
		Tracer:     tracer,
	}, application.ReconcilerConfig{
		GracePeriod:        cfg.Reconciler.GracePeriod,
		LinkWindow:         cfg.Reconciler.LinkWindow,
		GatewayTimeout:     cfg.Gateway.Timeout,
		IncentiveBatchSize: cfg.Incentive.BatchSize,
	})
	app.Group.Go(func() error { return reconciler.Run(app.Ctx, cfg.Reconciler.Interval) })

	logger.Ctx(app.Ctx).Info().
		Str("lock_id", cfg.Reconciler.LockID).
		Dur("grace_period", cfg.Reconciler.GracePeriod).
		Dur("link_window", cfg.Reconciler.LinkWindow).
		Msg("reconciler wired")
	return nil
}
