// cmd/purchase-service/main.go
package main

import (
	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/mq"
	"nexus-commerce/internal/service/incentive"
	incentiveApp "nexus-commerce/internal/service/incentive/application"
	incentiveInfra "nexus-commerce/internal/service/incentive/infrastructure"
	"nexus-commerce/internal/service/ledger"
	"nexus-commerce/internal/service/purchase"
	"nexus-commerce/internal/service/purchase/application"
	"nexus-commerce/internal/service/purchase/domain/port"
	"nexus-commerce/internal/service/purchase/infrastructure"
	"nexus-commerce/internal/service/purchase/infrastructure/adapter"
	"nexus-commerce/internal/service/purchase/interfaces"

	"go.opentelemetry.io/otel"
)

const serviceName = "purchase-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		RegisterHandlers: registerHandlers,
	})
}

func registerHandlers(app bootstrap.AppCtx) error {
	cfg := app.Config
	tracer := otel.Tracer(serviceName)

	// 1. 存储：支付链接、履约记录、账本
	store, db, closeStore, err := infrastructure.OpenRecordStore(cfg)
	if err != nil {
		return err
	}
	app.OnShutdown(closeStore)

	credits, closeLedger, err := ledger.Open(app.Ctx, cfg)
	if err != nil {
		return err
	}
	app.OnShutdown(closeLedger)

	// 2. 下游：支付网关、履约流水线
	httpClient := purchase.NewHTTPClient(app, tracer)
	gateway := adapter.NewGatewayHTTPAdapter(httpClient, cfg.Gateway.BaseURL, cfg.Gateway.Secret)
	fulfillment, closePipeline := purchase.NewFulfillmentPipeline(cfg, httpClient, store, credits, tracer)
	app.OnShutdown(closePipeline)

	// 3. 返佣：进程内直接传播，或者投递到 Kafka 由 incentive-worker 处理
	var dispatcher port.IncentiveDispatcher
	switch cfg.Service.IncentiveDispatch {
	case "inprocess":
		propagator, err := incentive.NewPropagator(db, credits, cfg.Incentive, tracer)
		if err != nil {
			return err
		}
		inProcess := incentiveApp.NewInProcessDispatcher(propagator)
		app.OnShutdown(inProcess.Close)
		dispatcher = inProcess
	default:
		producer := incentiveInfra.NewKafkaJobProducer(mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.IncentiveTopic))
		app.OnShutdown(func() { _ = producer.Close() })
		dispatcher = producer
	}

	// 4. 业务服务
	svc := application.NewPurchaseService(application.Deps{
		Tracer:     tracer,
		Gateway:    gateway,
		Ledger:     credits,
		Store:      store,
		Pipeline:   fulfillment,
		Dispatcher: dispatcher,
		Guard:      application.NewDedupGuard(cfg.Dedup.PendingTTL, cfg.Dedup.DoneTTL),
	}, application.Config{
		GatewayTimeout: cfg.Gateway.Timeout,
		Poller: application.PollerConfig{
			Interval:      cfg.Poller.Interval,
			BackoffFactor: cfg.Poller.BackoffFactor,
			MaxInterval:   cfg.Poller.MaxInterval,
			MaxAttempts:   cfg.Poller.MaxAttempts,
		},
		IncentiveBatchSize: cfg.Incentive.BatchSize,
	})
	// 关停时等待进行中的流程退出，先于存储关闭执行
	app.OnShutdown(svc.Wait)
	app.Group.Go(func() error { return svc.Run(app.Ctx, cfg.Dedup.SweepInterval) })

	// 嵌入式存储只能被一个进程打开，单机部署时对账在本进程内运行
	if db == nil {
		reconciler := application.NewReconciler(application.ReconcilerDeps{
			Store:      store,
			Pipeline:   fulfillment,
			Gateway:    gateway,
			Dispatcher: dispatcher,
			Tracer:     tracer,
		}, application.ReconcilerConfig{
			GracePeriod:        cfg.Reconciler.GracePeriod,
			LinkWindow:         cfg.Reconciler.LinkWindow,
			GatewayTimeout:     cfg.Gateway.Timeout,
			IncentiveBatchSize: cfg.Incentive.BatchSize,
		})
		app.Group.Go(func() error { return reconciler.Run(app.Ctx, cfg.Reconciler.Interval) })
	}

	interfaces.NewPurchaseHandler(svc).RegisterRoutes(app.Mux)
	logger.Ctx(app.Ctx).Info().
		Str("record_store", cfg.Service.RecordStore).
		Str("ledger", cfg.Service.Ledger).
		Str("incentive_dispatch", cfg.Service.IncentiveDispatch).
		Dur("poll_interval", cfg.Poller.Interval).
		Msg("purchase service wired")
	return nil
}
