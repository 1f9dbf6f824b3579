// internal/service/purchase/wire.go
package purchase

import (
	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/pkg/httpclient"
	"nexus-commerce/internal/pkg/mq"
	"nexus-commerce/internal/service/purchase/application/pipeline"
	"nexus-commerce/internal/service/purchase/domain"
	"nexus-commerce/internal/service/purchase/domain/port"
	"nexus-commerce/internal/service/purchase/infrastructure/adapter"

	"go.opentelemetry.io/otel/trace"
)

// NewFulfillmentPipeline 组装履约流水线：库存和授权走 HTTP，通知和统计走 Kafka。
// 返回的 close 函数负责关闭 Kafka writer。
func NewFulfillmentPipeline(cfg *bootstrap.Config, client *httpclient.Client, store domain.FulfillmentRepository,
	ledger port.Ledger, tracer trace.Tracer) (*pipeline.Pipeline, func()) {
	kafkaCfg := cfg.Infra.Kafka
	notifier := adapter.NewNotificationKafkaAdapter(mq.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.NotificationsTopic))
	analytics := adapter.NewAnalyticsKafkaAdapter(mq.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.AnalyticsTopic))

	p := pipeline.New(pipeline.Deps{
		Tracer:    tracer,
		Inventory: adapter.NewInventoryHTTPAdapter(client, cfg.Service.InventoryService),
		License:   adapter.NewLicenseHTTPAdapter(client, cfg.Service.LicenseService),
		Notifier:  notifier,
		Analytics: analytics,
		Ledger:    ledger,
		Store:     store,
	})
	return p, func() {
		_ = notifier.Close()
		_ = analytics.Close()
	}
}

// NewHTTPClient 未配置注册中心时只能调用完整 URL
func NewHTTPClient(appCtx bootstrap.AppCtx, tracer trace.Tracer) *httpclient.Client {
	var resolver httpclient.Resolver
	if appCtx.Nacos != nil {
		resolver = appCtx.Nacos
	}
	return httpclient.NewClient(tracer, resolver)
}
