// cmd/notification-service/main.go
package main

import (
	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/pkg/mq"
	"nexus-commerce/internal/service/notification"

	"go.opentelemetry.io/otel"
)

const (
	serviceName     = "notification-service"
	consumerGroupID = "notification-group"
)

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		Port:             8084,
		RegisterHandlers: registerHandlers,
	})
}

func registerHandlers(app bootstrap.AppCtx) error {
	kafkaCfg := app.Config.Infra.Kafka

	hub := notification.NewHub()
	app.Mux.HandleFunc("GET /ws", hub.ServeWS)

	reader := mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.NotificationsTopic, consumerGroupID)
	app.OnShutdown(func() { _ = reader.Close() })
	consumer := notification.NewConsumer(reader, hub, otel.Tracer(serviceName))
	app.Group.Go(func() error { return consumer.Run(app.Ctx) })
	return nil
}
