// cmd/catalog-service/main.go
package main

import (
	"nexus-commerce/internal/pkg/bootstrap"
	"nexus-commerce/internal/pkg/redis"
	"nexus-commerce/internal/service/catalog"

	"go.opentelemetry.io/otel"
)

const serviceName = "catalog-service"

// catalog-service 提供库存扣减和授权签发，履约流水线通过 Nacos 发现它
func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		Port:             8082,
		RegisterHandlers: registerHandlers,
	})
}

func registerHandlers(app bootstrap.AppCtx) error {
	redisCfg := app.Config.Infra.Redis
	client, err := redis.NewClient(app.Ctx, redisCfg.Addrs, redisCfg.Password)
	if err != nil {
		return err
	}
	app.OnShutdown(func() { _ = client.Close() })

	store, err := catalog.NewStore(client)
	if err != nil {
		return err
	}
	catalog.NewHandler(store, otel.Tracer(serviceName)).RegisterRoutes(app.Mux)
	return nil
}
