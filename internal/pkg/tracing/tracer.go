// internal/pkg/tracing/tracer.go
package tracing

import (
	"context"

	"nexus-commerce/internal/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracerProvider 创建并注册全局 TracerProvider。
// endpoint 为空时不导出 span，只保留上下文传播，便于本地运行。
// sampleRatio 作用于根 span，下游沿用上游的采样决定。
func InitTracerProvider(serviceName, endpoint string, sampleRatio float64) (*sdktrace.TracerProvider, error) {
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	}
	if endpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	// HTTP 头和 Kafka 消息头都使用 W3C trace-context + baggage
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.L().Info().Str("endpoint", endpoint).Float64("sample_ratio", sampleRatio).
		Msgf("Tracing initialized for service '%s'", serviceName)
	return tp, nil
}

// Detach 返回一个不继承取消/超时、但仍关联同一条链路的上下文。
// 用于请求结束后仍需继续执行的后台任务（轮询、返佣传播）。
func Detach(ctx context.Context) context.Context {
	spanContext := trace.SpanContextFromContext(ctx)
	return trace.ContextWithRemoteSpanContext(context.Background(), spanContext)
}
