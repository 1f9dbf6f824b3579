// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init 设置全局日志实例，每个服务在 main 中调用一次
func Init(serviceName, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// SetOutput 替换输出目标（测试里用来丢弃日志）
func SetOutput(w io.Writer) {
	base = base.Output(w)
}

// Ctx 返回带有链路信息的 logger。
// 如果 ctx 中存在有效的 Span，会自动附加 trace_id 和 span_id，便于在 Jaeger 中定位。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := base
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			l = l.With().
				Str("trace_id", sc.TraceID().String()).
				Str("span_id", sc.SpanID().String()).
				Logger()
		}
	}
	return &l
}

// L 返回不带上下文的全局 logger
func L() *zerolog.Logger {
	return &base
}
