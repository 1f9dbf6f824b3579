// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/pkg/nacos"
	"nexus-commerce/internal/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type AppCtx struct {
	// Ctx 在收到退出信号时被取消，后台任务应当监听它
	Ctx    context.Context
	Mux    *http.ServeMux
	Nacos  *nacos.Client // 未配置 Nacos 时为 nil
	Config *Config
	// Group 用于启动和服务同生命周期的后台任务
	Group *errgroup.Group
	// OnShutdown 注册关停时执行的清理函数，按注册的逆序执行
	OnShutdown func(fn func())
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	// Port 为 0 时使用配置中的端口
	Port             int
	RegisterHandlers func(appCtx AppCtx) error
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg, err := Init()
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(info.ServiceName, cfg.Service.LogLevel)
	port := info.Port
	if port == 0 {
		port = cfg.Service.Port
	}

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	var (
		namingClient *nacos.Client
		ip           string
	)
	if cfg.Infra.Nacos.Addrs != "" {
		namingClient, err = nacos.NewNacosClient(cfg.Infra.Nacos.Addrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		if dataID := cfg.Infra.Nacos.DataID; dataID != "" {
			watchRemoteConfig(namingClient, dataID)
			cfg = GetCurrentConfig()
		}
		ip, err = GetOutboundIP()
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, port); err != nil {
			logger.L().Fatal().Err(err).Msg("failed to register service with nacos")
		}
	} else {
		logger.L().Warn().Msg("NACOS_SERVER_ADDRS is not set, running without service registry")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var cleanups []func()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if info.RegisterHandlers != nil {
		appCtx := AppCtx{
			Ctx:        gctx,
			Mux:        mux,
			Nacos:      namingClient,
			Config:     cfg,
			Group:      g,
			OnShutdown: func(fn func()) { cleanups = append(cleanups, fn) },
		}
		if err := info.RegisterHandlers(appCtx); err != nil {
			logger.L().Fatal().Err(err).Msg("failed to wire service")
		}
	}

	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}
	g.Go(func() error {
		logger.L().Info().Msgf("%s listening on :%d", info.ServiceName, port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.L().Info().Msgf("Shutting down service %s...", info.ServiceName)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.L().Error().Err(err).Msg("service stopped with error")
	}

	// 按注册的逆序清理
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, port); err != nil {
			logger.L().Error().Err(err).Msg("Error deregistering from Nacos")
		}
		namingClient.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.L().Error().Err(err).Msg("Error shutting down tracer provider")
	}
	logger.L().Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

func watchRemoteConfig(client *nacos.Client, dataID string) {
	content, err := client.GetConfig(dataID)
	if err != nil {
		logger.L().Warn().Err(err).Msg("remote config unavailable, using local config")
	} else if content != "" {
		if err := mergeRemote(content); err != nil {
			logger.L().Error().Err(err).Msg("ignoring invalid remote config")
		}
	}
	err = client.ListenConfig(dataID, func(content string) {
		if err := mergeRemote(content); err != nil {
			logger.L().Error().Err(err).Msg("ignoring invalid remote config update")
		}
	})
	if err != nil {
		logger.L().Warn().Err(err).Msg("failed to listen for remote config changes")
	}
}

// GetOutboundIP 获取本机对外通信使用的 IP
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
