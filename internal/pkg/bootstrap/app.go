package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"stockledger/internal/pkg/nacos"
	"stockledger/internal/pkg/tracing"
)

// Runner 是随服务一起启停的后台组件，例如定时任务或消息消费者
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client
	Config *Config

	runners []Runner
	closers []func(ctx context.Context) error
}

// Manage 注册一个随服务启停的后台组件
func (a *AppCtx) Manage(r Runner) {
	a.runners = append(a.runners, r)
}

// OnShutdown 注册一个关停时执行的清理函数，按注册的逆序执行
func (a *AppCtx) OnShutdown(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// Setup 组装依赖、注册 HTTP 路由与后台组件，返回错误时服务不会启动
	Setup func(ctx context.Context, app *AppCtx) error
}

// StartService 封装了微服务的通用启动和优雅关停逻辑，阻塞直到收到退出信号。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	app := &AppCtx{Mux: http.NewServeMux(), Config: cfg}

	var (
		ip           string
		configClient *nacos.ConfigClient
	)
	if cfg.Infra.Nacos.Addrs != "" {
		serverConfigs, err := nacos.ParseServerConfigs(cfg.Infra.Nacos.Addrs)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid nacos server address format")
		}
		clientConfig := nacos.NewClientConfig(cfg.Infra.Nacos.Namespace)

		app.Nacos, err = nacos.NewNacosClientWithConfigs(serverConfigs, &clientConfig, cfg.Infra.Nacos.Group)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		configClient, err = nacos.NewConfigClient(serverConfigs, &clientConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize nacos config client")
		}
		if err := WatchRemoteConfig(configClient, cfg); err != nil {
			log.Error().Err(err).Msg("remote config unavailable, continuing with local config")
		}
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if info.Setup != nil {
		if err := info.Setup(rootCtx, app); err != nil {
			log.Fatal().Err(err).Str("service", info.ServiceName).Msg("failed to set up service")
		}
	}
	for _, r := range app.runners {
		if err := r.Start(rootCtx); err != nil {
			log.Fatal().Err(err).Msg("failed to start background runner")
		}
	}

	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: app.Mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	if app.Nacos != nil {
		ip, err = GetOutboundIP()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := app.Nacos.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Str("service", info.ServiceName).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 先摘流量，再停后台组件，最后释放基础设施
	if app.Nacos != nil {
		if err := app.Nacos.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("error deregistering from nacos")
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error shutting down http server")
	}
	shutdown(ctx, app)
	cancelRoot()

	if configClient != nil {
		configClient.Close()
	}
	if app.Nacos != nil {
		app.Nacos.Close()
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error shutting down tracer provider")
	}
	log.Info().Str("service", info.ServiceName).Msg("gracefully shut down")
}

// shutdown 逆序停止后台组件并执行清理函数
func shutdown(ctx context.Context, app *AppCtx) {
	for i := len(app.runners) - 1; i >= 0; i-- {
		if err := app.runners[i].Stop(ctx); err != nil {
			log.Error().Err(err).Msg("error stopping background runner")
		}
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](ctx); err != nil {
			log.Error().Err(err).Msg("error during shutdown")
		}
	}
}

// GetOutboundIP 返回本机访问外网时使用的 IP，用于服务注册
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", errors.Wrap(err, "failed to detect outbound ip")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
