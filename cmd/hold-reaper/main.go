// hold-reaper 是独立部署的过期 hold 清理进程。
// 与 inventory-service 内置的清理任务共用同一把 ZooKeeper 锁，可以同时运行。
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"stockledger/internal/pkg/bootstrap"
	"stockledger/internal/pkg/metrics"
	"stockledger/internal/pkg/tracing"
	"stockledger/internal/service/inventory"
)

const serviceName = "hold-reaper"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := bootstrap.Init()

	tp, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize tracer provider")
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("error shutting down tracer provider")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := inventory.Build(ctx, cfg, otel.Tracer(serviceName))
	if err != nil {
		log.Error().Err(err).Msg("failed to build inventory components")
		return 1
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", metrics.Handler(c.Registry))
	server := &http.Server{Addr: ":" + strconv.Itoa(cfg.App.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.App.Port).Msg("hold reaper metrics listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server failed")
		}
		return nil
	})
	g.Go(func() error {
		if err := c.Reaper.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Reaper.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error stopping reaper")
		}
		return server.Shutdown(shutdownCtx)
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("hold reaper exited with error")
		exitCode = 1
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		log.Error().Err(err).Msg("error releasing resources")
	}
	log.Info().Msg("hold reaper stopped")
	return exitCode
}
