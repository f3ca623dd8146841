// Command gateway starts the relay HTTP server: database, cache,
// dispatcher components, background loops, then the gin server itself,
// draining in-flight requests on shutdown. Structured the way the
// teacher's main.go sequences its own startup (config/logger first,
// database, cache, then background loops before the listener opens).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/gateway/common"
	"github.com/relaymesh/gateway/common/config"
	"github.com/relaymesh/gateway/common/graceful"
	"github.com/relaymesh/gateway/common/logger"
	"github.com/relaymesh/gateway/logsink"
	"github.com/relaymesh/gateway/model"
	"github.com/relaymesh/gateway/monitor"
	"github.com/relaymesh/gateway/ratelimit"
	"github.com/relaymesh/gateway/registry"
	"github.com/relaymesh/gateway/relay/adaptor"
	"github.com/relaymesh/gateway/relay/adaptor/anthropic"
	"github.com/relaymesh/gateway/relay/adaptor/gemini"
	"github.com/relaymesh/gateway/relay/adaptor/glm"
	"github.com/relaymesh/gateway/relay/adaptor/kiro"
	"github.com/relaymesh/gateway/relay/adaptor/openai"
	"github.com/relaymesh/gateway/relay/channeltype"
	"github.com/relaymesh/gateway/relay/controller"
	"github.com/relaymesh/gateway/router"
)

func main() {
	logger.Setup()
	logger.Logger.Info("gateway starting")

	if err := config.LoadFile(); err != nil {
		logger.Logger.Fatal("failed to load config file", zap.Error(err))
	}

	if err := model.InitDB(); err != nil {
		logger.Logger.Fatal("failed to initialize database", zap.Error(err))
	}
	if err := common.InitRedisClient(); err != nil {
		logger.Logger.Fatal("failed to initialize redis", zap.Error(err))
	}

	httpClient := &http.Client{Timeout: 0} // per-request timeout is set by the dispatcher's context
	adaptors := map[string]adaptor.Adaptor{
		model.ProviderTypeOpenAI:    openai.New(httpClient),
		model.ProviderTypeAnthropic: anthropic.New(httpClient),
		model.ProviderTypeGoogle:    gemini.New(httpClient),
		model.ProviderTypeGLM:       glm.New(httpClient),
		model.ProviderTypeKiro:      kiro.New(httpClient, nil), // no device-flow refresh endpoint wired; see DESIGN.md
	}
	for t := range adaptors {
		if !channeltype.IsSupported(t) {
			logger.Logger.Fatal("adaptor registered for unrecognized provider type", zap.String("type", t))
		}
	}

	healthEngine := monitor.NewEngine()
	accounts := registry.NewAccountRegistry(healthEngine)
	limiter := ratelimit.NewManager(
		config.Current().GlobalRPM, config.Current().GlobalTPM,
		config.Current().DefaultUserRPM, config.Current().DefaultUserTPM,
	)
	logs := logsink.New()
	dispatcher := controller.New(healthEngine, accounts, limiter, adaptors, logs)

	if os.Getenv("GIN_MODE") != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	server := gin.New()
	server.Use(graceful.GinMiddleware())
	server.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.SetRelayRouter(server, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return healthEngine.RunSweepLoop(egCtx) })
	eg.Go(func() error { return logs.Run(egCtx) })
	// usage is nil until a kiro usage endpoint is wired (see DESIGN.md);
	// RunUsageSweep no-ops in that case rather than ticking for nothing.
	eg.Go(func() error {
		return kiro.RunUsageSweep(egCtx, nil, config.Current().KiroUsageRefreshInterval, config.Current().KiroUsageRefreshJitter)
	})
	eg.Go(func() error {
		stopCh := make(chan struct{})
		go func() {
			<-egCtx.Done()
			close(stopCh)
		}()
		return config.Watch(logger.Logger, stopCh)
	})

	httpServer := &http.Server{Addr: ":" + config.ServerPort, Handler: server}
	eg.Go(func() error {
		logger.Logger.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	logger.Logger.Info("shutdown signal received, draining")
	graceful.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("http server shutdown error", zap.Error(err))
	}
	if err := graceful.Drain(shutdownCtx); err != nil {
		logger.Logger.Error("graceful drain incomplete", zap.Error(err))
	}

	if err := eg.Wait(); err != nil {
		logger.Logger.Error("background loop exited with error", zap.Error(err))
	}
	logger.Logger.Info("gateway stopped")
}
