package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/gateway"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/metrics"
	"mqtt-edge-gateway/internal/stats"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")

	// Optional override flags
	logLevelOverride := flag.String("log-level", "", "override log level (empty = use config)")
	batchSizeOverride := flag.Int("batch-size", 0, "override forward batch size (0 = use config)")
	intervalOverride := flag.Duration("forward-interval", 0, "override forward interval (0 = use config)")
	rateOverride := flag.Float64("rate", 0, "override publish rate in messages per second (0 = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address and enable it (empty = use config)")
	grace := flag.Duration("shutdown-grace", gateway.DefaultGrace, "time allowed for the offline status on shutdown")

	flag.Parse()

	provider, err := config.NewFileProvider(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	provider.SetOverrides(func(c *config.Config) {
		c.ApplyOverrides(*logLevelOverride, *batchSizeOverride, *intervalOverride, *rateOverride, *metricsAddrOverride)
	})
	cfg := provider.Current()

	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	statsCollector := stats.NewStatsCollector()

	var metricsService *metrics.Metrics
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}
	}

	svc, err := gateway.New(provider, logger,
		gateway.WithStats(statsCollector),
		gateway.WithMetrics(metricsService))
	if err != nil {
		logger.Fatal("failed to create gateway", "error", err)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsCollector := metrics.NewMetricsCollector(metricsService, statsCollector, cfg.Metrics.UpdateInterval)
		metricsCollector.Start()
		defer metricsCollector.Stop()

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
		svc.RegisterHandlers(mux)

		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	if err := svc.Start(); err != nil {
		logger.Fatal("failed to start gateway", "error", err)
	}

	logger.Info("mqtt-edge-gateway started",
		"config", *configPath,
		"broker", cfg.MQTT.BrokerURL(),
		"forwardInterval", cfg.Forward.Interval,
		"publishRate", cfg.Publish.Rate,
		"metricsEnabled", cfg.Metrics.Enabled)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reloading configuration and reconnecting")
			if !svc.Reconnect() {
				logger.Warn("reconnect after reload did not complete, reconnect worker will retry")
			}
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)

			if metricsServer != nil {
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown metrics server", "error", err)
				}
			}

			svc.Stop(*grace)
			shutdownCancel()
			return
		}
	}
}
