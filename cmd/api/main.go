package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/davidleathers/txsession/internal/api/rest"
	"github.com/davidleathers/txsession/internal/infrastructure/config"
	"github.com/davidleathers/txsession/internal/infrastructure/telemetry"
	"github.com/davidleathers/txsession/internal/metrics"
	"github.com/davidleathers/txsession/internal/service/session"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("txsession exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    "txsession",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("failed to shutdown telemetry", zap.Error(err))
		}
	}()

	routerCfg := rest.RouterConfig{
		Version:           cfg.Version,
		Logger:            logger,
		RequestsPerSecond: float64(cfg.Server.RateLimit.RequestsPerSecond),
		Burst:             cfg.Server.RateLimit.BurstSize,
	}

	var opts []session.Option
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sessionMetrics := metrics.NewRegistry(reg)
		opts = append(opts, session.WithMetrics(sessionMetrics))
		routerCfg.Metrics = sessionMetrics
		routerCfg.Gatherer = reg
	}

	sess := session.New(cfg.Database, logger, opts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Warn("failed to close session", zap.Error(err))
		}
	}()

	if cfg.Database.AutoConnect {
		err := sess.Connect(ctx, session.ConnectParams{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
		})
		if err != nil {
			return err
		}
	}

	server := rest.NewServer(cfg.Server, rest.NewRouter(sess, routerCfg), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	if err := server.Shutdown(context.Background()); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
