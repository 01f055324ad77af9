package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/itublockchain/ARIF/observability/logging"
	telemetry "github.com/itublockchain/ARIF/observability/otel"
	"github.com/itublockchain/ARIF/services/requestbook/bootstrap"
	"github.com/itublockchain/ARIF/services/requestbook/config"
	"github.com/itublockchain/ARIF/services/requestbook/server"
)

var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/requestbook/config.example.yaml", "path to requestbookd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.SetupWithOptions("requestbookd", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    "requestbookd",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	logger.Info("configuration loaded",
		slog.String("path", cfgPath),
		slog.String("listen", cfg.ListenAddress),
		slog.Int("concurrency", cfg.Reconcile.Concurrency),
		slog.Bool("rate_limit", cfg.RateLimit.Enabled()),
		logging.MaskField("redis_password", cfg.RateLimit.RedisPassword),
		logging.MaskField("otlp_headers", cfg.Telemetry.Headers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader, closeLedger, err := bootstrap.Ledger(ctx, cfg.Ledger, logger)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer closeLedger()

	reconciler, err := bootstrap.Engine(reader, cfg.Reconcile, logger)
	if err != nil {
		log.Fatalf("build reconciler: %v", err)
	}
	limiter, closeLimiter, err := bootstrap.Limiter(ctx, cfg.RateLimit, logger)
	if err != nil {
		log.Fatalf("build rate limiter: %v", err)
	}
	defer closeLimiter()

	proxies, err := cfg.RateLimit.ProxyPrefixes()
	if err != nil {
		log.Fatalf("parse trusted proxies: %v", err)
	}
	api, err := server.New(server.Config{
		Engine:         reconciler,
		Limiter:        limiter,
		Logger:         logger,
		RequestTimeout: 30 * time.Second,
		TrustedProxies: proxies,
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !loopback {
			log.Fatalf("plaintext requestbookd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("requestbookd listening",
			slog.String("addr", listener.Addr().String()),
			slog.Bool("tls", cfg.TLS.Enabled()),
			slog.String("version", version))
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve http", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
