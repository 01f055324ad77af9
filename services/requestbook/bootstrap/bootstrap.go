// Package bootstrap assembles the request book components from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/itublockchain/ARIF/observability"
	"github.com/itublockchain/ARIF/observability/logging"
	"github.com/itublockchain/ARIF/services/requestbook/config"
	"github.com/itublockchain/ARIF/services/requestbook/engine"
	"github.com/itublockchain/ARIF/services/requestbook/ledger"
	"github.com/itublockchain/ARIF/services/requestbook/server"
)

// Ledger opens the configured ledger source behind the retry, timeout and
// rate guards. The returned close func releases the RPC connection.
func Ledger(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (ledger.Reader, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		inner   ledger.Reader
		closeFn = func() {}
	)
	switch {
	case cfg.Fixture != "":
		book, err := ledger.LoadFixture(cfg.Fixture)
		if err != nil {
			return nil, nil, err
		}
		count, _ := book.Count(ctx)
		logger.Info("loaded ledger fixture", slog.String("path", cfg.Fixture), slog.Uint64("requests", count))
		inner = book
	case cfg.RPCURL != "":
		client, err := ledger.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return nil, nil, err
		}
		reader, err := ledger.NewContractReader(client, cfg.ContractAddress())
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		logger.Info("connected to request book contract",
			slog.String("rpc", logging.MaskURL(cfg.RPCURL)),
			slog.String("contract", cfg.ContractAddress().Hex()))
		inner = reader
		closeFn = client.Close
	default:
		return nil, nil, fmt.Errorf("bootstrap: no ledger source configured")
	}

	opts := []ledger.GuardOption{
		ledger.WithRetryPolicy(cfg.MaxAttempts, cfg.MinBackoff, cfg.MaxBackoff),
		ledger.WithCallTimeout(cfg.CallTimeout),
		ledger.WithObserver(observability.Reconcile()),
		ledger.WithRetryNotify(func(method string, err error, wait time.Duration) {
			logger.Warn("ledger read retry",
				slog.String("method", method),
				slog.Duration("wait", wait),
				slog.Any("error", err))
		}),
	}
	if cfg.ReadsPerSecond > 0 {
		opts = append(opts, ledger.WithReadRate(cfg.ReadsPerSecond, cfg.ReadBurst))
	}
	return ledger.NewGuarded(inner, opts...), closeFn, nil
}

// Engine builds the reconciler over reader.
func Engine(reader ledger.Reader, cfg config.ReconcileConfig, logger *slog.Logger) (*engine.Reconciler, error) {
	return engine.New(reader,
		engine.WithConcurrency(cfg.Concurrency),
		engine.WithLogger(logger),
		engine.WithObserver(observability.Reconcile()),
		engine.WithBorrowerIndex(cfg.BorrowerIndex),
		engine.WithSnapshots(!cfg.DisableSnapshots),
	)
}

// Limiter returns the API limiter, or nil when rate limiting is disabled.
// The close func releases the Redis connection when one was opened.
func Limiter(ctx context.Context, cfg config.RateLimitConfig, logger *slog.Logger) (server.Limiter, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled() {
		return nil, func() {}, nil
	}
	if cfg.RedisAddr == "" {
		return server.NewMemoryLimiter(cfg.RequestsPerMinute, cfg.Burst), func() {}, nil
	}
	client := server.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis limiter unreachable at startup", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
	}
	perWindow := int64(cfg.RequestsPerMinute * cfg.Window.Minutes())
	if perWindow < 1 {
		perWindow = 1
	}
	limiter, err := server.NewRedisLimiter(client, perWindow, cfg.Window)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return limiter, func() { _ = client.Close() }, nil
}
