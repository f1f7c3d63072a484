package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dmarket/cmd/internal/passphrase"
	"dmarket/config"
	"dmarket/core"
	"dmarket/core/events"
	"dmarket/core/state"
	"dmarket/crypto"
	"dmarket/gateway/middleware"
	"dmarket/observability"
	"dmarket/observability/logging"
	"dmarket/observability/metrics"
	telemetry "dmarket/observability/otel"
	"dmarket/rpc"
	"dmarket/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func main() {
	var cfgPath, passEnv string
	flag.StringVar(&cfgPath, "config", "./dmarket.toml", "path to the configuration file")
	flag.StringVar(&passEnv, "passphrase-env", passphrase.DefaultEnv, "environment variable holding the operator keystore passphrase")
	flag.Parse()

	if err := run(cfgPath, passphrase.NewSource(passEnv)); err != nil {
		fmt.Fprintf(os.Stderr, "dmarketd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, secret *passphrase.Source) error {
	pass, err := secret.Get()
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath, config.WithKeystorePassphrase(pass))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithOptions(logging.Options{
		Service: cfg.ServiceName,
		Env:     cfg.Environment,
		File:    cfg.LogFile,
		Level:   logging.ParseLevel(cfg.LogLevel),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelCfg := telemetry.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	}
	shutdownTelemetry, err := telemetry.Init(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	operator, err := crypto.LoadFromKeystore(cfg.KeystorePath, pass)
	if err != nil {
		return fmt.Errorf("load operator keystore %s: %w", cfg.KeystorePath, err)
	}
	instance, err := cfg.Instance()
	if err != nil {
		return err
	}

	db, err := storage.NewLevelDB(cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()
	store, err := state.Open(db, cfg.MaxCommitRetries)
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	market, err := core.NewMarket(store, instance, cfg.EscrowToken,
		core.WithEmitter(events.Fanout{broker, observability.Events()}),
		core.WithLogger(logger),
		core.WithMetrics(metrics.Market()),
	)
	if err != nil {
		return err
	}

	obs, err := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.ServiceName,
		LogRequests: logging.ParseLevel(cfg.LogLevel) <= slog.LevelDebug,
	}, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}
	limiter := middleware.NewRateLimiter(rpc.RateLimits(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst), logger)
	server, err := rpc.NewServer(rpc.Config{
		Market:   market,
		Operator: operator,
		Broker:   broker,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
		RateLimiter:   limiter,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := server.Handler()
	if otelCfg.Traces {
		handler = otelhttp.NewHandler(handler, cfg.ServiceName)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	identity := market.Caller(operator)
	logger.Info("dmarketd listening",
		slog.String("address", listener.Addr().String()),
		slog.String("instance", fmt.Sprintf("%x", instance[:])),
		slog.String("seller", identity.Seller.String()),
		slog.Uint64("version", market.Version()))

	go sweepLimiter(ctx, limiter, logger)

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	logger.Info("dmarketd stopped", slog.Uint64("version", market.Version()))
	return nil
}

func sweepLimiter(ctx context.Context, limiter *middleware.RateLimiter, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Sweep(); n > 0 {
				logger.Debug("rate limiter swept idle clients", slog.Int("count", n))
			}
		}
	}
}
