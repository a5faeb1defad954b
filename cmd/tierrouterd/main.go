// Command tierrouterd serves the tiered inference router over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/internal/server"
	"github.com/ineyio/tierrouter/internal/settings"
	"github.com/ineyio/tierrouter/internal/telemetry"
	"github.com/ineyio/tierrouter/invoker"
	"github.com/ineyio/tierrouter/invoker/gemini"
	"github.com/ineyio/tierrouter/invoker/openaicompat"
	"github.com/ineyio/tierrouter/ledger"
	ledgerpg "github.com/ineyio/tierrouter/ledger/postgres"
	ledgerredis "github.com/ineyio/tierrouter/ledger/redis"
	"github.com/ineyio/tierrouter/meter"
)

// Version is injected at build time.
var Version = "dev"

func main() {
	settingsPath := flag.String("settings", os.Getenv("TIERROUTER_SETTINGS"), "path to the daemon settings file")
	flag.Parse()

	// .env is optional.
	_ = godotenv.Load()

	s, err := settings.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(s.Log)
	slog.SetDefault(log)
	log.Info("starting tierrouterd", "version", Version, "region", s.Service.Region)

	if err := run(context.Background(), s, log); err != nil {
		log.Error("tierrouterd failed", "error", err)
		os.Exit(1)
	}
	log.Info("server exited")
}

func run(ctx context.Context, s *settings.Settings, log *slog.Logger) error {
	tracer, shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: s.Service.Name,
		Region:      s.Service.Region,
		Endpoint:    s.Tracing.Endpoint,
		SampleRate:  s.Tracing.SampleRate,
		Enabled:     s.Tracing.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	cfg, err := tierrouter.LoadConfig(s.Routing.ConfigPath)
	if err != nil {
		return err
	}

	l, closeLedger, err := openLedger(ctx, s.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	sink, flush, err := newSink(s)
	if err != nil {
		return err
	}
	defer flush()

	inv := invoker.ByProvider(map[string]tierrouter.Invoker{
		"gemini": gemini.New().Invoke,
	}, openaicompat.New().Invoke)

	router, err := tierrouter.NewRouter(cfg, inv,
		tierrouter.WithLedger(l),
		tierrouter.WithSink(sink),
		tierrouter.WithTracer(tracer),
	)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srvCfg := server.Config{
		ServiceName: s.Service.Name,
		Region:      s.Service.Region,
		APIKey:      s.HTTP.APIKey,
		Logger:      log,
	}
	if s.Events.Metrics {
		srvCfg.Metrics = promhttp.Handler()
	}

	srv := &http.Server{
		Addr:         s.HTTP.Addr,
		Handler:      server.New(router, srvCfg),
		ReadTimeout:  s.HTTP.ReadTimeout,
		WriteTimeout: s.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", "addr", s.HTTP.Addr, "tiers", router.Tiers())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(s settings.LogSettings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(s.Level)}
	if strings.ToLower(s.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openLedger(ctx context.Context, s settings.LedgerSettings) (tierrouter.Ledger, func(), error) {
	switch s.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: s.RedisAddr, Password: s.RedisPass, DB: s.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis not available at %s: %w", s.RedisAddr, err)
		}
		l := ledgerredis.New(client,
			ledgerredis.WithKeyPrefix(s.KeyPrefix),
			ledgerredis.WithMaxRecords(int64(s.MaxRecords)),
		)
		return l, func() { client.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, s.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("pgxpool: %w", err)
		}
		l := ledgerpg.New(pool, ledgerpg.WithTablePrefix(s.TablePrefix))
		if err := l.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return l, pool.Close, nil
	default:
		return ledger.NewMemory(ledger.WithMaxRecords(s.MaxRecords)), func() {}, nil
	}
}

func newSink(s *settings.Settings) (tierrouter.Sink, func(), error) {
	var (
		sinks []tierrouter.Sink
		flush = func() {}
	)

	switch s.Events.Sink {
	case "log":
		sinks = append(sinks, meter.NewLogSink(slog.Default().With("component", "router")))
	case "zap":
		zl, err := zap.NewProduction()
		if err != nil {
			return nil, nil, fmt.Errorf("zap: %w", err)
		}
		sinks = append(sinks, meter.NewZapSink(zl.Named("router")))
		flush = func() { _ = zl.Sync() }
	}

	if s.Events.Metrics {
		reg := prometheus.DefaultRegisterer
		// Go runtime and process collectors are registered by default.
		_ = reg.Register(collectors.NewBuildInfoCollector())
		ps, err := meter.NewPrometheusSink(reg)
		if err != nil {
			return nil, nil, fmt.Errorf("metrics: %w", err)
		}
		sinks = append(sinks, ps)
	}

	return meter.Multi(sinks...), flush, nil
}
