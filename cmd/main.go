package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/internal/app"
	"github.com/PocketPalCo/support-bot/internal/infra/kvstore"
	"github.com/PocketPalCo/support-bot/internal/infra/server"
	"github.com/PocketPalCo/support-bot/pkg/logger"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("support bot stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	defaultLogger := logger.NewLogger(&cfg)
	slog.SetDefault(defaultLogger)

	tel, err := server.NewTelemetry(ctx, &cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown telemetry", slog.String("error", err.Error()))
		}
	}()

	if cfg.OtlpLogs {
		observable, provider, err := logger.NewObservableLogger(ctx, &cfg)
		if err != nil {
			slog.Warn("OTLP logging disabled", slog.String("error", err.Error()))
		} else {
			defaultLogger = observable
			slog.SetDefault(defaultLogger)
			tel.LoggerProvider = provider
		}
	}

	if err := telemetry.InitTelemetry(tel.MeterProvider); err != nil {
		return err
	}

	redisHook, err := telemetry.NewRedisHook(tel.MeterProvider.Meter("kvstore"))
	if err != nil {
		return err
	}

	store, err := kvstore.Connect(ctx, cfg.GetRedisConfig(), defaultLogger, redisHook)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close redis client", slog.String("error", err.Error()))
		}
	}()

	meter := tel.MeterProvider.Meter(cfg.ServerName)

	core, err := app.New(ctx, &cfg, defaultLogger, store, meter)
	if err != nil {
		return err
	}

	srv, err := server.New(&cfg, core, meter)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Listen)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := core.Telegram.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		core.Telegram.Stop()
		return nil
	})

	g.Go(func() error {
		return core.Maintenance.Run(gctx)
	})

	slog.Info("Support bot started",
		slog.String("address", cfg.ServerAddress),
		slog.Bool("telegram", core.Telegram.IsEnabled()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("Support bot shut down successfully")
	return nil
}
