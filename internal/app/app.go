package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/internal/core/backend"
	"github.com/PocketPalCo/support-bot/internal/core/maintenance"
	"github.com/PocketPalCo/support-bot/internal/core/orders"
	"github.com/PocketPalCo/support-bot/internal/core/session"
	"github.com/PocketPalCo/support-bot/internal/core/support"
	"github.com/PocketPalCo/support-bot/internal/core/telegram"
	"github.com/PocketPalCo/support-bot/internal/infra/kvstore"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	api "go.opentelemetry.io/otel/metric"
)

// App owns every core component. It is built once at startup and handed to
// the transports; nothing below it reads package level state.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       kvstore.Store
	Metrics     *telemetry.BusinessMetrics
	Sessions    *session.Manager
	Cache       *orders.Cache
	Backend     *backend.Client
	Orders      *orders.Service
	Support     *support.Service
	Telegram    *telegram.Service
	Notifier    *telegram.Notifier
	Maintenance *maintenance.Task
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store kvstore.Store, meter api.Meter) (*App, error) {
	metrics, err := telemetry.NewBusinessMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}

	endpoints := backend.NewEndpoints(cfg.GetEndpointsConfig())
	if err := endpoints.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backend endpoints: %w", err)
	}
	client := backend.NewClient(cfg.GetBackendConfig(), endpoints, logger, backend.WithMetrics(metrics))

	sessions := session.NewManager(store, cfg.GetSessionConfig(), logger, session.WithMetrics(metrics))
	cache := orders.NewCache(store, logger, metrics)
	ordersService := orders.NewService(client, cache, cfg.APICacheTTL, cfg.UserCacheTTL, logger)
	ordersService.SetFetchTimeout(time.Duration(cfg.HTTPMaxAttempts+1) * cfg.HTTPTimeout)
	supportService := support.NewService(client, logger)

	tgCfg, err := cfg.GetTelegramConfig()
	if err != nil {
		return nil, err
	}
	tg, err := telegram.NewTelegramService(tgCfg, telegram.Dependencies{
		Sessions: sessions,
		Orders:   ordersService,
		Support:  supportService,
		Metrics:  metrics,
	}, logger)
	if err != nil {
		return nil, err
	}

	task := maintenance.NewTask(sessions, cfg.GetMaintenanceConfig(), logger, metrics)

	logger.InfoContext(ctx, "Application initialized",
		"component", "app",
		"telegram_enabled", tg.IsEnabled(),
		"maintenance_mode", tgCfg.MaintenanceMode,
		"repair_enabled", endpoints.Configured(backend.EndpointRepair),
		"rating_enabled", endpoints.Configured(backend.EndpointRating))

	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Metrics:     metrics,
		Sessions:    sessions,
		Cache:       cache,
		Backend:     client,
		Orders:      ordersService,
		Support:     supportService,
		Telegram:    tg,
		Notifier:    tg.Notifier(),
		Maintenance: task,
	}, nil
}
