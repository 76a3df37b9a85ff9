package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/internal/core/orders"
	"github.com/PocketPalCo/support-bot/internal/core/session"
	"github.com/PocketPalCo/support-bot/internal/core/support"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramService interface defines the contract for Telegram bot management
type TelegramService interface {
	Start(ctx context.Context) error
	Stop()
	IsEnabled() bool
}

// Dependencies are the core services the bot drives.
type Dependencies struct {
	Sessions *session.Manager
	Orders   *orders.Service
	Support  *support.Service
	Metrics  *telemetry.BusinessMetrics
}

// Service implements TelegramService interface
type Service struct {
	bot      *Bot
	notifier *Notifier
	enabled  bool
	logger   *slog.Logger
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewTelegramService connects to the Bot API. Without a token the service
// is disabled and its notifier refuses to send.
func NewTelegramService(cfg config.TelegramConfig, deps Dependencies, logger *slog.Logger) (*Service, error) {
	if cfg.Token == "" {
		logger.Info("Telegram bot disabled - no token provided")
		templates, err := NewTemplateManager()
		if err != nil {
			return nil, err
		}
		return &Service{
			notifier: NewNotifier(nil, deps.Sessions, templates, cfg.NotificationsRate, logger, deps.Metrics),
			logger:   logger,
		}, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	api.Debug = cfg.Debug

	logger.Info("Telegram bot authorized",
		"username", api.Self.UserName,
		"admin_count", len(cfg.Admins),
		"debug_mode", cfg.Debug,
		"component", "telegram_service")

	return NewServiceWithAPI(api, cfg, deps, logger)
}

// NewServiceWithAPI builds an enabled service on an existing Bot API client.
func NewServiceWithAPI(api BotAPI, cfg config.TelegramConfig, deps Dependencies, logger *slog.Logger) (*Service, error) {
	templates, err := NewTemplateManager()
	if err != nil {
		return nil, err
	}

	if len(cfg.Admins) == 0 {
		logger.Warn("No Telegram admin users configured - admin commands will not work")
	}

	return &Service{
		bot:      NewBot(api, cfg, deps.Sessions, deps.Orders, deps.Support, templates, logger, deps.Metrics),
		notifier: NewNotifier(api, deps.Sessions, templates, cfg.NotificationsRate, logger, deps.Metrics),
		enabled:  true,
		logger:   logger,
	}, nil
}

// Start begins polling in the background and returns immediately.
func (s *Service) Start(ctx context.Context) error {
	if !s.enabled {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.bot.Start(s.ctx); err != nil {
			s.logger.Error("Telegram bot error", "error", err)
		}
	}()

	s.logger.Info("Telegram service started", "component", "telegram_service")
	return nil
}

// Stop cancels polling and waits for in-flight updates.
func (s *Service) Stop() {
	if !s.enabled {
		return
	}

	s.logger.Info("Stopping Telegram service...")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Telegram service stopped")
}

func (s *Service) IsEnabled() bool {
	return s.enabled
}

func (s *Service) Bot() *Bot {
	return s.bot
}

func (s *Service) Notifier() *Notifier {
	return s.notifier
}
