package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/internal/core/backend"
	"github.com/PocketPalCo/support-bot/internal/core/orders"
	"github.com/PocketPalCo/support-bot/internal/core/session"
	"github.com/PocketPalCo/support-bot/internal/core/support"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("telegram")

// Sender is the part of the Bot API used to talk to chats.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// BotAPI is satisfied by *tgbotapi.BotAPI.
type BotAPI interface {
	Sender
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot routes Telegram updates through the chat's session.
type Bot struct {
	api       BotAPI
	cfg       config.TelegramConfig
	sessions  *session.Manager
	orders    *orders.Service
	support   *support.Service
	templates *TemplateManager
	commands  *CommandRegistry
	admins    map[int64]struct{}
	logger    *slog.Logger
	metrics   *telemetry.BusinessMetrics

	wg sync.WaitGroup
}

func NewBot(
	api BotAPI,
	cfg config.TelegramConfig,
	sessions *session.Manager,
	ordersService *orders.Service,
	supportService *support.Service,
	templates *TemplateManager,
	logger *slog.Logger,
	metrics *telemetry.BusinessMetrics,
) *Bot {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 15 * time.Second
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	b := &Bot{
		api:       api,
		cfg:       cfg,
		sessions:  sessions,
		orders:    ordersService,
		support:   supportService,
		templates: templates,
		admins:    make(map[int64]struct{}, len(cfg.Admins)),
		logger:    logger.With("component", "telegram_bot"),
		metrics:   metrics,
	}
	for _, id := range cfg.Admins {
		b.admins[id] = struct{}{}
	}
	b.commands = b.setupCommands()
	return b
}

func (b *Bot) IsAdmin(userID int64) bool {
	_, ok := b.admins[userID]
	return ok
}

// Start polls for updates until ctx is cancelled. Each update is handled on
// its own goroutine; updates of one chat are serialized by the session lock.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Telegram bot started, waiting for updates")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Telegram bot stopping")
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleUpdate(ctx, update)
			}()
		}
	}
}

// HandleUpdate processes one update to completion.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	var (
		chatID int64
		kind   string
	)
	switch {
	case update.Message != nil && update.Message.Chat != nil:
		chatID, kind = update.Message.Chat.ID, "message"
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil && update.CallbackQuery.Message.Chat != nil:
		chatID, kind = update.CallbackQuery.Message.Chat.ID, "callback"
	default:
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "telegram.update", trace.WithAttributes(
		attribute.Int64("chat_id", chatID),
		attribute.String("update.kind", kind),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic while handling update",
				"chat_id", chatID,
				"update_kind", kind,
				"panic", r)
			telemetry.Inc(ctx, b.metrics.TelegramErrorsTotal, attribute.String("type", "panic"))
			span.SetStatus(codes.Error, "panic")
			b.sendPlain(ctx, chatID, "error", SupportTemplateData{SupportPhone: b.cfg.SupportPhone})
		}
	}()

	if b.cfg.MaintenanceMode {
		if update.CallbackQuery != nil {
			b.answerCallback(update.CallbackQuery.ID, "")
		}
		b.sendPlain(ctx, chatID, "maintenance", SupportTemplateData{SupportPhone: b.cfg.SupportPhone})
		return
	}

	err := b.sessions.WithSession(ctx, chatID, func(ctx context.Context, rec *session.Record) error {
		limited, err := b.sessions.IsRateLimited(ctx, chatID)
		if err != nil {
			return err
		}
		if limited {
			if update.CallbackQuery != nil {
				b.answerCallback(update.CallbackQuery.ID, "")
			}
			minutes := int(b.sessions.RateLimitRemaining(rec).Round(time.Minute) / time.Minute)
			if minutes < 1 {
				minutes = 1
			}
			return b.reply(ctx, rec, "rate_limited", RateLimitedTemplateData{Minutes: minutes}, nil)
		}

		if update.Message != nil {
			return b.handleMessage(ctx, rec, update.Message)
		}
		return b.handleCallback(ctx, rec, update.CallbackQuery)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		b.handleError(ctx, chatID, err)
	}
}

func (b *Bot) handleMessage(ctx context.Context, rec *session.Record, msg *tgbotapi.Message) error {
	if msg.IsCommand() {
		telemetry.Inc(ctx, b.metrics.TelegramMessagesTotal, attribute.String("type", "command"))
		return b.handleCommand(ctx, rec, msg)
	}
	telemetry.Inc(ctx, b.metrics.TelegramMessagesTotal, attribute.String("type", "text"))

	b.logger.Debug("Processing text message",
		"chat_id", rec.ChatID,
		"state", rec.State)

	text := strings.TrimSpace(orders.NormalizeDigits(msg.Text))
	if text == "" {
		return b.showMenu(ctx, rec)
	}
	return b.handleText(ctx, rec, text)
}

func (b *Bot) handleCommand(ctx context.Context, rec *session.Record, msg *tgbotapi.Message) error {
	req := &Request{
		ChatID:  rec.ChatID,
		Args:    strings.TrimSpace(msg.CommandArguments()),
		Session: rec,
	}
	if msg.From != nil {
		req.UserID = msg.From.ID
		req.FirstName = msg.From.FirstName
		req.IsAdmin = b.IsAdmin(msg.From.ID)
	}

	found, err := b.commands.Execute(ctx, msg.Command(), req)
	switch {
	case errors.Is(err, ErrAdminOnly):
		return b.reply(ctx, rec, "admin_only", nil, nil)
	case errors.Is(err, ErrLoginRequired):
		return b.reply(ctx, rec, "login_required", nil, b.loginKeyboard())
	case err != nil:
		return err
	case !found:
		return b.reply(ctx, rec, "help", b.helpData(rec, req.IsAdmin), nil)
	}
	return nil
}

// handleError tells the user about a failure that escaped the handlers.
func (b *Bot) handleError(ctx context.Context, chatID int64, err error) {
	contact := SupportTemplateData{SupportPhone: b.cfg.SupportPhone}

	switch {
	case errors.Is(err, session.ErrStoreUnavailable), errors.Is(err, session.ErrBusy):
		telemetry.Inc(ctx, b.metrics.TelegramErrorsTotal, attribute.String("type", "session"))
		b.logger.Error("Session unavailable for update", "chat_id", chatID, "error", err)
		b.sendPlain(ctx, chatID, "service_unavailable", contact)
	case errors.Is(err, backend.ErrConfiguration):
		telemetry.Inc(ctx, b.metrics.TelegramErrorsTotal, attribute.String("type", "configuration"))
		b.logger.Warn("Feature not configured", "chat_id", chatID, "error", err)
		b.sendPlain(ctx, chatID, "feature_unavailable", contact)
	case errors.Is(err, context.DeadlineExceeded):
		telemetry.Inc(ctx, b.metrics.TelegramErrorsTotal, attribute.String("type", "timeout"))
		b.logger.Error("Update handling timed out", "chat_id", chatID, "error", err)
		b.sendPlain(ctx, chatID, "service_unavailable", contact)
	default:
		telemetry.Inc(ctx, b.metrics.TelegramErrorsTotal, attribute.String("type", "handler"))
		b.logger.Error("Failed to handle update", "chat_id", chatID, "error", err)
		b.sendPlain(ctx, chatID, "error", contact)
	}
}

// reply renders a template into the chat and tracks the sent message on rec.
func (b *Bot) reply(ctx context.Context, rec *session.Record, name string, data any, markup any) error {
	text, err := b.templates.RenderTemplate(name, data)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(rec.ChatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if markup != nil {
		msg.ReplyMarkup = markup
	}

	sent, err := b.api.Send(msg)
	if err != nil {
		telemetry.Inc(ctx, b.metrics.TelegramErrorsTotal, attribute.String("type", "send"))
		return fmt.Errorf("failed to send %s message: %w", name, err)
	}
	rec.TrackMessage(sent.MessageID)
	return nil
}

// sendPlain renders and sends a template outside of any session scope.
// Failures are only logged.
func (b *Bot) sendPlain(ctx context.Context, chatID int64, name string, data any) {
	text, err := b.templates.RenderTemplate(name, data)
	if err != nil {
		b.logger.Error("Failed to render template", "template", name, "error", err)
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		telemetry.Inc(ctx, b.metrics.TelegramErrorsTotal, attribute.String("type", "send"))
		b.logger.Error("Failed to send message", "chat_id", chatID, "template", name, "error", err)
	}
}

func (b *Bot) answerCallback(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.logger.Warn("Failed to answer callback query", "callback_id", callbackID, "error", err)
	}
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Debug("Failed to delete message",
			"chat_id", chatID,
			"message_id", messageID,
			"error", err)
	}
}

// cleanupMessages deletes the bot messages tracked on rec.
func (b *Bot) cleanupMessages(rec *session.Record) {
	for _, id := range rec.TrackedMessages() {
		b.deleteMessage(rec.ChatID, id)
	}
	rec.ClearTrackedMessages()
}

// showStatus sends a transient status message and returns a function that
// removes it once the configured linger period has passed.
func (b *Bot) showStatus(ctx context.Context, chatID int64, name string) func() {
	text, err := b.templates.RenderTemplate(name, nil)
	if err != nil {
		return func() {}
	}
	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		b.logger.Debug("Failed to send status message", "chat_id", chatID, "error", err)
		return func() {}
	}
	return func() {
		if b.cfg.StatusMessageLinger <= 0 {
			b.deleteMessage(chatID, sent.MessageID)
			return
		}
		time.AfterFunc(b.cfg.StatusMessageLinger, func() {
			b.deleteMessage(chatID, sent.MessageID)
		})
	}
}

// settle returns rec to its resting state, keeping the tracked message ids.
func settle(rec *session.Record) {
	tracked := rec.TrackedMessages()
	rec.Reset()
	for _, id := range tracked {
		rec.TrackMessage(id)
	}
}

func (b *Bot) helpData(rec *session.Record, isAdmin bool) HelpTemplateData {
	return HelpTemplateData{
		IsAuthenticated: rec.IsAuthenticated,
		IsAdmin:         isAdmin,
		SupportPhone:    b.cfg.SupportPhone,
	}
}
