package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PocketPalCo/support-bot/internal/core/orders"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

var ErrNotifierDisabled = errors.New("telegram notifications are disabled")

// ChatDirectory resolves recipients for push messages.
type ChatDirectory interface {
	LookupChat(ctx context.Context, nationalID string) (int64, bool, error)
	ActiveChatIDs(ctx context.Context) ([]int64, error)
}

// BroadcastResult summarizes a broadcast run.
type BroadcastResult struct {
	Recipients int `json:"recipients"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

// Notifier pushes messages to chats outside of an update, paced to stay
// under the Bot API flood limits.
type Notifier struct {
	sender    Sender
	chats     ChatDirectory
	templates *TemplateManager
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *telemetry.BusinessMetrics
}

// NewNotifier returns a notifier sending through sender. A nil sender yields
// a notifier that reports ErrNotifierDisabled.
func NewNotifier(sender Sender, chats ChatDirectory, templates *TemplateManager, perSecond float64, logger *slog.Logger, metrics *telemetry.BusinessMetrics) *Notifier {
	if perSecond <= 0 {
		perSecond = 25
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Notifier{
		sender:    sender,
		chats:     chats,
		templates: templates,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:    logger.With("component", "telegram_notifier"),
		metrics:   metrics,
	}
}

func (n *Notifier) Enabled() bool {
	return n.sender != nil
}

// NotifyOrderStatus tells the chat authenticated with nationalID about a
// status change of order. The boolean is false when no chat is bound to the
// national id.
func (n *Notifier) NotifyOrderStatus(ctx context.Context, nationalID string, order *orders.Order) (bool, error) {
	if !n.Enabled() {
		return false, ErrNotifierDisabled
	}

	chatID, found, err := n.chats.LookupChat(ctx, nationalID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve chat: %w", err)
	}
	if !found {
		telemetry.Inc(ctx, n.metrics.NotificationsSent,
			attribute.String("kind", "order_status"),
			attribute.String("result", "no_chat"))
		return false, nil
	}

	text, err := n.templates.RenderTemplate("order_notification", newOrderTemplateData(order, false))
	if err != nil {
		return false, err
	}
	if err := n.send(ctx, chatID, text, tgbotapi.ModeHTML); err != nil {
		telemetry.Inc(ctx, n.metrics.NotificationsSent,
			attribute.String("kind", "order_status"),
			attribute.String("result", "failed"))
		return false, err
	}

	telemetry.Inc(ctx, n.metrics.NotificationsSent,
		attribute.String("kind", "order_status"),
		attribute.String("result", "sent"))
	n.logger.Info("Order status notification sent",
		"chat_id", chatID,
		"order_number", order.Number,
		"step", int(order.Step))
	return true, nil
}

// Broadcast sends text as plain text to every chat with a live session.
// Individual send failures are counted, not returned.
func (n *Notifier) Broadcast(ctx context.Context, text string) (BroadcastResult, error) {
	if !n.Enabled() {
		return BroadcastResult{}, ErrNotifierDisabled
	}

	ids, err := n.chats.ActiveChatIDs(ctx)
	if err != nil {
		return BroadcastResult{}, err
	}

	res := BroadcastResult{Recipients: len(ids)}
	for _, chatID := range ids {
		if err := n.send(ctx, chatID, text, ""); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			n.logger.Warn("Broadcast delivery failed", "chat_id", chatID, "error", err)
			continue
		}
		res.Sent++
	}

	n.metrics.NotificationsSent.Add(ctx, int64(res.Sent), api.WithAttributes(attribute.String("kind", "broadcast"), attribute.String("result", "sent")))
	n.metrics.NotificationsSent.Add(ctx, int64(res.Failed), api.WithAttributes(attribute.String("kind", "broadcast"), attribute.String("result", "failed")))
	n.logger.Info("Broadcast finished",
		"recipients", res.Recipients,
		"sent", res.Sent,
		"failed", res.Failed)
	return res, nil
}

func (n *Notifier) send(ctx context.Context, chatID int64, text, parseMode string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	_, err := n.sender.Send(msg)
	return err
}
