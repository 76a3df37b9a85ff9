package telegram

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/PocketPalCo/support-bot/internal/core/orders"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t *testing.T, env *botEnv, sender Sender) *Notifier {
	t.Helper()
	templates, err := NewTemplateManager()
	require.NoError(t, err)
	return NewNotifier(sender, env.sessions, templates, 1000, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestNotifier_NotifyOrderStatus(t *testing.T) {
	env := newBotEnv(t, nil)
	env.authenticate(t, 100)
	notifier := newTestNotifier(t, env, env.api)

	order := &orders.Order{
		Number:      "72113",
		DeviceModel: "Galaxy A52",
		Step:        orders.StepPendingPayment,
		PaymentLink: "https://pay.example/abc",
	}

	sent, err := notifier.NotifyOrderStatus(context.Background(), testNationalID, order)
	require.NoError(t, err)
	assert.True(t, sent)

	msg := env.api.last()
	assert.Equal(t, int64(100), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Contains(t, msg.Text, "72113")
	assert.Contains(t, msg.Text, "https://pay.example/abc")
}

func TestNotifier_NotifyOrderStatus_NoChat(t *testing.T) {
	env := newBotEnv(t, nil)
	notifier := newTestNotifier(t, env, env.api)

	sent, err := notifier.NotifyOrderStatus(context.Background(), testNationalID, &orders.Order{Number: "1"})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, env.api.messages())
}

func TestNotifier_Disabled(t *testing.T) {
	env := newBotEnv(t, nil)
	notifier := newTestNotifier(t, env, nil)

	assert.False(t, notifier.Enabled())
	_, err := notifier.NotifyOrderStatus(context.Background(), testNationalID, &orders.Order{})
	assert.ErrorIs(t, err, ErrNotifierDisabled)
	_, err = notifier.Broadcast(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotifierDisabled)
}

func TestNotifier_Broadcast(t *testing.T) {
	env := newBotEnv(t, nil)
	ctx := context.Background()
	for _, chatID := range []int64{100, 200, 300} {
		env.record(t, chatID)
	}
	env.api.failChats[200] = true
	notifier := newTestNotifier(t, env, env.api)

	res, err := notifier.Broadcast(ctx, "service window <tonight>")
	require.NoError(t, err)
	assert.Equal(t, BroadcastResult{Recipients: 3, Sent: 2, Failed: 1}, res)

	msgs := env.api.messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "service window <tonight>", m.Text)
		assert.Empty(t, m.ParseMode)
	}
}

func TestNotifier_BroadcastCancelled(t *testing.T) {
	env := newBotEnv(t, nil)
	env.record(t, 100)
	notifier := newTestNotifier(t, env, env.api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := notifier.Broadcast(ctx, "hello")
	assert.Error(t, err)
}
