package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PocketPalCo/support-bot/internal/core/backend"
	"github.com/PocketPalCo/support-bot/internal/core/orders"
	"github.com/PocketPalCo/support-bot/internal/core/session"
	"github.com/PocketPalCo/support-bot/internal/core/support"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/attribute"
)

const tempComplaintCategory = "complaint_category"

// setupCommands registers every slash command the bot answers.
func (b *Bot) setupCommands() *CommandRegistry {
	registry := NewCommandRegistry()

	registry.Register(CommandFunc{Name: "start", HandleFn: b.handleStart})
	registry.Register(CommandFunc{Name: "menu", HandleFn: func(ctx context.Context, req *Request) error {
		settle(req.Session)
		return b.showMenu(ctx, req.Session)
	}})
	registry.Register(CommandFunc{Name: "help", HandleFn: func(ctx context.Context, req *Request) error {
		return b.reply(ctx, req.Session, "help", b.helpData(req.Session, req.IsAdmin), nil)
	}})
	registry.Register(CommandFunc{Name: "cancel", HandleFn: func(ctx context.Context, req *Request) error {
		settle(req.Session)
		return b.reply(ctx, req.Session, "cancelled", nil, b.mainMenuKeyboard(req.Session))
	}})
	registry.Register(CommandFunc{Name: "logout", Auth: true, HandleFn: func(ctx context.Context, req *Request) error {
		return b.logout(ctx, req.Session)
	}})
	registry.Register(CommandFunc{Name: "status", HandleFn: b.handleStatus})
	registry.Register(CommandFunc{Name: "stats", Admin: true, HandleFn: b.handleStats})

	return registry
}

func (b *Bot) handleStart(ctx context.Context, req *Request) error {
	rec := req.Session
	b.cleanupMessages(rec)
	settle(rec)

	data := StartTemplateData{
		FirstName:       req.FirstName,
		IsAuthenticated: rec.IsAuthenticated,
		CustomerName:    rec.UserName,
	}
	return b.reply(ctx, rec, "start", data, b.mainMenuKeyboard(rec))
}

func (b *Bot) handleStatus(ctx context.Context, req *Request) error {
	rec := req.Session
	data := StatusTemplateData{
		ChatID:          rec.ChatID,
		State:           rec.State.String(),
		IsAuthenticated: rec.IsAuthenticated,
		CustomerName:    rec.UserName,
		RequestCount:    rec.RequestCount,
		ExpiresAt:       rec.ExpiresAt.Format(time.DateTime),
	}
	return b.reply(ctx, rec, "status", data, nil)
}

func (b *Bot) handleStats(ctx context.Context, req *Request) error {
	stats, err := b.sessions.Stats(ctx)
	if err != nil {
		return err
	}
	data := StatsTemplateData{
		Stats:   stats,
		HitRate: strconv.FormatFloat(stats.CacheHitRate*100, 'f', 1, 64),
	}
	return b.reply(ctx, req.Session, "stats", data, nil)
}

func (b *Bot) showMenu(ctx context.Context, rec *session.Record) error {
	data := MenuTemplateData{
		IsAuthenticated: rec.IsAuthenticated,
		CustomerName:    rec.UserName,
	}
	return b.reply(ctx, rec, "menu", data, b.mainMenuKeyboard(rec))
}

func (b *Bot) logout(ctx context.Context, rec *session.Record) error {
	if _, err := b.sessions.Logout(ctx, rec.ChatID); err != nil {
		// The session itself is logged out even when the index cleanup failed.
		b.logger.Warn("Logout completed with errors", "chat_id", rec.ChatID, "error", err)
	}
	return b.reply(ctx, rec, "logged_out", nil, b.mainMenuKeyboard(rec))
}

// handleText interprets free text according to the session state.
func (b *Bot) handleText(ctx context.Context, rec *session.Record, text string) error {
	if rec.State.RequiresAuth() && !rec.IsAuthenticated {
		settle(rec)
		return b.reply(ctx, rec, "login_required", nil, b.loginKeyboard())
	}

	switch rec.State {
	case session.StateAuthenticating:
		return b.completeLogin(ctx, rec, text)
	case session.StateAwaitingOrderNumber:
		return b.trackOrder(ctx, rec, orders.KindOrderNumber, text, false)
	case session.StateAwaitingSerial:
		return b.trackOrder(ctx, rec, orders.KindOrderSerial, text, false)
	case session.StateAwaitingComplaintCategory:
		category, err := support.ParseCategory(text)
		if err != nil {
			return b.reply(ctx, rec, "invalid_input", InvalidInputTemplateData{Field: "category"}, b.categoryKeyboard())
		}
		return b.selectCategory(ctx, rec, category)
	case session.StateAwaitingComplaintText:
		return b.submitComplaint(ctx, rec, text)
	case session.StateAwaitingRepairDescription:
		return b.submitRepair(ctx, rec, text)
	default:
		return b.showMenu(ctx, rec)
	}
}

func (b *Bot) beginLogin(ctx context.Context, rec *session.Record) error {
	rec.SetState(session.StateAuthenticating)
	return b.reply(ctx, rec, "ask_national_id", nil, b.cancelKeyboard())
}

func (b *Bot) completeLogin(ctx context.Context, rec *session.Record, text string) error {
	done := b.showStatus(ctx, rec.ChatID, "searching")
	res, err := b.orders.Customer(ctx, text)
	done()

	switch {
	case errors.Is(err, backend.ErrValidation):
		return b.reply(ctx, rec, "invalid_input", InvalidInputTemplateData{Field: "national_id"}, b.cancelKeyboard())
	case err != nil:
		return err
	case !res.Found:
		return b.reply(ctx, rec, "auth_not_found", nil, b.cancelKeyboard())
	}

	customer := res.Value
	id := session.Identity{
		NationalID: customer.NationalID,
		Name:       customer.Name,
		Phone:      customer.Phone,
		City:       customer.City,
	}
	if _, err := b.sessions.Authenticate(ctx, rec.ChatID, id); err != nil {
		return err
	}
	settle(rec)

	return b.reply(ctx, rec, "auth_success", AuthTemplateData{Name: customer.Name, City: customer.City}, b.mainMenuKeyboard(rec))
}

// trackOrder looks an order up by number or serial and renders it.
func (b *Bot) trackOrder(ctx context.Context, rec *session.Record, kind orders.Kind, query string, refresh bool) error {
	var opts []orders.LookupOption
	if refresh {
		opts = append(opts, orders.ForceRefresh())
	}

	done := b.showStatus(ctx, rec.ChatID, "searching")
	var (
		res orders.Result[*orders.Order]
		err error
	)
	if kind == orders.KindOrderSerial {
		res, err = b.orders.BySerial(ctx, query, opts...)
	} else {
		res, err = b.orders.ByNumber(ctx, query, opts...)
	}
	done()

	if errors.Is(err, backend.ErrValidation) {
		field := "order_number"
		if kind == orders.KindOrderSerial {
			field = "serial"
		}
		return b.reply(ctx, rec, "invalid_input", InvalidInputTemplateData{Field: field}, b.cancelKeyboard())
	}
	if err != nil {
		return err
	}

	settle(rec)
	if !res.Found {
		return b.reply(ctx, rec, "order_not_found", NotFoundTemplateData{Query: query}, b.mainMenuKeyboard(rec))
	}
	return b.reply(ctx, rec, "order", newOrderTemplateData(res.Value, res.Cached), b.orderKeyboard(rec, kind, query, res.Value))
}

func (b *Bot) showCustomerOrders(ctx context.Context, rec *session.Record) error {
	res, err := b.orders.CustomerOrders(ctx, rec.NationalID)
	if err != nil {
		return err
	}

	data := OrdersListTemplateData{}
	for i := range res.Value {
		data.Orders = append(data.Orders, newOrderTemplateData(&res.Value[i], res.Cached))
	}
	return b.reply(ctx, rec, "orders_list", data, b.ordersListKeyboard(res.Value))
}

func (b *Bot) selectCategory(ctx context.Context, rec *session.Record, category support.ComplaintCategory) error {
	rec.SetTemp(tempComplaintCategory, int64(category))
	rec.SetState(session.StateAwaitingComplaintText)
	return b.reply(ctx, rec, "complaint_text", CategoryTemplateData{Label: category.Label()}, b.cancelKeyboard())
}

func (b *Bot) submitComplaint(ctx context.Context, rec *session.Record, text string) error {
	raw, _ := rec.TempInt(tempComplaintCategory)
	category := support.ComplaintCategory(raw)
	if !category.Valid() {
		rec.SetState(session.StateAwaitingComplaintCategory)
		return b.reply(ctx, rec, "complaint_category", nil, b.categoryKeyboard())
	}

	ticket, err := b.support.SubmitComplaint(ctx, support.Complaint{
		NationalID: rec.NationalID,
		Category:   category,
		Text:       text,
	})
	if errors.Is(err, backend.ErrValidation) {
		return b.reply(ctx, rec, "invalid_input", InvalidInputTemplateData{Field: "text"}, b.cancelKeyboard())
	}
	if err != nil {
		settle(rec)
		return err
	}

	settle(rec)
	return b.reply(ctx, rec, "ticket", TicketTemplateData{Number: ticket.Number, IsComplaint: true}, b.mainMenuKeyboard(rec))
}

func (b *Bot) submitRepair(ctx context.Context, rec *session.Record, text string) error {
	ticket, err := b.support.SubmitRepairRequest(ctx, support.RepairRequest{
		NationalID:  rec.NationalID,
		Description: text,
		Contact:     rec.PhoneNumber,
	})
	if errors.Is(err, backend.ErrValidation) {
		return b.reply(ctx, rec, "invalid_input", InvalidInputTemplateData{Field: "text"}, b.cancelKeyboard())
	}
	if err != nil {
		settle(rec)
		return err
	}

	settle(rec)
	return b.reply(ctx, rec, "ticket", TicketTemplateData{Number: ticket.Number}, b.mainMenuKeyboard(rec))
}

// handleCallback routes inline keyboard presses by their data prefix.
func (b *Bot) handleCallback(ctx context.Context, rec *session.Record, cb *tgbotapi.CallbackQuery) error {
	parts := strings.Split(cb.Data, ":")
	b.logger.Info("Processing callback query",
		"callback_id", cb.ID,
		"chat_id", rec.ChatID,
		"data", cb.Data)
	telemetry.Inc(ctx, b.metrics.TelegramCallbacksTotal, attribute.String("action", parts[0]))

	switch parts[0] {
	case "menu":
		b.answerCallback(cb.ID, "")
		if len(parts) < 2 {
			return b.showMenu(ctx, rec)
		}
		return b.routeMenu(ctx, rec, parts[1])
	case "complaint":
		b.answerCallback(cb.ID, "")
		if !rec.IsAuthenticated {
			return b.reply(ctx, rec, "login_required", nil, b.loginKeyboard())
		}
		category, err := support.ParseCategory(strings.Join(parts[1:], ":"))
		if err != nil {
			return b.reply(ctx, rec, "invalid_input", InvalidInputTemplateData{Field: "category"}, b.categoryKeyboard())
		}
		return b.selectCategory(ctx, rec, category)
	case "order":
		// order:refresh:<number|serial>:<value>
		if len(parts) < 4 || parts[1] != "refresh" {
			b.answerCallback(cb.ID, b.templates.RenderMessage("unknown_action"))
			return nil
		}
		kind := orders.KindOrderNumber
		if parts[2] == "serial" {
			kind = orders.KindOrderSerial
		}
		b.answerCallback(cb.ID, b.templates.RenderMessage("refreshed"))
		return b.trackOrder(ctx, rec, kind, strings.Join(parts[3:], ":"), true)
	case "rate":
		b.answerCallback(cb.ID, "")
		if !rec.IsAuthenticated {
			return b.reply(ctx, rec, "login_required", nil, b.loginKeyboard())
		}
		score, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			return b.showMenu(ctx, rec)
		}
		if err := b.support.SubmitRating(ctx, support.Rating{NationalID: rec.NationalID, Score: score}); err != nil {
			return err
		}
		return b.reply(ctx, rec, "rating_thanks", nil, b.mainMenuKeyboard(rec))
	default:
		b.answerCallback(cb.ID, b.templates.RenderMessage("unknown_action"))
		return nil
	}
}

func (b *Bot) routeMenu(ctx context.Context, rec *session.Record, action string) error {
	switch action {
	case "main":
		b.cleanupMessages(rec)
		settle(rec)
		return b.showMenu(ctx, rec)
	case "login":
		if rec.IsAuthenticated {
			return b.showMenu(ctx, rec)
		}
		return b.beginLogin(ctx, rec)
	case "track_number":
		rec.SetState(session.StateAwaitingOrderNumber)
		return b.reply(ctx, rec, "ask_order_number", nil, b.cancelKeyboard())
	case "track_serial":
		rec.SetState(session.StateAwaitingSerial)
		return b.reply(ctx, rec, "ask_serial", nil, b.cancelKeyboard())
	case "contact":
		return b.reply(ctx, rec, "contact", SupportTemplateData{SupportPhone: b.cfg.SupportPhone}, b.mainMenuKeyboard(rec))
	case "cancel":
		settle(rec)
		return b.reply(ctx, rec, "cancelled", nil, b.mainMenuKeyboard(rec))
	}

	if !rec.IsAuthenticated {
		settle(rec)
		return b.reply(ctx, rec, "login_required", nil, b.loginKeyboard())
	}

	switch action {
	case "my_orders":
		return b.showCustomerOrders(ctx, rec)
	case "complaint":
		rec.SetState(session.StateAwaitingComplaintCategory)
		return b.reply(ctx, rec, "complaint_category", nil, b.categoryKeyboard())
	case "repair":
		rec.SetState(session.StateAwaitingRepairDescription)
		return b.reply(ctx, rec, "ask_repair_description", nil, b.cancelKeyboard())
	case "logout":
		return b.logout(ctx, rec)
	default:
		return b.showMenu(ctx, rec)
	}
}

func (b *Bot) button(name, data string) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData(b.templates.RenderButton(name), data)
}

func (b *Bot) mainMenuKeyboard(rec *session.Record) tgbotapi.InlineKeyboardMarkup {
	if !rec.IsAuthenticated {
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(b.button("login", "menu:login")),
			tgbotapi.NewInlineKeyboardRow(
				b.button("track_number", "menu:track_number"),
				b.button("track_serial", "menu:track_serial"),
			),
			tgbotapi.NewInlineKeyboardRow(b.button("contact", "menu:contact")),
		)
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(b.button("my_orders", "menu:my_orders")),
		tgbotapi.NewInlineKeyboardRow(
			b.button("track_number", "menu:track_number"),
			b.button("track_serial", "menu:track_serial"),
		),
		tgbotapi.NewInlineKeyboardRow(
			b.button("complaint", "menu:complaint"),
			b.button("repair", "menu:repair"),
		),
		tgbotapi.NewInlineKeyboardRow(
			b.button("contact", "menu:contact"),
			b.button("logout", "menu:logout"),
		),
	)
}

func (b *Bot) loginKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(b.button("login", "menu:login")),
		tgbotapi.NewInlineKeyboardRow(b.button("main_menu", "menu:main")),
	)
}

func (b *Bot) cancelKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(b.button("cancel", "menu:cancel")),
	)
}

func (b *Bot) categoryKeyboard() tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(support.Categories())+1)
	for _, c := range support.Categories() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(c.Label(), fmt.Sprintf("complaint:%d", c)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(b.button("cancel", "menu:cancel")))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bot) orderKeyboard(rec *session.Record, kind orders.Kind, query string, order *orders.Order) tgbotapi.InlineKeyboardMarkup {
	by := "number"
	if kind == orders.KindOrderSerial {
		by = "serial"
	}

	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(b.button("refresh", fmt.Sprintf("order:refresh:%s:%s", by, query))),
	}
	if order.Step.IsPayable() && order.PaymentLink != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(b.templates.RenderButton("pay"), order.PaymentLink),
		))
	}
	if order.Step.IsCompleted() && rec.IsAuthenticated {
		stars := make([]tgbotapi.InlineKeyboardButton, 0, 5)
		for score := 1; score <= 5; score++ {
			stars = append(stars, tgbotapi.NewInlineKeyboardButtonData(strings.Repeat("⭐", score), fmt.Sprintf("rate:%d", score)))
		}
		rows = append(rows, stars)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(b.button("main_menu", "menu:main")))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bot) ordersListKeyboard(list []orders.Order) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(list)+1)
	for _, o := range list {
		if o.Number == "" {
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(o.Step.Icon()+" "+o.Number, "order:refresh:number:"+o.Number),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(b.button("main_menu", "menu:main")))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
