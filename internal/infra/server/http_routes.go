package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/internal/core/backend"
	"github.com/PocketPalCo/support-bot/internal/core/maintenance"
	"github.com/PocketPalCo/support-bot/internal/core/orders"
	"github.com/PocketPalCo/support-bot/internal/core/session"
	"github.com/PocketPalCo/support-bot/internal/core/telegram"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/favicon"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogfiber "github.com/samber/slog-fiber"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

type httpMetrics struct {
	requests api.Int64Counter
	duration api.Float64Histogram
}

func newHTTPMetrics(meter api.Meter) (*httpMetrics, error) {
	requests, err := meter.Int64Counter("http_requests_total", api.WithDescription("Total number of HTTP requests."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("http_request_duration_ms", api.WithDescription("Duration of HTTP requests in milliseconds."))
	if err != nil {
		return nil, err
	}
	return &httpMetrics{requests: requests, duration: duration}, nil
}

func initGlobalMiddlewares(app *fiber.App, cfg *config.Config, logger *slog.Logger) {
	app.Use(
		compress.New(compress.Config{
			Level: compress.LevelDefault,
		}),

		slogfiber.NewWithFilters(logger, slogfiber.IgnorePath("/health")),

		cors.New(cors.Config{
			AllowOrigins: "*",
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, DELETE, OPTIONS",
		}),

		favicon.New(),
		limiter.New(limiter.Config{
			Max:               cfg.RateLimitMax,
			Expiration:        time.Duration(cfg.RateLimitWindow) * time.Second,
			LimiterMiddleware: limiter.SlidingWindow{},
		}),
	)

	app.Use(otelfiber.Middleware())
}

func (s *Server) registerHttpRoutes(metrics *httpMetrics) {
	s.app.Get("/health", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	apiRoutes := s.app.Group("/v1", withMetrics(metrics), adminAuth(s.cfg.AdminToken))

	apiRoutes.Get("/stats", s.stats)

	apiRoutes.Get("/sessions/:chat_id", s.getSession)
	apiRoutes.Delete("/sessions/:chat_id", s.clearSession)
	apiRoutes.Get("/auth-index/:national_id", s.lookupChat)

	apiRoutes.Get("/maintenance", s.maintenanceStatus)
	apiRoutes.Post("/maintenance/sweep", s.sweep)

	apiRoutes.Delete("/cache/:kind", s.purgeCache)

	apiRoutes.Post("/notifications/order-status", s.notifyOrderStatus)
	apiRoutes.Post("/notifications/broadcast", s.broadcast)
}

func withMetrics(metrics *httpMetrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		attrs := api.WithAttributes(
			attribute.String("method", c.Method()),
			attribute.String("path", c.Route().Path),
			attribute.Int("status_code", c.Response().StatusCode()),
		)
		metrics.requests.Add(c.UserContext(), 1, attrs)
		metrics.duration.Record(c.UserContext(), float64(time.Since(start).Milliseconds()), attrs)

		return err
	}
}

// adminAuth requires "Authorization: Bearer <token>" on the ops API. An empty
// token rejects every request.
func adminAuth(token string) fiber.Handler {
	return keyauth.New(keyauth.Config{
		Validator: func(_ *fiber.Ctx, key string) (bool, error) {
			if token == "" || subtle.ConstantTimeCompare([]byte(key), []byte(token)) != 1 {
				return false, keyauth.ErrMissingOrMalformedAPIKey
			}
			return true, nil
		},
		ErrorHandler: func(c *fiber.Ctx, _ error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		},
	})
}

func (s *Server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	if err := s.core.Store.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":    "degraded",
			"store":     err.Error(),
			"timestamp": time.Now().Unix(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok", "timestamp": time.Now().Unix()})
}

func (s *Server) stats(c *fiber.Ctx) error {
	ctx, span := tracer.Start(c.UserContext(), "server.stats")
	defer span.End()

	st, err := s.core.Sessions.Stats(ctx)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"sessions":    st,
		"backend":     s.core.Backend.Health(),
		"maintenance": s.core.Maintenance.Status(),
		"telegram":    s.core.Telegram.IsEnabled(),
	})
}

type sessionView struct {
	ChatID          int64          `json:"chat_id"`
	UserID          int64          `json:"user_id,omitempty"`
	State           string         `json:"state"`
	IsAuthenticated bool           `json:"is_authenticated"`
	NationalID      string         `json:"national_id,omitempty"`
	UserName        string         `json:"user_name,omitempty"`
	City            string         `json:"city,omitempty"`
	TempData        map[string]any `json:"temp_data,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivity    time.Time      `json:"last_activity"`
	ExpiresAt       time.Time      `json:"expires_at"`
	RequestCount    int64          `json:"request_count"`
	Degraded        bool           `json:"degraded,omitempty"`
}

func newSessionView(rec *session.Record) sessionView {
	return sessionView{
		ChatID:          rec.ChatID,
		UserID:          rec.UserID,
		State:           rec.State.String(),
		IsAuthenticated: rec.IsAuthenticated,
		NationalID:      rec.NationalID,
		UserName:        rec.UserName,
		City:            rec.City,
		TempData:        rec.TempData,
		CreatedAt:       rec.CreatedAt,
		LastActivity:    rec.LastActivity,
		ExpiresAt:       rec.ExpiresAt,
		RequestCount:    rec.RequestCount,
		Degraded:        rec.Degraded,
	}
}

func chatIDParam(c *fiber.Ctx) (int64, error) {
	chatID, err := strconv.ParseInt(c.Params("chat_id"), 10, 64)
	if err != nil || chatID == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid chat id")
	}
	return chatID, nil
}

func (s *Server) getSession(c *fiber.Ctx) error {
	chatID, err := chatIDParam(c)
	if err != nil {
		return err
	}

	rec, found, err := s.core.Sessions.Peek(c.UserContext(), chatID)
	if err != nil {
		return s.fail(c, err)
	}
	if !found {
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	return c.JSON(newSessionView(rec))
}

func (s *Server) clearSession(c *fiber.Ctx) error {
	chatID, err := chatIDParam(c)
	if err != nil {
		return err
	}

	if err := s.core.Sessions.Clear(c.UserContext(), chatID); err != nil {
		return s.fail(c, err)
	}
	s.logger.Info("Session cleared by operator", "chat_id", chatID)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) lookupChat(c *fiber.Ctx) error {
	nationalID, err := orders.ValidateNationalID(c.Params("national_id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid national id")
	}

	chatID, found, err := s.core.Sessions.LookupChat(c.UserContext(), nationalID)
	if err != nil {
		return s.fail(c, err)
	}
	if !found {
		return fiber.NewError(fiber.StatusNotFound, "no chat bound to national id")
	}
	return c.JSON(fiber.Map{"national_id": nationalID, "chat_id": chatID})
}

func (s *Server) maintenanceStatus(c *fiber.Ctx) error {
	return c.JSON(s.core.Maintenance.Status())
}

func (s *Server) sweep(c *fiber.Ctx) error {
	res, err := s.core.Maintenance.Sweep(c.UserContext())
	if err != nil {
		if errors.Is(err, maintenance.ErrSweepPanic) {
			s.logger.Error("Manual sweep panicked", "error", err)
		}
		return s.fail(c, err)
	}
	return c.JSON(res)
}

func (s *Server) purgeCache(c *fiber.Ctx) error {
	kind := orders.Kind(c.Params("kind"))
	if !kind.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "unknown cache kind")
	}

	deleted, err := s.core.Orders.Purge(c.UserContext(), kind)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"kind": kind, "deleted": deleted})
}

type orderStatusRequest struct {
	NationalID  string `json:"national_id"`
	OrderNumber string `json:"order_number"`
}

func (s *Server) notifyOrderStatus(c *fiber.Ctx) error {
	var req orderStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	nationalID, err := orders.ValidateNationalID(req.NationalID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid national id")
	}
	if !s.core.Notifier.Enabled() {
		return s.fail(c, telegram.ErrNotifierDisabled)
	}

	ctx, span := tracer.Start(c.UserContext(), "server.notifyOrderStatus")
	defer span.End()

	res, err := s.core.Orders.ByNumber(ctx, req.OrderNumber, orders.ForceRefresh())
	if err != nil {
		return s.fail(c, err)
	}
	if !res.Found {
		return fiber.NewError(fiber.StatusNotFound, "order not found")
	}

	sent, err := s.core.Notifier.NotifyOrderStatus(ctx, nationalID, res.Value)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"sent": sent, "order_number": res.Value.Number, "step": int(res.Value.Step)})
}

type broadcastRequest struct {
	Text string `json:"text"`
}

func (s *Server) broadcast(c *fiber.Ctx) error {
	var req broadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return fiber.NewError(fiber.StatusBadRequest, "text is required")
	}

	res, err := s.core.Notifier.Broadcast(c.UserContext(), req.Text)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

// fail maps core errors onto HTTP statuses.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidChatID), errors.Is(err, backend.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, backend.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, session.ErrStoreUnavailable),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, telegram.ErrNotifierDisabled),
		errors.Is(err, backend.ErrConfiguration):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, backend.ErrNetwork), errors.Is(err, backend.ErrServer):
		status = fiber.StatusBadGateway
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed",
			"path", c.Path(),
			"status", status,
			"error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
