package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// BusinessMetrics is the application-level instrument set. It is built once
// from the process meter and handed to every component that reports.
type BusinessMetrics struct {
	// Telegram bot
	TelegramMessagesTotal  api.Int64Counter
	TelegramCallbacksTotal api.Int64Counter
	TelegramErrorsTotal    api.Int64Counter
	NotificationsSent      api.Int64Counter

	// Sessions
	SessionsCreated      api.Int64Counter
	SessionCacheHits     api.Int64Counter
	SessionCacheMisses   api.Int64Counter
	SessionSaveErrors    api.Int64Counter
	SessionsExpired      api.Int64Counter
	SessionsEvicted      api.Int64Counter
	AuthenticationsTotal api.Int64Counter
	LogoutsTotal         api.Int64Counter
	RateLimitedTotal     api.Int64Counter

	// Response cache
	ResponseCacheHits   api.Int64Counter
	ResponseCacheMisses api.Int64Counter

	// Backend API
	BackendRequestsTotal   api.Int64Counter
	BackendRequestDuration api.Float64Histogram
	BackendRetriesTotal    api.Int64Counter

	// Maintenance
	MaintenanceSweeps api.Int64Counter
}

// NewBusinessMetrics registers every instrument on meter.
func NewBusinessMetrics(meter api.Meter) (*BusinessMetrics, error) {
	m := &BusinessMetrics{}

	counters := []struct {
		dst  *api.Int64Counter
		name string
		desc string
	}{
		{&m.TelegramMessagesTotal, "telegram.messages.total", "Total Telegram messages processed by type"},
		{&m.TelegramCallbacksTotal, "telegram.callbacks.total", "Total Telegram callback queries processed by action"},
		{&m.TelegramErrorsTotal, "telegram.errors.total", "Total Telegram bot errors by type"},
		{&m.NotificationsSent, "telegram.notifications.total", "Total push notifications by kind and result"},
		{&m.SessionsCreated, "session.created.total", "Sessions created for previously unseen chats"},
		{&m.SessionCacheHits, "session.cache.hits", "Session lookups served by a cache tier"},
		{&m.SessionCacheMisses, "session.cache.misses", "Session lookups that missed a cache tier"},
		{&m.SessionSaveErrors, "session.save.errors", "Session writes that failed to reach the remote store"},
		{&m.SessionsExpired, "session.expired.total", "Expired sessions removed from the remote store"},
		{&m.SessionsEvicted, "session.local.evicted", "Sessions evicted from the in-process cache"},
		{&m.AuthenticationsTotal, "session.authentications.total", "Successful session authentications"},
		{&m.LogoutsTotal, "session.logouts.total", "Session logouts"},
		{&m.RateLimitedTotal, "session.rate_limited.total", "Sessions moved into the rate limited state"},
		{&m.ResponseCacheHits, "response_cache.hits", "Lookups answered from the response cache by kind"},
		{&m.ResponseCacheMisses, "response_cache.misses", "Lookups that fell through to the backend by kind"},
		{&m.BackendRequestsTotal, "backend.requests.total", "Backend API requests by endpoint and outcome"},
		{&m.BackendRetriesTotal, "backend.retries.total", "Backend API retry attempts"},
		{&m.MaintenanceSweeps, "maintenance.sweeps.total", "Background maintenance sweeps by result"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, api.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.BackendRequestDuration, err = meter.Float64Histogram("backend.request.duration",
		api.WithDescription("Duration of backend API requests including retries"),
		api.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend.request.duration histogram: %w", err)
	}

	return m, nil
}

// NewNoopMetrics returns instruments that record nothing. Used by tests and
// by components constructed without a meter.
func NewNoopMetrics() *BusinessMetrics {
	m, _ := NewBusinessMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

// Inc adds one to counter with the given attributes.
func Inc(ctx context.Context, counter api.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, api.WithAttributes(attrs...))
}
