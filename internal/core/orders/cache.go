package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/PocketPalCo/support-bot/internal/infra/kvstore"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Kind identifies a cached lookup. Each kind owns a key prefix under the
// cache namespace.
type Kind string

const (
	KindOrderNumber    Kind = "order_number"
	KindOrderSerial    Kind = "order_serial"
	KindCustomer       Kind = "customer"
	KindCustomerOrders Kind = "customer_orders"
)

var kindParts = map[Kind][]string{
	KindOrderNumber:    {"order", "number"},
	KindOrderSerial:    {"order", "serial"},
	KindCustomer:       {"customer", "national_id"},
	KindCustomerOrders: {"customer", "orders"},
}

func Kinds() []Kind {
	return []Kind{KindOrderNumber, KindOrderSerial, KindCustomer, KindCustomerOrders}
}

func (k Kind) Valid() bool {
	_, ok := kindParts[k]
	return ok
}

func (k Kind) key(value string) string {
	return kvstore.Key(kvstore.NamespaceCache, append(append([]string(nil), kindParts[k]...), value)...)
}

func (k Kind) prefix() string {
	return kvstore.Prefix(kvstore.NamespaceCache, kindParts[k]...)
}

// Cache stores normalized lookup results as JSON. Store and decode failures
// are logged and reported as misses.
type Cache struct {
	store   kvstore.Store
	logger  *slog.Logger
	metrics *telemetry.BusinessMetrics
}

func NewCache(store kvstore.Store, logger *slog.Logger, metrics *telemetry.BusinessMetrics) *Cache {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Cache{
		store:   store,
		logger:  logger.With("component", "response_cache"),
		metrics: metrics,
	}
}

func (c *Cache) get(ctx context.Context, kind Kind, value string, dst any) bool {
	data, found, err := c.store.Get(ctx, kind.key(value))
	if err != nil {
		c.logger.Warn("Response cache read failed", "kind", kind, "error", err)
	}
	if err != nil || !found {
		telemetry.Inc(ctx, c.metrics.ResponseCacheMisses, attribute.String("kind", string(kind)))
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("Discarding undecodable response cache entry", "kind", kind, "error", err)
		telemetry.Inc(ctx, c.metrics.ResponseCacheMisses, attribute.String("kind", string(kind)))
		return false
	}

	telemetry.Inc(ctx, c.metrics.ResponseCacheHits, attribute.String("kind", string(kind)))
	return true
}

func (c *Cache) set(ctx context.Context, kind Kind, value string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Failed to encode response cache entry", "kind", kind, "error", err)
		return
	}
	if err := c.store.SetWithExpiry(ctx, kind.key(value), data, ttl); err != nil {
		c.logger.Warn("Response cache write failed", "kind", kind, "error", err)
	}
}

// Invalidate drops a single entry.
func (c *Cache) Invalidate(ctx context.Context, kind Kind, value string) error {
	if _, err := c.store.Delete(ctx, kind.key(value)); err != nil {
		return fmt.Errorf("invalidate %s: %w", kind, err)
	}
	return nil
}

// Purge removes every entry of kind and returns how many were deleted.
func (c *Cache) Purge(ctx context.Context, kind Kind) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown cache kind %q", kind)
	}

	var deleted int64
	err := c.store.Scan(ctx, kind.prefix(), 100, func(keys []string) error {
		n, err := c.store.Delete(ctx, keys...)
		deleted += n
		return err
	})
	if err != nil {
		return deleted, fmt.Errorf("purge %s: %w", kind, err)
	}

	c.logger.Info("Response cache purged", "kind", kind, "deleted", deleted)
	return deleted, nil
}
