package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/PocketPalCo/support-bot/internal/core/backend"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("orders")

// Requester is the backend surface the lookups need.
type Requester interface {
	Post(ctx context.Context, name backend.Endpoint, payload any) (json.RawMessage, error)
}

// Result carries a lookup outcome. Found is false for a valid absence;
// Cached reports whether the value came from the response cache.
type Result[T any] struct {
	Value  T
	Found  bool
	Cached bool
}

type lookupOptions struct {
	forceRefresh bool
}

type LookupOption func(*lookupOptions)

// ForceRefresh bypasses the cache and overwrites it with the fresh result.
func ForceRefresh() LookupOption {
	return func(o *lookupOptions) { o.forceRefresh = true }
}

const defaultFetchTimeout = time.Minute

// Service answers order and customer lookups from the response cache,
// falling back to the backend. Concurrent identical lookups share one
// backend call, which is detached from any single caller's context.
type Service struct {
	client       Requester
	cache        *Cache
	apiTTL       time.Duration
	userTTL      time.Duration
	fetchTimeout time.Duration
	group        singleflight.Group
	logger       *slog.Logger
}

func NewService(client Requester, cache *Cache, apiTTL, userTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		client:       client,
		cache:        cache,
		apiTTL:       apiTTL,
		userTTL:      userTTL,
		fetchTimeout: defaultFetchTimeout,
		logger:       logger.With("component", "orders"),
	}
}

// SetFetchTimeout bounds a shared backend fetch. Non-positive values are ignored.
func (s *Service) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		s.fetchTimeout = d
	}
}

// ByNumber looks an order up by its tracking number.
func (s *Service) ByNumber(ctx context.Context, number string, opts ...LookupOption) (Result[*Order], error) {
	number, err := ValidateOrderNumber(number)
	if err != nil {
		return Result[*Order]{}, err
	}
	return lookup(ctx, s, KindOrderNumber, number, s.apiTTL, opts, func(ctx context.Context) (*Order, bool, error) {
		raw, err := s.client.Post(ctx, backend.EndpointOrderByNumber, map[string]string{"number": number})
		if err != nil {
			return nil, false, err
		}
		return normalizeOrder(raw)
	})
}

func (s *Service) BySerial(ctx context.Context, serial string, opts ...LookupOption) (Result[*Order], error) {
	serial, err := ValidateSerial(serial)
	if err != nil {
		return Result[*Order]{}, err
	}
	return lookup(ctx, s, KindOrderSerial, serial, s.apiTTL, opts, func(ctx context.Context) (*Order, bool, error) {
		raw, err := s.client.Post(ctx, backend.EndpointOrderBySerial, map[string]string{"serial": serial})
		if err != nil {
			return nil, false, err
		}
		return normalizeOrder(raw)
	})
}

// Customer resolves a national id to the backend contact used for
// authentication. Results live longer than order lookups.
func (s *Service) Customer(ctx context.Context, nationalID string, opts ...LookupOption) (Result[*Customer], error) {
	nationalID, err := ValidateNationalID(nationalID)
	if err != nil {
		return Result[*Customer]{}, err
	}
	return lookup(ctx, s, KindCustomer, nationalID, s.userTTL, opts, func(ctx context.Context) (*Customer, bool, error) {
		raw, err := s.client.Post(ctx, backend.EndpointNationalID, map[string]string{"national_id": nationalID})
		if err != nil {
			return nil, false, err
		}
		customer, found, err := normalizeCustomer(raw)
		if found && customer.NationalID == "" {
			customer.NationalID = nationalID
		}
		return customer, found, err
	})
}

// CustomerOrders lists the orders registered under a national id. Without a
// dedicated endpoint the orders embedded in the customer lookup are used.
func (s *Service) CustomerOrders(ctx context.Context, nationalID string, opts ...LookupOption) (Result[[]Order], error) {
	nationalID, err := ValidateNationalID(nationalID)
	if err != nil {
		return Result[[]Order]{}, err
	}

	return lookup(ctx, s, KindCustomerOrders, nationalID, s.apiTTL, opts, func(ctx context.Context) ([]Order, bool, error) {
		raw, err := s.client.Post(ctx, backend.EndpointUserOrders, map[string]string{"national_id": nationalID})
		if errors.Is(err, backend.ErrConfiguration) {
			res, cerr := s.Customer(ctx, nationalID, opts...)
			if cerr != nil || !res.Found {
				return nil, false, cerr
			}
			return res.Value.Orders, len(res.Value.Orders) > 0, nil
		}
		if err != nil {
			return nil, false, err
		}
		orders, err := normalizeOrderList(raw)
		return orders, len(orders) > 0, err
	})
}

// Purge drops every cached entry of kind.
func (s *Service) Purge(ctx context.Context, kind Kind) (int64, error) {
	return s.cache.Purge(ctx, kind)
}

func lookup[T any](
	ctx context.Context,
	s *Service,
	kind Kind,
	value string,
	ttl time.Duration,
	opts []LookupOption,
	fetch func(ctx context.Context) (T, bool, error),
) (Result[T], error) {
	var o lookupOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "orders.lookup", trace.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("force_refresh", o.forceRefresh),
	))
	defer span.End()

	if !o.forceRefresh {
		var cached T
		if s.cache.get(ctx, kind, value, &cached) {
			span.SetAttributes(attribute.Bool("cached", true))
			return Result[T]{Value: cached, Found: true, Cached: true}, nil
		}
	}

	flightKey := string(kind) + ":" + value
	if o.forceRefresh {
		flightKey = "refresh:" + flightKey
	}

	ch := s.group.DoChan(flightKey, func() (any, error) {
		// Callers that join the flight must not inherit the first caller's deadline.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()

		fetched, found, err := fetch(fetchCtx)
		if errors.Is(err, backend.ErrNotFound) {
			found, err = false, nil
		}
		if err != nil {
			return Result[T]{}, err
		}
		if !found {
			if o.forceRefresh {
				if err := s.cache.Invalidate(fetchCtx, kind, value); err != nil {
					s.logger.Warn("Failed to drop stale cache entry", "kind", kind, "error", err)
				}
			}
			return Result[T]{}, nil
		}
		s.cache.set(fetchCtx, kind, value, fetched, ttl)
		return Result[T]{Value: fetched, Found: true}, nil
	})

	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		err := &backend.Error{Kind: backend.KindNetwork, Endpoint: string(kind), Err: ctx.Err()}
		span.RecordError(err)
		return Result[T]{}, err
	}
	if out.Err != nil {
		span.RecordError(out.Err)
		return Result[T]{}, out.Err
	}

	res := out.Val.(Result[T])
	s.logger.Debug("Lookup served by backend",
		"kind", kind,
		"found", res.Found,
		"shared", out.Shared)
	return res, nil
}
