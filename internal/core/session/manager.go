package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/internal/infra/kvstore"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("session")

var sessionsCreatedKey = kvstore.Key(kvstore.NamespaceStats, "sessions_created")

// Manager owns the session lifecycle across the local and remote tiers.
//
// Every operation on a chat runs under that chat's lock. WithSession passes
// the held record through its context, so manager calls made inside the
// callback for the same chat reuse it instead of deadlocking.
type Manager struct {
	store   kvstore.Store
	local   *localCache
	locks   *chatLocks
	cfg     config.SessionConfig
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.BusinessMetrics

	hits          atomic.Int64
	misses        atomic.Int64
	totalRequests atomic.Int64
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(metrics *telemetry.BusinessMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func NewManager(store kvstore.Store, cfg config.SessionConfig, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = 100
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}

	m := &Manager{
		store:   store,
		local:   newLocalCache(cfg.LocalCacheMax, cfg.EvictFraction),
		locks:   newChatLocks(),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "session_manager"),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type scopeKey struct{}

type scope struct {
	chatID  int64
	rec     *Record
	cleared bool
}

func scopeFrom(ctx context.Context, chatID int64) *scope {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok || s.chatID != chatID {
		return nil
	}
	return s
}

func sessionKey(chatID int64) string {
	return kvstore.Key(kvstore.NamespaceSession, strconv.FormatInt(chatID, 10))
}

func authIndexKey(nationalID string) string {
	return kvstore.Key(kvstore.NamespaceAuthIndex, nationalID)
}

func (m *Manager) ttlFor(rec *Record) time.Duration {
	if rec.IsAuthenticated {
		return m.cfg.AuthenticatedTTL
	}
	return m.cfg.DefaultTTL
}

// GetOrCreate returns the chat's session, creating and persisting a fresh
// idle record when none exists or the stored one expired. The result is a
// snapshot; mutate sessions through WithSession.
func (m *Manager) GetOrCreate(ctx context.Context, chatID int64) (*Record, error) {
	if s := scopeFrom(ctx, chatID); s != nil {
		return s.rec, nil
	}

	unlock, err := m.lock(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.load(ctx, chatID, true)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Peek returns a snapshot of the chat's live session without creating,
// persisting or counting anything. found is false when no unexpired record
// exists in either tier.
func (m *Manager) Peek(ctx context.Context, chatID int64) (rec *Record, found bool, err error) {
	if s := scopeFrom(ctx, chatID); s != nil {
		return s.rec.Clone(), true, nil
	}

	unlock, err := m.lock(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	now := m.now()
	if local, expired := m.local.get(chatID, now); local != nil && !expired {
		return local, true, nil
	}

	data, found, err := m.store.Get(ctx, sessionKey(chatID))
	if err != nil {
		return nil, false, fmt.Errorf("peek session %d: %w", chatID, err)
	}
	if !found {
		return nil, false, nil
	}
	stored, err := DecodeRecord(data)
	if err != nil || stored.IsExpired(now) {
		return nil, false, nil
	}
	return stored, true, nil
}

// WithSession runs fn with exclusive access to the chat's session and saves
// the record afterwards, also when fn fails or panics. Save failures are
// logged; the in-process copy stays authoritative until the next write.
func (m *Manager) WithSession(ctx context.Context, chatID int64, fn func(ctx context.Context, rec *Record) error) error {
	_, err := m.withScope(ctx, chatID, fn)
	return err
}

func (m *Manager) withScope(ctx context.Context, chatID int64, fn func(ctx context.Context, rec *Record) error) (out *Record, err error) {
	if s := scopeFrom(ctx, chatID); s != nil {
		return s.rec, fn(ctx, s.rec)
	}

	unlock, err := m.lock(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.load(ctx, chatID, false)
	if err != nil {
		return nil, err
	}

	s := &scope{chatID: chatID, rec: rec}
	scoped := context.WithValue(ctx, scopeKey{}, s)

	defer func() {
		r := recover()
		if !s.cleared {
			// The caller's context may already be done; partial progress is still written.
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SaveTimeout)
			_ = m.persist(saveCtx, rec)
			cancel()
			out = rec.Clone()
		}
		if r != nil {
			m.logger.Error("Panic inside session scope, state persisted",
				"chat_id", chatID,
				"state", rec.State,
				"panic", r)
			panic(r)
		}
	}()

	return nil, fn(scoped, rec)
}

// Save persists rec. Inside WithSession for the same chat the write is
// deferred to scope exit.
func (m *Manager) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ChatID == 0 {
		return ErrInvalidChatID
	}
	if s := scopeFrom(ctx, rec.ChatID); s != nil {
		if s.rec != rec {
			*s.rec = *rec.Clone()
		}
		return nil
	}

	unlock, err := m.lock(ctx, rec.ChatID)
	if err != nil {
		return err
	}
	defer unlock()

	return m.persist(ctx, rec)
}

// UpdateState moves the chat to state and merges temp into its temp data.
func (m *Manager) UpdateState(ctx context.Context, chatID int64, state State, temp map[string]any) (*Record, error) {
	return m.withScope(ctx, chatID, func(_ context.Context, rec *Record) error {
		rec.SetState(state)
		for k, v := range temp {
			rec.SetTemp(k, v)
		}
		return nil
	})
}

// Authenticate attaches a verified identity to the chat, moves it to
// StateAuthenticated and points the authentication index at it. Repeating
// the call with the same identity overwrites the same index entry.
func (m *Manager) Authenticate(ctx context.Context, chatID int64, id Identity) (*Record, error) {
	if id.NationalID == "" {
		return nil, ErrInvalidIdentity
	}

	ctx, span := tracer.Start(ctx, "session.Authenticate", trace.WithAttributes(attribute.Int64("chat_id", chatID)))
	defer span.End()

	rec, err := m.withScope(ctx, chatID, func(ctx context.Context, rec *Record) error {
		if rec.IsAuthenticated && rec.NationalID != id.NationalID {
			if err := m.dropAuthIndex(ctx, rec.NationalID, chatID); err != nil {
				m.logger.Warn("Failed to drop previous authentication index entry",
					"chat_id", chatID,
					"error", err)
			}
		}

		value := []byte(strconv.FormatInt(chatID, 10))
		if err := m.store.SetWithExpiry(ctx, authIndexKey(id.NationalID), value, m.cfg.AuthenticatedTTL); err != nil {
			return fmt.Errorf("failed to write authentication index: %w", err)
		}

		rec.applyIdentity(id)
		rec.ExpiresAt = m.now().Add(m.cfg.AuthenticatedTTL)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authenticate failed")
		return nil, err
	}

	telemetry.Inc(ctx, m.metrics.AuthenticationsTotal)
	m.logger.Info("Session authenticated", "chat_id", chatID)
	return rec, nil
}

// Logout clears identity and temp data, returns the chat to StateIdle and
// removes its authentication index entry. The record itself is kept.
func (m *Manager) Logout(ctx context.Context, chatID int64) (*Record, error) {
	var indexErr error
	rec, err := m.withScope(ctx, chatID, func(ctx context.Context, rec *Record) error {
		if rec.NationalID != "" {
			indexErr = m.dropAuthIndex(ctx, rec.NationalID, chatID)
		}
		rec.clearIdentity()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if indexErr != nil {
		m.logger.Error("Failed to remove authentication index on logout",
			"chat_id", chatID,
			"error", indexErr)
		return rec, fmt.Errorf("logout: %w", indexErr)
	}

	telemetry.Inc(ctx, m.metrics.LogoutsTotal)
	m.logger.Info("Session logged out", "chat_id", chatID)
	return rec, nil
}

// Clear removes the chat's session from both tiers along with its
// authentication index entry.
func (m *Manager) Clear(ctx context.Context, chatID int64) error {
	if s := scopeFrom(ctx, chatID); s != nil {
		s.cleared = true
		return m.clear(ctx, chatID, s.rec)
	}

	unlock, err := m.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, _ := m.local.get(chatID, m.now())
	if rec == nil {
		if data, found, err := m.store.Get(ctx, sessionKey(chatID)); err == nil && found {
			rec, _ = DecodeRecord(data)
		}
	}
	return m.clear(ctx, chatID, rec)
}

func (m *Manager) clear(ctx context.Context, chatID int64, rec *Record) error {
	m.local.remove(chatID)

	var errs []error
	if rec != nil && rec.NationalID != "" {
		if err := m.dropAuthIndex(ctx, rec.NationalID, chatID); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := m.store.Delete(ctx, sessionKey(chatID)); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("Session cleared locally, remote cleanup failed",
			"chat_id", chatID,
			"error", err)
		return fmt.Errorf("clear session %d: %w", chatID, err)
	}

	m.logger.Info("Session cleared", "chat_id", chatID)
	return nil
}

// IsRateLimited compares the chat's request count with the hourly ceiling.
// Crossing it moves the session to StateRateLimited until the cooldown ends.
func (m *Manager) IsRateLimited(ctx context.Context, chatID int64) (bool, error) {
	check := func(rec *Record) bool {
		if rec.State == StateRateLimited {
			return true
		}
		if m.cfg.MaxRequestsPerHour <= 0 || rec.RequestCount <= int64(m.cfg.MaxRequestsPerHour) {
			return false
		}
		rec.markRateLimited(m.now().Add(m.cfg.RateLimitCooldown))
		telemetry.Inc(ctx, m.metrics.RateLimitedTotal)
		m.logger.Warn("Chat rate limited",
			"chat_id", chatID,
			"request_count", rec.RequestCount,
			"limit", m.cfg.MaxRequestsPerHour)
		return true
	}

	if s := scopeFrom(ctx, chatID); s != nil {
		return check(s.rec), nil
	}

	unlock, err := m.lock(ctx, chatID)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := m.load(ctx, chatID, true)
	if err != nil {
		return false, err
	}

	wasLimited := rec.State == StateRateLimited
	limited := check(rec)
	if limited && !wasLimited {
		// persist logs its own failures and keeps the local copy limited.
		_ = m.persist(ctx, rec)
	}
	return limited, nil
}

// RateLimitRemaining is the time left before a rate limited chat is released.
func (m *Manager) RateLimitRemaining(rec *Record) time.Duration {
	until, ok := rec.RateLimitedUntil()
	if !ok || rec.State != StateRateLimited {
		return 0
	}
	if d := until.Sub(m.now()); d > 0 {
		return d
	}
	return 0
}

// LookupChat resolves a national id to the chat authenticated with it.
func (m *Manager) LookupChat(ctx context.Context, nationalID string) (int64, bool, error) {
	data, found, err := m.store.Get(ctx, authIndexKey(nationalID))
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}

	chatID, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		m.logger.Warn("Malformed authentication index entry",
			"national_id_suffix", suffix(nationalID),
			"error", err)
		return 0, false, nil
	}
	return chatID, true, nil
}

func (m *Manager) lock(ctx context.Context, chatID int64) (func(), error) {
	if chatID == 0 {
		return nil, ErrInvalidChatID
	}
	return m.locks.acquire(ctx, chatID)
}

// load resolves the session for chatID. Callers hold the chat lock.
// persistNew controls whether a freshly created record is written right away;
// scoped callers skip it because scope exit saves anyway.
func (m *Manager) load(ctx context.Context, chatID int64, persistNew bool) (*Record, error) {
	ctx, span := tracer.Start(ctx, "session.load", trace.WithAttributes(attribute.Int64("chat_id", chatID)))
	defer span.End()

	now := m.now()

	rec, expired := m.local.get(chatID, now)
	switch {
	case rec != nil && !expired:
		m.hits.Add(1)
		telemetry.Inc(ctx, m.metrics.SessionCacheHits, attribute.String("tier", "local"))
		return m.release(rec, now), nil
	case expired:
		m.expire(ctx, rec)
	}
	telemetry.Inc(ctx, m.metrics.SessionCacheMisses, attribute.String("tier", "local"))

	data, found, err := m.store.Get(ctx, sessionKey(chatID))
	if err != nil {
		m.misses.Add(1)
		span.RecordError(err)
		if errors.Is(err, kvstore.ErrStoreUnavailable) {
			m.logger.Error("Session store unavailable",
				"chat_id", chatID,
				"error", err)
			return nil, fmt.Errorf("load session %d: %w", chatID, err)
		}
		m.logger.Warn("Session read failed, starting fresh",
			"chat_id", chatID,
			"error", err)
		found = false
	}

	if found {
		stored, err := DecodeRecord(data)
		switch {
		case err != nil:
			m.logger.Warn("Discarding malformed session payload",
				"chat_id", chatID,
				"error", err)
		case stored.IsExpired(now):
			m.expire(ctx, stored)
		default:
			m.hits.Add(1)
			telemetry.Inc(ctx, m.metrics.SessionCacheHits, attribute.String("tier", "remote"))
			stored = m.release(stored, now)
			m.local.put(stored)
			return stored, nil
		}
	}

	m.misses.Add(1)
	telemetry.Inc(ctx, m.metrics.SessionCacheMisses, attribute.String("tier", "remote"))

	fresh := NewRecord(chatID, now, m.cfg.DefaultTTL)
	if persistNew {
		if err := m.persist(ctx, fresh); err != nil && errors.Is(err, kvstore.ErrStoreUnavailable) {
			m.local.remove(chatID)
			return nil, fmt.Errorf("create session %d: %w", chatID, err)
		}
	}
	m.countCreated(ctx, chatID)
	return fresh, nil
}

// release lifts an elapsed rate limit. The request counter restarts so the
// chat is not limited again on its next message. Authenticated chats go back
// to StateAuthenticated rather than StateIdle so they keep their login menu;
// anonymous chats return to StateIdle.
func (m *Manager) release(rec *Record, now time.Time) *Record {
	if rec.State != StateRateLimited {
		return rec
	}
	until, ok := rec.RateLimitedUntil()
	if ok && now.Before(until) {
		return rec
	}
	rec.DeleteTemp(tempRateLimitedUntil)
	rec.State = StateIdle
	if rec.IsAuthenticated {
		rec.State = StateAuthenticated
	}
	rec.RequestCount = 0
	m.logger.Info("Rate limit lifted", "chat_id", rec.ChatID)
	return rec
}

// expire drops an expired record's authentication index entry. The session
// key itself is left to its TTL and the maintenance sweep.
func (m *Manager) expire(ctx context.Context, rec *Record) {
	if rec == nil || rec.NationalID == "" {
		return
	}
	if err := m.dropAuthIndex(ctx, rec.NationalID, rec.ChatID); err != nil {
		m.logger.Warn("Failed to drop authentication index for expired session",
			"chat_id", rec.ChatID,
			"error", err)
	}
}

func (m *Manager) countCreated(ctx context.Context, chatID int64) {
	telemetry.Inc(ctx, m.metrics.SessionsCreated)
	if _, err := m.store.Increment(ctx, sessionsCreatedKey); err != nil {
		m.logger.Debug("Failed to bump sessions created counter",
			"chat_id", chatID,
			"error", err)
	}
}

// persist refreshes activity and expiry, updates the local tier and writes
// the record to the remote store.
func (m *Manager) persist(ctx context.Context, rec *Record) error {
	ctx, span := tracer.Start(ctx, "session.save", trace.WithAttributes(attribute.Int64("chat_id", rec.ChatID)))
	defer span.End()

	if rec.IsAuthenticated && rec.NationalID == "" {
		m.logger.Warn("Authenticated session without national id, resetting identity", "chat_id", rec.ChatID)
		rec.clearIdentity()
	}

	now := m.now()
	ttl := m.ttlFor(rec)
	rec.LastActivity = now
	rec.RequestCount++
	rec.ExpiresAt = now.Add(ttl)
	m.totalRequests.Add(1)

	data, err := rec.Encode()
	if err == nil {
		err = m.store.SetWithExpiry(ctx, sessionKey(rec.ChatID), data, ttl)
	}
	rec.Degraded = err != nil
	m.local.put(rec)

	if m.local.overCapacity() {
		if n := m.local.evict(now); n > 0 {
			m.metrics.SessionsEvicted.Add(ctx, int64(n))
			m.logger.Debug("Evicted local sessions", "count", n, "remaining", m.local.len())
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		telemetry.Inc(ctx, m.metrics.SessionSaveErrors)
		m.logger.Error("Failed to persist session, keeping in-process copy",
			"chat_id", rec.ChatID,
			"state", rec.State,
			"error", err)
		return fmt.Errorf("%w %d: %w", ErrSaveSession, rec.ChatID, err)
	}

	if rec.IsAuthenticated {
		if err := m.extendAuthIndex(ctx, rec.NationalID, rec.ChatID, ttl); err != nil {
			m.logger.Warn("Failed to extend authentication index ttl",
				"chat_id", rec.ChatID,
				"error", err)
		}
	}

	return nil
}

// dropAuthIndex deletes the index entry only while it still points at chatID,
// so a newer login from another chat keeps its binding.
// extendAuthIndex refreshes the index entry's ttl only while it still points
// at chatID.
func (m *Manager) extendAuthIndex(ctx context.Context, nationalID string, chatID int64, ttl time.Duration) error {
	key := authIndexKey(nationalID)

	data, found, err := m.store.Get(ctx, key)
	if err != nil || !found {
		return err
	}
	if owner, err := strconv.ParseInt(string(data), 10, 64); err != nil || owner != chatID {
		return nil
	}

	_, err = m.store.Expire(ctx, key, ttl)
	return err
}

func (m *Manager) dropAuthIndex(ctx context.Context, nationalID string, chatID int64) error {
	key := authIndexKey(nationalID)

	data, found, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if owner, err := strconv.ParseInt(string(data), 10, 64); err == nil && owner != chatID {
		return nil
	}

	_, err = m.store.Delete(ctx, key)
	return err
}

func suffix(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}
