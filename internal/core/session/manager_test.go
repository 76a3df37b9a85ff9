package session

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/internal/infra/kvstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		DefaultTTL:         30 * time.Minute,
		AuthenticatedTTL:   60 * time.Minute,
		MaxRequestsPerHour: 100,
		RateLimitCooldown:  10 * time.Minute,
		LocalCacheMax:      50,
		EvictFraction:      0.5,
		SaveTimeout:        time.Second,
		ScanBatch:          2,
	}
}

type testEnv struct {
	mr      *miniredis.Miniredis
	store   *kvstore.RedisStore
	clock   *fakeClock
	manager *Manager
}

func newTestEnv(t *testing.T, cfg config.SessionConfig) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	store := kvstore.NewRedisStore(client)
	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testEnv{
		mr:      mr,
		store:   store,
		clock:   clock,
		manager: NewManager(store, cfg, logger, WithClock(clock.Now)),
	}
}

func (e *testEnv) stored(t *testing.T, chatID int64) *Record {
	t.Helper()
	raw, err := e.mr.Get(sessionKey(chatID))
	require.NoError(t, err)
	rec, err := DecodeRecord([]byte(raw))
	require.NoError(t, err)
	return rec
}

func TestManager_GetOrCreate_NewSession(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	rec, err := env.manager.GetOrCreate(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, int64(42), rec.ChatID)
	assert.Equal(t, StateIdle, rec.State)
	assert.False(t, rec.IsAuthenticated)
	assert.Equal(t, int64(1), rec.RequestCount)
	assert.Equal(t, env.clock.Now().Add(30*time.Minute), rec.ExpiresAt)

	assert.True(t, env.mr.Exists("bot:session:42"))
	assert.Equal(t, 30*time.Minute, env.mr.TTL("bot:session:42"))

	counter, err := env.mr.Get("bot:stats:sessions_created")
	require.NoError(t, err)
	assert.Equal(t, "1", counter)

	again, err := env.manager.GetOrCreate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, rec.CreatedAt, again.CreatedAt)
	counter, _ = env.mr.Get("bot:stats:sessions_created")
	assert.Equal(t, "1", counter, "existing session is not counted again")
}

func TestManager_InvalidChatID(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())

	_, err := env.manager.GetOrCreate(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidChatID)

	err = env.manager.Save(context.Background(), &Record{})
	assert.ErrorIs(t, err, ErrInvalidChatID)
}

func TestManager_LoadsFromRemoteTier(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	_, err := env.manager.UpdateState(ctx, 7, StateAwaitingOrderNumber, map[string]any{"attempt": 2})
	require.NoError(t, err)

	// a second process sharing the store sees the same conversation
	other := NewManager(env.store, testSessionConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(env.clock.Now))
	rec, err := other.GetOrCreate(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingOrderNumber, rec.State)
	attempt, ok := rec.TempInt("attempt")
	assert.True(t, ok)
	assert.Equal(t, int64(2), attempt)
}

func TestManager_AuthenticateAndLookup(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	_, err := env.manager.UpdateState(ctx, 5, StateAuthenticating, map[string]any{"step": "national_id"})
	require.NoError(t, err)

	rec, err := env.manager.Authenticate(ctx, 5, Identity{
		NationalID: "0012345679",
		Name:       "Sara",
		Phone:      "09121234567",
		City:       "Tehran",
		UserID:     77,
	})
	require.NoError(t, err)

	assert.Equal(t, StateAuthenticated, rec.State)
	assert.True(t, rec.IsAuthenticated)
	assert.Equal(t, "0012345679", rec.NationalID)
	assert.Equal(t, int64(77), rec.UserID)
	assert.Equal(t, env.clock.Now().Add(60*time.Minute), rec.ExpiresAt)

	assert.Equal(t, 60*time.Minute, env.mr.TTL("bot:session:5"))
	assert.Equal(t, 60*time.Minute, env.mr.TTL("bot:authindex:0012345679"))

	chatID, found, err := env.manager.LookupChat(ctx, "0012345679")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(5), chatID)

	_, found, err = env.manager.LookupChat(ctx, "9999999999")
	require.NoError(t, err)
	assert.False(t, found)

	// repeating the call keeps a single index entry
	_, err = env.manager.Authenticate(ctx, 5, Identity{NationalID: "0012345679", Name: "Sara"})
	require.NoError(t, err)
	assert.Len(t, env.mr.Keys(), 3)
}

func TestManager_AuthenticateRequiresNationalID(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())

	_, err := env.manager.Authenticate(context.Background(), 5, Identity{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	assert.False(t, env.mr.Exists("bot:session:5"))
}

func TestManager_Logout(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	_, err := env.manager.Authenticate(ctx, 5, Identity{NationalID: "0012345679", Name: "Sara"})
	require.NoError(t, err)

	rec, err := env.manager.Logout(ctx, 5)
	require.NoError(t, err)

	assert.Equal(t, StateIdle, rec.State)
	assert.False(t, rec.IsAuthenticated)
	assert.Empty(t, rec.NationalID)
	assert.Empty(t, rec.TempData)
	assert.False(t, env.mr.Exists("bot:authindex:0012345679"))
	assert.True(t, env.mr.Exists("bot:session:5"))
	assert.Equal(t, 30*time.Minute, env.mr.TTL("bot:session:5"))
}

func TestManager_LogoutKeepsNewerBinding(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()
	id := Identity{NationalID: "0012345679", Name: "Sara"}

	_, err := env.manager.Authenticate(ctx, 1, id)
	require.NoError(t, err)
	_, err = env.manager.Authenticate(ctx, 2, id)
	require.NoError(t, err)

	_, err = env.manager.Logout(ctx, 1)
	require.NoError(t, err)

	chatID, found, err := env.manager.LookupChat(ctx, id.NationalID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), chatID)
}

func TestManager_ExpiredSessionIsReplaced(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	_, err := env.manager.Authenticate(ctx, 9, Identity{NationalID: "0012345679"})
	require.NoError(t, err)
	first := env.stored(t, 9)

	env.clock.Advance(61 * time.Minute)

	rec, err := env.manager.GetOrCreate(ctx, 9)
	require.NoError(t, err)

	assert.Equal(t, StateIdle, rec.State)
	assert.False(t, rec.IsAuthenticated)
	assert.True(t, rec.CreatedAt.After(first.CreatedAt))
	assert.False(t, env.mr.Exists("bot:authindex:0012345679"))
}

func TestManager_WithSessionNestedCalls(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- env.manager.WithSession(ctx, 3, func(ctx context.Context, rec *Record) error {
			inner, err := env.manager.GetOrCreate(ctx, 3)
			if err != nil {
				return err
			}
			if inner != rec {
				t.Error("nested GetOrCreate returned a different record")
			}
			if _, err := env.manager.UpdateState(ctx, 3, StateAwaitingSerial, map[string]any{"k": "v"}); err != nil {
				return err
			}
			return env.manager.Save(ctx, rec)
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested manager calls deadlocked")
	}

	stored := env.stored(t, 3)
	assert.Equal(t, StateAwaitingSerial, stored.State)
	assert.Equal(t, "v", stored.TempString("k"))
	assert.Equal(t, int64(1), stored.RequestCount, "scope writes once on exit")
}

func TestManager_WithSessionConcurrentUpdatesAreSerialized(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, key := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.manager.WithSession(ctx, 11, func(_ context.Context, rec *Record) error {
				time.Sleep(5 * time.Millisecond)
				rec.SetTemp(key, true)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored := env.stored(t, 11)
	for _, key := range []string{"first", "second", "third"} {
		_, ok := stored.Temp(key)
		assert.True(t, ok, key)
	}
	assert.Equal(t, int64(3), stored.RequestCount)
}

func TestManager_WithSessionBusy(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())

	entered := make(chan struct{})
	releaseScope := make(chan struct{})
	go func() {
		_ = env.manager.WithSession(context.Background(), 4, func(context.Context, *Record) error {
			close(entered)
			<-releaseScope
			return nil
		})
	}()
	<-entered
	defer close(releaseScope)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := env.manager.GetOrCreate(ctx, 4)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestManager_PanicInsideScopeStillSaves(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())

	assert.PanicsWithValue(t, "handler exploded", func() {
		_ = env.manager.WithSession(context.Background(), 8, func(_ context.Context, rec *Record) error {
			rec.SetState(StateAwaitingComplaintCategory)
			panic("handler exploded")
		})
	})

	assert.Equal(t, StateAwaitingComplaintCategory, env.stored(t, 8).State)
}

func TestManager_CancelledContextStillSaves(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx, cancel := context.WithCancel(context.Background())

	err := env.manager.WithSession(ctx, 8, func(_ context.Context, rec *Record) error {
		rec.SetState(StateAwaitingOrderNumber)
		cancel()
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAwaitingOrderNumber, env.stored(t, 8).State)
}

func TestManager_ClearInsideScope(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	_, err := env.manager.Authenticate(ctx, 6, Identity{NationalID: "0012345679"})
	require.NoError(t, err)

	err = env.manager.WithSession(ctx, 6, func(ctx context.Context, _ *Record) error {
		return env.manager.Clear(ctx, 6)
	})
	require.NoError(t, err)

	assert.False(t, env.mr.Exists("bot:session:6"))
	assert.False(t, env.mr.Exists("bot:authindex:0012345679"))
}

func TestManager_Clear(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	_, err := env.manager.Authenticate(ctx, 6, Identity{NationalID: "0012345679"})
	require.NoError(t, err)

	require.NoError(t, env.manager.Clear(ctx, 6))
	assert.False(t, env.mr.Exists("bot:session:6"))
	assert.False(t, env.mr.Exists("bot:authindex:0012345679"))

	rec, err := env.manager.GetOrCreate(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, rec.State)
}

func TestManager_RateLimitCooldown(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxRequestsPerHour = 3
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	limited, err := env.manager.IsRateLimited(ctx, 12)
	require.NoError(t, err)
	assert.False(t, limited)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.manager.WithSession(ctx, 12, func(context.Context, *Record) error { return nil }))
	}

	limited, err = env.manager.IsRateLimited(ctx, 12)
	require.NoError(t, err)
	assert.True(t, limited)

	rec, err := env.manager.GetOrCreate(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, StateRateLimited, rec.State)
	assert.Equal(t, 10*time.Minute, env.manager.RateLimitRemaining(rec))
	assert.Equal(t, StateRateLimited, env.stored(t, 12).State)

	env.clock.Advance(11 * time.Minute)

	rec, err = env.manager.GetOrCreate(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, rec.State)
	assert.Zero(t, rec.RequestCount)
	assert.Zero(t, env.manager.RateLimitRemaining(rec))

	limited, err = env.manager.IsRateLimited(ctx, 12)
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestManager_StoreUnavailable(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	_, err := env.manager.GetOrCreate(ctx, 1)
	require.NoError(t, err)

	env.mr.Close()

	_, err = env.manager.GetOrCreate(ctx, 2)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// the cached chat keeps working and records the failed write
	err = env.manager.WithSession(ctx, 1, func(_ context.Context, rec *Record) error {
		rec.SetState(StateAwaitingOrderNumber)
		return nil
	})
	require.NoError(t, err)

	rec, err := env.manager.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingOrderNumber, rec.State)
	assert.True(t, rec.Degraded)

	err = env.manager.Save(ctx, rec)
	assert.ErrorIs(t, err, ErrSaveSession)
}

func TestManager_LocalCacheIsBounded(t *testing.T) {
	cfg := testSessionConfig()
	cfg.LocalCacheMax = 4
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for id := int64(1); id <= 10; id++ {
		_, err := env.manager.GetOrCreate(ctx, id)
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	assert.LessOrEqual(t, env.manager.local.len(), 4)

	// evicted chats are still served from the remote tier
	rec, err := env.manager.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.RequestCount)
}

func TestManager_StatsAndCleanup(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		_, err := env.manager.GetOrCreate(ctx, id)
		require.NoError(t, err)
	}
	_, err := env.manager.Authenticate(ctx, 3, Identity{NationalID: "0012345679"})
	require.NoError(t, err)
	require.NoError(t, env.mr.Set("bot:session:999", "garbage"))

	stats, err := env.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 1, stats.AuthenticatedSessions)
	assert.Equal(t, 3, stats.CachedSessions)
	assert.Equal(t, int64(3), stats.SessionsCreated)

	ids, err := env.manager.ActiveChatIDs(ctx)
	require.NoError(t, err)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{1, 2, 3}, ids)

	env.clock.Advance(45 * time.Minute)

	deleted, err := env.manager.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	assert.False(t, env.mr.Exists("bot:session:1"))
	assert.False(t, env.mr.Exists("bot:session:2"))
	assert.True(t, env.mr.Exists("bot:session:3"))
	assert.True(t, env.mr.Exists("bot:session:999"), "malformed payloads are left alone")

	assert.Equal(t, 2, env.manager.TrimLocal())

	stats, err = env.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 1, stats.CachedSessions)
}

func TestManager_Peek(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	_, found, err := env.manager.Peek(ctx, 42)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, env.mr.Keys(), "peeking never creates a session or bumps counters")

	_, err = env.manager.GetOrCreate(ctx, 42)
	require.NoError(t, err)

	rec, found, err := env.manager.Peek(ctx, 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateIdle, rec.State)
	assert.Equal(t, int64(1), rec.RequestCount)
	assert.Equal(t, int64(1), env.stored(t, 42).RequestCount)

	// a manager with a cold local tier reads the remote record
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cold := NewManager(env.store, testSessionConfig(), logger, WithClock(env.clock.Now))
	rec, found, err = cold.Peek(ctx, 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), rec.ChatID)

	env.clock.Advance(31 * time.Minute)
	_, found, err = cold.Peek(ctx, 42)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = env.manager.Peek(ctx, 42)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_PeekStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	env.mr.Close()

	_, _, err := env.manager.Peek(context.Background(), 42)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestManager_RateLimitReleaseKeepsLogin(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxRequestsPerHour = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	_, err := env.manager.Authenticate(ctx, 12, Identity{NationalID: "0012345679", Name: "Sara"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, env.manager.WithSession(ctx, 12, func(context.Context, *Record) error { return nil }))
	}

	limited, err := env.manager.IsRateLimited(ctx, 12)
	require.NoError(t, err)
	require.True(t, limited)

	env.clock.Advance(11 * time.Minute)

	rec, err := env.manager.GetOrCreate(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, rec.State)
	assert.True(t, rec.IsAuthenticated)
	assert.Equal(t, "0012345679", rec.NationalID)
}

func TestManager_SaveDoesNotExtendForeignBinding(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()
	id := Identity{NationalID: "0012345679", Name: "Sara"}

	_, err := env.manager.Authenticate(ctx, 1, id)
	require.NoError(t, err)
	_, err = env.manager.Authenticate(ctx, 2, id)
	require.NoError(t, err)

	key := authIndexKey(id.NationalID)
	env.mr.SetTTL(key, 5*time.Minute)

	// chat 1 still carries the identity but no longer owns the index entry
	require.NoError(t, env.manager.WithSession(ctx, 1, func(context.Context, *Record) error { return nil }))
	assert.Equal(t, 5*time.Minute, env.mr.TTL(key))

	require.NoError(t, env.manager.WithSession(ctx, 2, func(context.Context, *Record) error { return nil }))
	assert.Equal(t, 60*time.Minute, env.mr.TTL(key))

	chatID, found, err := env.manager.LookupChat(ctx, id.NationalID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), chatID)
}
