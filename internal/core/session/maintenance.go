package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PocketPalCo/support-bot/internal/infra/kvstore"
)

// Stats is a point-in-time view of session usage.
type Stats struct {
	TotalSessions         int     `json:"total_sessions"`
	AuthenticatedSessions int     `json:"authenticated_sessions"`
	CachedSessions        int     `json:"cached_sessions"`
	CacheHitRate          float64 `json:"cache_hit_rate"`
	TotalRequests         int64   `json:"total_requests"`
	SessionsCreated       int64   `json:"sessions_created"`
}

// Stats counts live sessions in the remote store and combines them with the
// process-local counters.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	ctx, span := tracer.Start(ctx, "session.Stats")
	defer span.End()

	now := m.now()
	stats := Stats{
		CachedSessions: m.local.len(),
		TotalRequests:  m.totalRequests.Load(),
	}

	hits, misses := m.hits.Load(), m.misses.Load()
	if total := hits + misses; total > 0 {
		stats.CacheHitRate = float64(hits) / float64(total)
	}

	err := m.scanRecords(ctx, func(_ string, rec *Record) error {
		if rec.IsExpired(now) {
			return nil
		}
		stats.TotalSessions++
		if rec.IsAuthenticated {
			stats.AuthenticatedSessions++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("session stats: %w", err)
	}

	if data, found, err := m.store.Get(ctx, sessionsCreatedKey); err == nil && found {
		stats.SessionsCreated, _ = strconv.ParseInt(string(data), 10, 64)
	}

	return stats, nil
}

// CleanupExpired deletes expired sessions from the remote store in batches
// and returns how many were removed. Malformed payloads are logged and left.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "session.CleanupExpired")
	defer span.End()

	now := m.now()
	deleted := 0

	err := m.store.Scan(ctx, kvstore.Prefix(kvstore.NamespaceSession), m.cfg.ScanBatch, func(keys []string) error {
		var expired []string
		var identities []*Record

		err := m.decodeBatch(ctx, keys, func(key string, rec *Record) error {
			if !rec.IsExpired(now) {
				return nil
			}
			expired = append(expired, key)
			if rec.NationalID != "" {
				identities = append(identities, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		n, err := m.store.Delete(ctx, expired...)
		if err != nil {
			return err
		}
		deleted += int(n)

		for _, rec := range identities {
			m.expire(ctx, rec)
		}
		return nil
	})

	if deleted > 0 {
		m.metrics.SessionsExpired.Add(ctx, int64(deleted))
	}
	if err != nil {
		return deleted, fmt.Errorf("cleanup expired sessions: %w", err)
	}

	m.logger.Info("Expired sessions cleaned", "deleted", deleted)
	return deleted, nil
}

// TrimLocal drops expired entries from the in-process cache.
func (m *Manager) TrimLocal() int {
	n := m.local.trim(m.now())
	if n > 0 {
		m.metrics.SessionsEvicted.Add(context.Background(), int64(n))
		m.logger.Debug("Trimmed local session cache", "removed", n, "remaining", m.local.len())
	}
	return n
}

// ActiveChatIDs lists chats with a live session in the remote store.
func (m *Manager) ActiveChatIDs(ctx context.Context) ([]int64, error) {
	now := m.now()
	var ids []int64

	err := m.scanRecords(ctx, func(_ string, rec *Record) error {
		if !rec.IsExpired(now) {
			ids = append(ids, rec.ChatID)
		}
		return nil
	})
	if err != nil {
		return ids, fmt.Errorf("list active chats: %w", err)
	}
	return ids, nil
}

func (m *Manager) scanRecords(ctx context.Context, fn func(key string, rec *Record) error) error {
	return m.store.Scan(ctx, kvstore.Prefix(kvstore.NamespaceSession), m.cfg.ScanBatch, func(keys []string) error {
		return m.decodeBatch(ctx, keys, fn)
	})
}

func (m *Manager) decodeBatch(ctx context.Context, keys []string, fn func(key string, rec *Record) error) error {
	values, err := m.store.GetMany(ctx, keys)
	if err != nil {
		return err
	}

	for i, key := range keys {
		if i >= len(values) || values[i] == nil {
			continue
		}
		rec, err := DecodeRecord(values[i])
		if err != nil {
			m.logger.Warn("Skipping malformed session payload",
				"key", key,
				"chat", strings.TrimPrefix(key, kvstore.Prefix(kvstore.NamespaceSession)),
				"error", err)
			continue
		}
		if err := fn(key, rec); err != nil {
			return err
		}
	}
	return nil
}
