package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis session backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "oracle".
	Prefix string
}

// RedisSessionStore keeps a capped, newest-first transcript per session
// in a Redis list. Suited to deployments where several API instances
// share sessions.
type RedisSessionStore struct {
	rdb    *redis.Client
	prefix string
	window int
	dedupe time.Duration
}

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(ctx context.Context, cfg RedisConfig, window int) (*RedisSessionStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "oracle"
	}
	if window <= 0 {
		window = 50
	}
	return &RedisSessionStore{
		rdb:    rdb,
		prefix: cfg.Prefix,
		window: window,
		dedupe: 7 * 24 * time.Hour,
	}, nil
}

func (s *RedisSessionStore) sessionKey(userID, sessionID string) string {
	return fmt.Sprintf("%s:session:%s:%s", s.prefix, userID, sessionID)
}

func (s *RedisSessionStore) turnKey(turnID string) string {
	return fmt.Sprintf("%s:session-turn:%s", s.prefix, turnID)
}

func (s *RedisSessionStore) countKey(userID string) string {
	return fmt.Sprintf("%s:session-count:%s", s.prefix, userID)
}

// Layer implements Querier.
func (s *RedisSessionStore) Layer() Layer { return LayerSession }

// Append implements SessionStore. A marker key per turn makes repeated
// appends of the same turn no-ops.
func (s *RedisSessionStore) Append(ctx context.Context, e SessionEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	fresh, err := s.rdb.SetNX(ctx, s.turnKey(e.TurnID), 1, s.dedupe).Result()
	if err != nil {
		return fmt.Errorf("append session entry: %w", err)
	}
	if !fresh {
		return nil
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal session entry: %w", err)
	}

	key := s.sessionKey(e.UserID, e.SessionID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(s.window-1))
		pipe.Incr(ctx, s.countKey(e.UserID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("append session entry: %w", err)
	}
	return nil
}

// Recent returns the session window, newest first.
func (s *RedisSessionStore) Recent(ctx context.Context, userID, sessionID string) ([]SessionEntry, error) {
	raw, err := s.rdb.LRange(ctx, s.sessionKey(userID, sessionID), 0, int64(s.window-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("query session: %w", err)
	}
	out := make([]SessionEntry, 0, len(raw))
	for _, r := range raw {
		var e SessionEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Query implements Querier.
func (s *RedisSessionStore) Query(ctx context.Context, q Query) ([]Fragment, error) {
	entries, err := s.Recent(ctx, q.UserID, q.SessionID)
	if err != nil {
		return nil, err
	}
	return sessionFragments(entries, q.Text, q.K), nil
}

// Count implements Counter. It counts every exchange ever appended,
// not only those still inside a window.
func (s *RedisSessionStore) Count(ctx context.Context, userID string) (int, error) {
	n, err := s.rdb.Get(ctx, s.countKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Ping checks if Redis is reachable.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisSessionStore) Close() error {
	return s.rdb.Close()
}
