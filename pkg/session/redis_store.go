package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// casRetries bounds optimistic-transaction retries before surfacing
// ErrConflict.
const casRetries = 5

// RedisStore implements Store using Redis. It is the live tier for
// multi-node deployments; conditional updates use WATCH-based optimistic
// transactions so racing mutations on one session serialize.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "quotient:").
	Prefix string
	// SessionTTL is the record expiry duration (0 = never expire;
	// sessions are retained indefinitely for audit by default).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "quotient:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "quotient:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (r *RedisStore) sessionKey(sessionID string) string {
	return r.prefix + "session:" + sessionID
}

func (r *RedisStore) sessionIndexKey() string {
	return r.prefix + "sessions"
}

func (r *RedisStore) quoteKey(quoteID string) string {
	return r.prefix + "quote:" + quoteID
}

func (r *RedisStore) sessionQuotesKey(sessionID string) string {
	return r.prefix + "session-quotes:" + sessionID
}

func (r *RedisStore) idemKey(sessionID, vendorID, key string) string {
	return r.prefix + "idem:" + sessionID + "/" + vendorID + "/" + key
}

func (r *RedisStore) guard() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

func wrapStoreErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// SaveSession creates session state.
func (r *RedisStore) SaveSession(ctx context.Context, s *Session) error {
	if err := r.guard(); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.sessionKey(s.ID), data, r.ttl).Result()
	if err != nil {
		return wrapStoreErr("save session", err)
	}
	if !created {
		return fmt.Errorf("session %s already exists", s.ID)
	}

	if err := r.client.ZAdd(ctx, r.sessionIndexKey(), redis.Z{
		Score:  float64(s.CreatedAt.UnixNano()),
		Member: s.ID,
	}).Err(); err != nil {
		return wrapStoreErr("index session", err)
	}
	return nil
}

// LoadSession retrieves a session by ID.
func (r *RedisStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, wrapStoreErr("get session", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// UpdateSession applies mutate inside a WATCH transaction. If another
// writer touches the session key mid-flight the transaction retries, up to
// casRetries, then reports ErrConflict.
func (r *RedisStore) UpdateSession(ctx context.Context, sessionID string, mutate func(*Session) error) (*Session, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}

	key := r.sessionKey(sessionID)
	var updated *Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return wrapStoreErr("get session", err)
		}

		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if err := mutate(&s); err != nil {
			return err
		}

		next, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &s
		return nil
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrConflict
}

// ListSessions returns sessions matching the filter, newest first.
// Filtering happens client-side over the creation-time index; listings are
// an operator surface, not a hot path.
func (r *RedisStore) ListSessions(ctx context.Context, filter ListFilter) ([]*Session, int, error) {
	if err := r.guard(); err != nil {
		return nil, 0, err
	}

	ids, err := r.client.ZRevRange(ctx, r.sessionIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, wrapStoreErr("list sessions", err)
	}

	matched := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Expired record; drop the stale index entry.
				r.client.ZRem(ctx, r.sessionIndexKey(), id)
				continue
			}
			return nil, 0, err
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.FlowType != "" && s.FlowType != filter.FlowType {
			continue
		}
		if filter.AgentType != "" && s.AgentType != filter.AgentType {
			continue
		}
		matched = append(matched, s)
	}

	total := len(matched)
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

// SaveQuote stores a new quote, claiming the idempotency index first so a
// vendor's retried delivery cannot double-write.
func (r *RedisStore) SaveQuote(ctx context.Context, q *Quote) error {
	if err := r.guard(); err != nil {
		return err
	}

	if q.IdempotencyKey != "" {
		claimed, err := r.client.SetNX(ctx, r.idemKey(q.SessionID, q.VendorID, q.IdempotencyKey), q.ID, r.ttl).Result()
		if err != nil {
			return wrapStoreErr("claim idempotency key", err)
		}
		if !claimed {
			return ErrDuplicateQuote
		}
	}

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.quoteKey(q.ID), data, r.ttl)
	pipe.SAdd(ctx, r.sessionQuotesKey(q.SessionID), q.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStoreErr("save quote", err)
	}
	return nil
}

// LoadQuote retrieves a quote by ID.
func (r *RedisStore) LoadQuote(ctx context.Context, quoteID string) (*Quote, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.quoteKey(quoteID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQuoteNotFound
		}
		return nil, wrapStoreErr("get quote", err)
	}

	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("unmarshal quote: %w", err)
	}
	return &q, nil
}

// UpdateQuote applies mutate inside a WATCH transaction, as UpdateSession.
func (r *RedisStore) UpdateQuote(ctx context.Context, quoteID string, mutate func(*Quote) error) (*Quote, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}

	key := r.quoteKey(quoteID)
	var updated *Quote

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrQuoteNotFound
			}
			return wrapStoreErr("get quote", err)
		}

		var q Quote
		if err := json.Unmarshal(data, &q); err != nil {
			return fmt.Errorf("unmarshal quote: %w", err)
		}
		if err := mutate(&q); err != nil {
			return err
		}

		next, err := json.Marshal(&q)
		if err != nil {
			return fmt.Errorf("marshal quote: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &q
		return nil
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrConflict
}

// ListQuotes returns all quotes for a session.
func (r *RedisStore) ListQuotes(ctx context.Context, sessionID string) ([]*Quote, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, r.sessionQuotesKey(sessionID)).Result()
	if err != nil {
		return nil, wrapStoreErr("list quotes", err)
	}

	quotes := make([]*Quote, 0, len(ids))
	for _, id := range ids {
		q, err := r.LoadQuote(ctx, id)
		if err != nil {
			if errors.Is(err, ErrQuoteNotFound) {
				r.client.SRem(ctx, r.sessionQuotesKey(sessionID), id)
				continue
			}
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// FindQuoteByKey locates a previously ingested quote by idempotency key.
func (r *RedisStore) FindQuoteByKey(ctx context.Context, sessionID, vendorID, idempotencyKey string) (*Quote, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}

	id, err := r.client.Get(ctx, r.idemKey(sessionID, vendorID, idempotencyKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQuoteNotFound
		}
		return nil, wrapStoreErr("find quote", err)
	}
	return r.LoadQuote(ctx, id)
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close releases resources held by the store.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
