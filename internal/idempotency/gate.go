// Package idempotency deduplicates client-identified mutating requests
// across concurrent and repeated calls. The gate is a thin state machine
// over an atomic conditional-write store: the first caller for a key wins
// NEW and must later mark the key complete or release it; everyone else
// observes PROCESSING or the cached completed result.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/metrics"
)

// State is the gate's verdict for a key.
type State string

const (
	StateNew        State = "new"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
)

// Result is the outcome of CheckAndLock. CachedValue is set only for
// StateCompleted.
type Result struct {
	State       State
	CachedValue string
}

// Store is the shared record store. CheckAndLock must be atomic: create a
// PROCESSING record if the key is absent, otherwise return the existing
// record untouched. Any store with a conditional-create primitive works.
type Store interface {
	CheckAndLock(ctx context.Context, key string, processingTTL time.Duration) (Result, error)
	MarkComplete(ctx context.Context, key, value string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

const keyPrefix = "idempotency:"

// processingMarker is the sentinel stored while a request is in flight.
// Completed records hold the serialized response instead.
const processingMarker = "PROCESSING"

// checkAndLockScript reads the record and, when absent, claims the key in
// one round trip. Two concurrent callers with the same key therefore race
// inside Redis, not in the application.
var checkAndLockScript = redis.NewScript(`
local val = redis.call('GET', KEYS[1])
if val then
  return val
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[1])
return false
`)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// ttlSeconds converts a TTL to whole seconds for the EX argument. Redis
// rejects EX 0, so anything under a second clamps to 1.
func ttlSeconds(d time.Duration) int {
	seconds := int(d / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

func (s *RedisStore) CheckAndLock(ctx context.Context, key string, processingTTL time.Duration) (Result, error) {
	val, err := checkAndLockScript.Run(ctx, s.client,
		[]string{keyPrefix + key},
		ttlSeconds(processingTTL), processingMarker,
	).Text()
	if err == redis.Nil {
		return Result{State: StateNew}, nil
	}
	if err != nil {
		return Result{}, errors.Wrap(errors.KindUnavailable, "idempotency store unavailable", err)
	}
	if val == processingMarker {
		return Result{State: StateProcessing}, nil
	}
	return Result{State: StateCompleted, CachedValue: val}, nil
}

func (s *RedisStore) MarkComplete(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return errors.Wrap(errors.KindUnavailable, "idempotency store unavailable", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return errors.Wrap(errors.KindUnavailable, "idempotency store unavailable", err)
	}
	return nil
}

// Gate wraps a Store with the TTL policy and serialization.
type Gate struct {
	store         Store
	processingTTL time.Duration
	completedTTL  time.Duration
	logger        *zap.Logger
}

// NewGate creates a gate. processingTTL bounds how long a crashed in-flight
// request can shadow retries; completedTTL is how long cached results live.
func NewGate(store Store, processingTTL, completedTTL time.Duration, logger *zap.Logger) *Gate {
	if processingTTL <= 0 {
		processingTTL = 300 * time.Second
	}
	if completedTTL <= 0 {
		completedTTL = 24 * time.Hour
	}
	return &Gate{
		store:         store,
		processingTTL: processingTTL,
		completedTTL:  completedTTL,
		logger:        logger,
	}
}

// CheckAndLock resolves the key's state, claiming it when fresh.
func (g *Gate) CheckAndLock(ctx context.Context, key string) (Result, error) {
	res, err := g.store.CheckAndLock(ctx, key, g.processingTTL)
	if err != nil {
		return Result{}, err
	}
	metrics.IdempotencyResults.WithLabelValues(string(res.State)).Inc()
	return res, nil
}

// MarkComplete caches the serialized payload under the key with the long
// TTL. Callers whose effects commit inside a database transaction must call
// this only after that transaction has committed.
func (g *Gate) MarkComplete(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error("idempotency payload serialization failed",
			zap.String("key", key), zap.Error(err))
		return errors.Wrap(errors.KindInternal, "failed to serialize idempotent result", err)
	}
	return g.store.MarkComplete(ctx, key, string(data), g.completedTTL)
}

// Release deletes the record so a retried request is treated as new again.
func (g *Gate) Release(ctx context.Context, key string) error {
	return g.store.Release(ctx, key)
}
