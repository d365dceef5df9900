package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory Store with the same atomic check-and-create
// semantics as the Redis script.
type memStore struct {
	mu      sync.Mutex
	records map[string]memRecord
}

type memRecord struct {
	value     string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]memRecord)}
}

func (s *memStore) CheckAndLock(_ context.Context, key string, processingTTL time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && time.Now().Before(rec.expiresAt) {
		if rec.value == processingMarker {
			return Result{State: StateProcessing}, nil
		}
		return Result{State: StateCompleted, CachedValue: rec.value}, nil
	}
	s.records[key] = memRecord{value: processingMarker, expiresAt: time.Now().Add(processingTTL)}
	return Result{State: StateNew}, nil
}

func (s *memStore) MarkComplete(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memRecord{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func newTestGate() (*Gate, *memStore) {
	store := newMemStore()
	return NewGate(store, 300*time.Second, 24*time.Hour, zap.NewNop()), store
}

func TestCheckAndLockFirstCallerWins(t *testing.T) {
	gate, _ := newTestGate()
	ctx := context.Background()

	res, err := gate.CheckAndLock(ctx, "TransactionService:ExecuteP2P:key-1")
	require.NoError(t, err)
	assert.Equal(t, StateNew, res.State)

	res, err = gate.CheckAndLock(ctx, "TransactionService:ExecuteP2P:key-1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, res.State)
}

func TestConcurrentCheckAndLockExactlyOneNew(t *testing.T) {
	gate, _ := newTestGate()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	newCount, processingCount := 0, 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := gate.CheckAndLock(ctx, "shared-key")
			if err != nil {
				t.Errorf("check failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch res.State {
			case StateNew:
				newCount++
			case StateProcessing:
				processingCount++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, newCount, "exactly one caller must win NEW")
	assert.Equal(t, n-1, processingCount)
}

func TestMarkCompleteCachesResult(t *testing.T) {
	gate, _ := newTestGate()
	ctx := context.Background()

	res, err := gate.CheckAndLock(ctx, "key-2")
	require.NoError(t, err)
	require.Equal(t, StateNew, res.State)

	require.NoError(t, gate.MarkComplete(ctx, "key-2", map[string]string{"card_id": "abc"}))

	res, err = gate.CheckAndLock(ctx, "key-2")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.JSONEq(t, `{"card_id":"abc"}`, res.CachedValue)
}

func TestReleaseReturnsKeyToNew(t *testing.T) {
	gate, _ := newTestGate()
	ctx := context.Background()

	res, err := gate.CheckAndLock(ctx, "key-3")
	require.NoError(t, err)
	require.Equal(t, StateNew, res.State)

	require.NoError(t, gate.Release(ctx, "key-3"))

	res, err = gate.CheckAndLock(ctx, "key-3")
	require.NoError(t, err)
	assert.Equal(t, StateNew, res.State, "released key must behave as new")
}

func TestStaleProcessingRecordExpires(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, 10*time.Millisecond, 24*time.Hour, zap.NewNop())
	ctx := context.Background()

	res, err := gate.CheckAndLock(ctx, "key-4")
	require.NoError(t, err)
	require.Equal(t, StateNew, res.State)

	time.Sleep(20 * time.Millisecond)

	res, err = gate.CheckAndLock(ctx, "key-4")
	require.NoError(t, err)
	assert.Equal(t, StateNew, res.State, "expired processing record is abandonable")
}

func TestTTLSecondsClampsToOne(t *testing.T) {
	assert.Equal(t, 1, ttlSeconds(0))
	assert.Equal(t, 1, ttlSeconds(500*time.Millisecond))
	assert.Equal(t, 1, ttlSeconds(1500*time.Millisecond))
	assert.Equal(t, 300, ttlSeconds(300*time.Second))
}
