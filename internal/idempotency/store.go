// Package idempotency deduplicates save requests. A designer that retries a
// save with the same idempotency key and the same body gets the stored
// result back instead of a second round of backend writes.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/formsync/model"
)

// Store caches save results by idempotency key.
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (result *model.SaveResult, found bool, err error)

	// Reserve claims key for a save in progress. It reports false when the
	// key already holds a reservation or a result. A reservation expires
	// after ttl unless Put replaces it first.
	Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (bool, error)
	// Release drops the reservation of a save that produced no result.
	Release(ctx context.Context, key string) error
	// Put saves a result under key for ttl, replacing any reservation.
	Put(ctx context.Context, key, inputHash string, result model.SaveResult, ttl time.Duration) error

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string           `json:"input_hash"`
	Pending   bool             `json:"pending,omitempty"`
	Result    model.SaveResult `json:"result"`
}

// ReservationTTL bounds how long a crashed save can hold its key. It is
// longer than the default handler timeout.
const ReservationTTL = 2 * time.Minute

// Key builds the storage key of an idempotency key. Keys are scoped to the
// subject so two designers cannot collide.
func Key(subjectID, key string) string {
	return fmt.Sprintf("formsync:idem:%s:%s", subjectID, key)
}

// HashInput returns a stable digest of a request body.
func HashInput(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("idempotency: hash input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different form state", key))
}

func inProgress(key string) error {
	return model.NewConflictError(fmt.Sprintf("a save with idempotency key %q is in progress", key))
}

// lookup applies the hash and reservation rules to a stored entry.
func lookup(key, inputHash string, e entry) (*model.SaveResult, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	if e.Pending {
		return nil, true, inProgress(key)
	}
	result := e.Result
	return &result, true, nil
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support, for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached result. Expired entries are dropped.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*model.SaveResult, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return lookup(key, inputHash, e.data)
}

// Reserve claims key unless a live entry holds it.
func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.entries[key]; exists && !s.now().After(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: s.now().Add(ttl),
	}
	return true, nil
}

// Release drops key if it still holds a reservation.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.entries[key]; exists && e.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// Put saves a result with TTL.
func (s *MemoryStore) Put(_ context.Context, key, inputHash string, result model.SaveResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Expiry is delegated to Redis.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a store on top of client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*model.SaveResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode entry %q: %w", key, err)
	}
	return lookup(key, inputHash, e)
}

// Reserve claims key with SET NX, so exactly one of several concurrent
// requests wins.
func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("idempotency: encode reservation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes the reservation. Only the request holding it calls
// Release, and only before Put.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("idempotency: redis del %q: %w", key, err)
	}
	return nil
}

// Put saves a result in Redis with TTL.
func (s *RedisStore) Put(ctx context.Context, key, inputHash string, result model.SaveResult, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("idempotency: encode entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("idempotency: redis ping: %w", err)
	}
	return nil
}
