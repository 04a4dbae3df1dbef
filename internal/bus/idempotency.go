package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
)

// DefaultIdempotencyTTL keeps dedup records for seven days; it must
// outlive max_attempts x visibility_timeout x the backoff ceiling.
const DefaultIdempotencyTTL = 7 * 24 * time.Hour

// IdempotencyStore tracks which (group, event_id) pairs have completed.
// Mark is first-write-wins: a record, once written, is never overwritten
// by a different digest.
type IdempotencyStore interface {
	Seen(ctx context.Context, group, eventID string) (bool, error)
	Mark(ctx context.Context, group, eventID, digest string, ttl time.Duration) error
}

// AttemptStore counts deliveries per (group, event_id). The count lives
// outside the log because pending-entry metadata does not survive claims.
type AttemptStore interface {
	Next(ctx context.Context, group, eventID string, ttl time.Duration) (int, error)
}

// MemoryIdempotency is the in-process store used by tests and single-node
// setups.
type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]memIdemEntry
	clock   func() time.Time
}

type memIdemEntry struct {
	digest    string
	expiresAt time.Time
}

// NewMemoryIdempotency creates an empty store.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{
		entries: make(map[string]memIdemEntry),
		clock:   time.Now,
	}
}

func idemKey(group, eventID string) string {
	return group + ":" + eventID
}

// Seen implements IdempotencyStore.
func (s *MemoryIdempotency) Seen(_ context.Context, group, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[idemKey(group, eventID)]
	if !ok {
		return false, nil
	}
	if s.clock().After(e.expiresAt) {
		delete(s.entries, idemKey(group, eventID))
		return false, nil
	}
	return true, nil
}

// Mark implements IdempotencyStore.
func (s *MemoryIdempotency) Mark(_ context.Context, group, eventID, digest string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idemKey(group, eventID)
	if _, ok := s.entries[key]; ok {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s.entries[key] = memIdemEntry{digest: digest, expiresAt: s.clock().Add(ttl)}
	return nil
}

// Digest returns the stored effect fingerprint. Test helper.
func (s *MemoryIdempotency) Digest(group, eventID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[idemKey(group, eventID)]
	return e.digest, ok
}

// MemoryAttempts is the in-process attempt counter.
type MemoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryAttempts creates an empty counter.
func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{counts: make(map[string]int)}
}

// Next implements AttemptStore.
func (s *MemoryAttempts) Next(_ context.Context, group, eventID string, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[idemKey(group, eventID)]++
	return s.counts[idemKey(group, eventID)], nil
}

// RedisIdempotency is the durable store shared by all consumers of a
// group. SET NX makes the first-sight write atomic across instances.
type RedisIdempotency struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotency creates a store with the given key prefix.
func NewRedisIdempotency(client *redis.Client, prefix string) *RedisIdempotency {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisIdempotency{client: client, prefix: prefix}
}

func (s *RedisIdempotency) key(group, eventID string) string {
	return s.prefix + ":" + group + ":" + eventID
}

// Seen implements IdempotencyStore.
func (s *RedisIdempotency) Seen(ctx context.Context, group, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(group, eventID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "idempotency exists")
	}
	return n > 0, nil
}

// Mark implements IdempotencyStore.
func (s *RedisIdempotency) Mark(ctx context.Context, group, eventID, digest string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if digest == "" {
		digest = "1"
	}
	if err := s.client.SetNX(ctx, s.key(group, eventID), digest, ttl).Err(); err != nil {
		return errors.Wrap(err, "idempotency mark")
	}
	return nil
}

// attemptScript increments the delivery counter and refreshes its TTL in
// one round trip.
var attemptScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[1])
return count
`)

// RedisAttempts counts deliveries in Redis so claims by another consumer
// continue the same attempt sequence.
type RedisAttempts struct {
	client *redis.Client
	prefix string
}

// NewRedisAttempts creates a counter with the given key prefix.
func NewRedisAttempts(client *redis.Client, prefix string) *RedisAttempts {
	if prefix == "" {
		prefix = "attempt"
	}
	return &RedisAttempts{client: client, prefix: prefix}
}

// Next implements AttemptStore.
func (s *RedisAttempts) Next(ctx context.Context, group, eventID string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	key := s.prefix + ":" + group + ":" + eventID
	n, err := attemptScript.Run(ctx, s.client, []string{key}, int(ttl.Seconds())).Int()
	if err != nil {
		return 0, errors.Wrap(err, "attempt incr")
	}
	return n, nil
}
