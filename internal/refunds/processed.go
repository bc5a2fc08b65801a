package refunds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedStore remembers refund keys that were executed on the ledger.
type ProcessedStore interface {
	AlreadyProcessed(ctx context.Context, key string) (bool, error)
	// MarkProcessed returns false when key was already marked.
	MarkProcessed(ctx context.Context, key string) (bool, error)
}

// RedisProcessedStore marks keys with SETNX and a retention TTL.
type RedisProcessedStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisProcessedStore(client *redis.Client, ttl time.Duration) *RedisProcessedStore {
	if client == nil {
		panic("refunds: redis client required")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisProcessedStore{redis: client, ttl: ttl}
}

func (s *RedisProcessedStore) AlreadyProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.redis.Exists(ctx, processedKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("refunds: check processed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisProcessedStore) MarkProcessed(ctx context.Context, key string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, processedKey(key), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("refunds: mark processed: %w", err)
	}
	return ok, nil
}

func processedKey(key string) string {
	return "refunds:processed:" + key
}

// MemoryProcessedStore is a process-local ProcessedStore.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{keys: make(map[string]struct{})}
}

func (s *MemoryProcessedStore) AlreadyProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, nil
}
