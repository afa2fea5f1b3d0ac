// Package dedup records which Telegram update ids were already taken by a
// worker so repeated deliveries can be dropped before touching storage.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tg:update:"

func key(updateID int) string {
	return keyPrefix + strconv.Itoa(updateID)
}

type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(addr, password string, db int, ttl time.Duration) (*RedisDeduplicator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisDeduplicator{client: client, ttl: ttl}, nil
}

// Claim returns true if this caller is the first to see updateID within the TTL.
func (r *RedisDeduplicator) Claim(ctx context.Context, updateID int) (bool, error) {
	ok, err := r.client.SetNX(ctx, key(updateID), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim update %d: %w", updateID, err)
	}
	return ok, nil
}

// Release forgets updateID so a redelivery is processed again.
func (r *RedisDeduplicator) Release(ctx context.Context, updateID int) error {
	return r.client.Del(ctx, key(updateID)).Err()
}

func (r *RedisDeduplicator) Close() error {
	return r.client.Close()
}

// InMemoryDeduplicator is a single-process Deduplicator used when no Redis
// is configured.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[int]time.Time
	now  func() time.Time
}

func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		ttl:  ttl,
		seen: make(map[int]time.Time),
		now:  time.Now,
	}
}

func (m *InMemoryDeduplicator) Claim(ctx context.Context, updateID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.seen[updateID]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[updateID] = now.Add(m.ttl)

	// Expired entries are swept on write.
	for id, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, id)
		}
	}
	return true, nil
}

func (m *InMemoryDeduplicator) Release(ctx context.Context, updateID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.seen, updateID)
	return nil
}
