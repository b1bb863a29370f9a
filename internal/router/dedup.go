package router

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper reserves inbound (company, channel, external id) keys so provider retries
// are processed once.
type Deduper interface {
	// Reserve returns false when key was already reserved within the TTL.
	Reserve(ctx context.Context, key string) (bool, error)
	// Release drops a reservation after processing failed, so a retry is processed.
	Release(ctx context.Context, key string) error
}

// MemoryDeduper keeps reservations in process.
type MemoryDeduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	seen  map[string]time.Time
	calls int
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Reserve(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.calls++
	if d.calls%1024 == 0 {
		for k, exp := range d.seen {
			if now.After(exp) {
				delete(d.seen, k)
			}
		}
	}
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
	return nil
}

// RedisDeduper shares reservations across replicas with SET NX EX.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Reserve(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, "dedup:"+key, 1, d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, "dedup:"+key).Err()
}
