package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records fingerprints and reports whether one is new.
type Deduper interface {
	// Allow returns true the first time fingerprint is seen within window.
	Allow(ctx context.Context, fingerprint string, window time.Duration) (bool, error)
}

// MemoryDeduper keeps fingerprints in process memory.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) Allow(_ context.Context, fingerprint string, window time.Duration) (bool, error) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if until, ok := d.seen[fingerprint]; ok && now.Before(until) {
		return false, nil
	}
	d.seen[fingerprint] = now.Add(window)

	if len(d.seen) > 1024 {
		for k, until := range d.seen {
			if !now.Before(until) {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}

// RedisDeduper shares fingerprints across processes using SETNX with a TTL.
type RedisDeduper struct {
	client redis.UniversalClient
}

func NewRedisDeduper(client redis.UniversalClient) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) Allow(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, "tabport:alert:"+fingerprint, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
