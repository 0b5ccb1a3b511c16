package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Progress stores advisory progress notes. Notes never drive job state.
type Progress interface {
	Set(ctx context.Context, key, note string) error
	Get(ctx context.Context, key string) (string, error)
}

type MemoryProgress struct {
	mu    sync.RWMutex
	notes map[string]string
}

func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{notes: make(map[string]string)}
}

func (m *MemoryProgress) Set(_ context.Context, key, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notes[key] = note
	return nil
}

func (m *MemoryProgress) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.notes[key], nil
}

const progressKeyPrefix = "pipeline:progress:"

// RedisProgress keeps notes in Redis with an expiry.
type RedisProgress struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisProgress(client redis.Cmdable, ttl time.Duration) *RedisProgress {
	return &RedisProgress{client: client, ttl: ttl}
}

func (r *RedisProgress) Set(ctx context.Context, key, note string) error {
	if err := r.client.Set(ctx, progressKeyPrefix+key, note, r.ttl).Err(); err != nil {
		return fmt.Errorf("setting progress: %w", err)
	}
	return nil
}

func (r *RedisProgress) Get(ctx context.Context, key string) (string, error) {
	note, err := r.client.Get(ctx, progressKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting progress: %w", err)
	}
	return note, nil
}
