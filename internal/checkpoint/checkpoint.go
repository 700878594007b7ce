// Package checkpoint remembers how far each source has been read so that a
// restarted ETL resumes where the last successful cycle stopped.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checkpoint is the committed read position of one source.
type Checkpoint struct {
	// Offset is the byte offset just past the last fully extracted line.
	Offset    int64     `json:"offset"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store loads and saves checkpoints by source name.
type Store interface {
	// Get returns the zero Checkpoint when none was saved yet.
	Get(ctx context.Context, source string) (Checkpoint, error)
	Set(ctx context.Context, source string, cp Checkpoint) error
}

const keyPrefix = "etl_checkpoint"

// Key returns the Redis key holding a source's checkpoint.
func Key(source string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, source)
}

// RedisStore keeps checkpoints in Redis as JSON values without expiry.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed checkpoint store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

// Get retrieves the checkpoint of source.
func (s *RedisStore) Get(ctx context.Context, source string) (Checkpoint, error) {
	data, err := s.redis.Get(ctx, Key(source)).Result()
	if err == redis.Nil {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to get checkpoint from Redis: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// Set saves the checkpoint of source.
func (s *RedisStore) Set(ctx context.Context, source string, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := s.redis.Set(ctx, Key(source), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set checkpoint in Redis: %w", err)
	}
	return nil
}

// MemoryStore keeps checkpoints in process; a restart reads every source from the start.
type MemoryStore struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[string]Checkpoint)}
}

func (s *MemoryStore) Get(_ context.Context, source string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cps[source], nil
}

func (s *MemoryStore) Set(_ context.Context, source string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[source] = cp
	return nil
}
