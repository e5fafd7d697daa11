package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Sequencer hands out per-room sequence numbers. It is the single ordering
// point for a room across every process sharing it; numbers start at 1 and
// are never reused.
type Sequencer interface {
	Next(ctx context.Context, roomID string) (uint64, error)
	// Current returns the last number handed out, 0 when none was.
	Current(ctx context.Context, roomID string) (uint64, error)
}

// MemorySequencer keeps counters in process memory. Processes only share it
// when they share the value, as in tests or a single-process deployment.
type MemorySequencer struct {
	counters sync.Map // room id -> *atomic.Uint64
}

// NewMemorySequencer returns a sequencer with every room at 0.
func NewMemorySequencer() *MemorySequencer { return &MemorySequencer{} }

func (m *MemorySequencer) counter(roomID string) *atomic.Uint64 {
	v, _ := m.counters.LoadOrStore(roomID, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (m *MemorySequencer) Next(_ context.Context, roomID string) (uint64, error) {
	return m.counter(roomID).Add(1), nil
}

func (m *MemorySequencer) Current(_ context.Context, roomID string) (uint64, error) {
	return m.counter(roomID).Load(), nil
}

// RedisSequencer uses INCR on one key per room.
type RedisSequencer struct {
	client *redis.Client
	prefix string
}

// NewRedisSequencer stores counters under "collab:seq:<room>".
func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client, prefix: "collab:seq:"}
}

func (r *RedisSequencer) Next(ctx context.Context, roomID string) (uint64, error) {
	n, err := r.client.Incr(ctx, r.prefix+roomID).Result()
	if err != nil {
		return 0, fmt.Errorf("incr sequence for room %s: %w", roomID, err)
	}
	return uint64(n), nil
}

func (r *RedisSequencer) Current(ctx context.Context, roomID string) (uint64, error) {
	s, err := r.client.Get(ctx, r.prefix+roomID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence for room %s: %w", roomID, err)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence for room %s: %w", roomID, err)
	}
	return n, nil
}
