package expiry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadlineStore durably records pending expirations so they survive a
// restart and can be shared between instances.
type DeadlineStore interface {
	Put(ctx context.Context, tripID string, at time.Time) error
	// Remove deletes the deadline and reports whether this call removed it.
	// Exactly one concurrent caller observes true, which is how firing
	// instances claim an expiration.
	Remove(ctx context.Context, tripID string) (bool, error)
	// Deadline returns the stored deadline for tripID, if any.
	Deadline(ctx context.Context, tripID string) (time.Time, bool, error)
	// Due lists trips whose deadline is at or before now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type MemoryDeadlines struct {
	mu sync.Mutex
	at map[string]time.Time
}

func NewMemoryDeadlines() *MemoryDeadlines {
	return &MemoryDeadlines{at: make(map[string]time.Time)}
}

func (m *MemoryDeadlines) Put(_ context.Context, tripID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.at[tripID] = at
	return nil
}

func (m *MemoryDeadlines) Remove(_ context.Context, tripID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.at[tripID]; !ok {
		return false, nil
	}
	delete(m.at, tripID)
	return true, nil
}

func (m *MemoryDeadlines) Deadline(_ context.Context, tripID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.at[tripID]
	return at, ok, nil
}

func (m *MemoryDeadlines) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	type due struct {
		id string
		at time.Time
	}
	var ds []due
	for id, at := range m.at {
		if !at.After(now) {
			ds = append(ds, due{id, at})
		}
	}
	m.mu.Unlock()

	sort.Slice(ds, func(i, j int) bool { return ds[i].at.Before(ds[j].at) })
	if limit > 0 && len(ds) > limit {
		ds = ds[:limit]
	}
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.id
	}
	return out, nil
}

// RedisDeadlines keeps deadlines in a sorted set scored by unix milliseconds.
type RedisDeadlines struct {
	client redis.UniversalClient
	key    string
}

func NewRedisDeadlines(client redis.UniversalClient, key string) *RedisDeadlines {
	return &RedisDeadlines{client: client, key: key}
}

func (r *RedisDeadlines) Put(ctx context.Context, tripID string, at time.Time) error {
	if err := r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(at.UnixMilli()), Member: tripID}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", tripID, err)
	}
	return nil
}

func (r *RedisDeadlines) Remove(ctx context.Context, tripID string) (bool, error) {
	n, err := r.client.ZRem(ctx, r.key, tripID).Result()
	if err != nil {
		return false, fmt.Errorf("zrem %s: %w", tripID, err)
	}
	return n == 1, nil
}

func (r *RedisDeadlines) Deadline(ctx context.Context, tripID string) (time.Time, bool, error) {
	ms, err := r.client.ZScore(ctx, r.key, tripID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("zscore %s: %w", tripID, err)
	}
	return time.UnixMilli(int64(ms)), true, nil
}

func (r *RedisDeadlines) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	return ids, nil
}
