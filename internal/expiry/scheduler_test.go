package expiry

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/logging"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
	err   error
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 16)} }

func (r *recorder) handle(_ context.Context, id string) error {
	r.mu.Lock()
	r.fired = append(r.fired, id)
	err := r.err
	r.mu.Unlock()
	r.ch <- id
	return err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestArmFiresOnce(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryDeadlines(), logging.Discard(), time.Hour)
	rec := newRecorder()
	s.Handle(rec.handle)

	require.NoError(t, s.Arm(ctx, "t1", time.Now().Add(20*time.Millisecond)))
	select {
	case id := <-rec.ch:
		assert.Equal(t, "t1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	assert.Equal(t, 0, s.Pending())

	// nothing left to sweep
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, rec.count())
}

func TestDisarmPreventsFiring(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDeadlines()
	s := New(store, logging.Discard(), time.Hour)
	rec := newRecorder()
	s.Handle(rec.handle)

	require.NoError(t, s.Arm(ctx, "t1", time.Now().Add(30*time.Millisecond)))
	require.NoError(t, s.Disarm(ctx, "t1"))
	require.NoError(t, s.Disarm(ctx, "t1"), "disarm is idempotent")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	due, _ := store.Due(ctx, time.Now().Add(time.Hour), 0)
	assert.Empty(t, due)
}

func TestRearmReplacesDeadline(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryDeadlines(), logging.Discard(), time.Hour)
	rec := newRecorder()
	s.Handle(rec.handle)

	require.NoError(t, s.Arm(ctx, "t1", time.Now().Add(20*time.Millisecond)))
	require.NoError(t, s.Arm(ctx, "t1", time.Now().Add(time.Hour)))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 1, s.Pending())
}

// another instance pushed the shared deadline out after this one armed
func TestTimerHonoursLaterStoredDeadline(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDeadlines()
	s := New(store, logging.Discard(), time.Hour)
	rec := newRecorder()
	s.Handle(rec.handle)

	require.NoError(t, s.Arm(ctx, "t1", time.Now().Add(20*time.Millisecond)))
	later := time.Now().Add(150 * time.Millisecond)
	require.NoError(t, store.Put(ctx, "t1", later))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count(), "fired before the stored deadline")
	assert.Equal(t, 1, s.Pending())
	at, ok, err := store.Deadline(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(later))

	select {
	case id := <-rec.ch:
		assert.Equal(t, "t1", id)
		assert.False(t, time.Now().Before(later))
	case <-time.After(2 * time.Second):
		t.Fatal("re-armed timer never fired")
	}
	assert.Equal(t, 1, rec.count())
}

// a deadline written by a previous process is picked up by the sweep
func TestSweepRecoversPersistedDeadlines(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDeadlines()
	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.Put(ctx, "old", past))
	require.NoError(t, store.Put(ctx, "future", time.Now().Add(time.Hour)))

	s := New(store, logging.Discard(), time.Hour)
	rec := newRecorder()
	s.Handle(rec.handle)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old"}, rec.fired)
}

// two schedulers sharing a store: only one claims
func TestSharedStoreClaimsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDeadlines()
	a := New(store, logging.Discard(), time.Hour)
	b := New(store, logging.Discard(), time.Hour)
	rec := newRecorder()
	a.Handle(rec.handle)
	b.Handle(rec.handle)

	at := time.Now().Add(20 * time.Millisecond)
	require.NoError(t, a.Arm(ctx, "t1", at))
	require.NoError(t, b.Arm(ctx, "t1", at))

	<-rec.ch
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestHandlerFailureRequeues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDeadlines()
	now := time.Now()
	s := New(store, logging.Discard(), time.Second, WithClock(func() time.Time { return now }))
	rec := newRecorder()
	rec.err = errors.New("store down")
	s.Handle(rec.handle)

	require.NoError(t, store.Put(ctx, "t1", now.Add(-time.Second)))
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	due, err := store.Due(ctx, now.Add(time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, due)
}

func TestRunStopsTimersOnCancel(t *testing.T) {
	s := New(NewMemoryDeadlines(), logging.Discard(), 10*time.Millisecond)
	rec := newRecorder()
	s.Handle(rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Arm(ctx, "t1", time.Now().Add(time.Hour)))
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 0, s.Pending())
}

func TestMemoryDeadlinesDueOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryDeadlines()
	base := time.Unix(1_700_000_000, 0)
	_ = m.Put(ctx, "b", base.Add(2*time.Second))
	_ = m.Put(ctx, "a", base.Add(time.Second))
	_ = m.Put(ctx, "c", base.Add(time.Hour))

	due, _ := m.Due(ctx, base.Add(time.Minute), 0)
	assert.Equal(t, []string{"a", "b"}, due)

	due, _ = m.Due(ctx, base.Add(time.Minute), 1)
	assert.Equal(t, []string{"a"}, due)

	ok, _ := m.Remove(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Remove(ctx, "a")
	assert.False(t, ok)
}

func TestRedisDeadlines(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis deadline test")
	}
	ctx := context.Background()
	rc := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rc.Close() })
	key := "test_trip_expiry"
	_ = rc.Del(ctx, key).Err()
	t.Cleanup(func() { _ = rc.Del(ctx, key).Err() })

	d := NewRedisDeadlines(rc, key)
	base := time.Now()
	require.NoError(t, d.Put(ctx, "late", base.Add(time.Hour)))
	require.NoError(t, d.Put(ctx, "due", base.Add(-time.Second)))

	due, err := d.Due(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, due)

	ok, err := d.Remove(ctx, "due")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Remove(ctx, "due")
	require.NoError(t, err)
	assert.False(t, ok)
	at, ok, err := d.Deadline(ctx, "late")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, base.Add(time.Hour).UnixMilli(), at.UnixMilli())
	_, ok, err = d.Deadline(ctx, "due")
	require.NoError(t, err)
	assert.False(t, ok)
}
