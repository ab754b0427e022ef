package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
)

// fakeIndex fails the first failUpserts upserts, then delegates.
type fakeIndex struct {
	*geo.MemoryIndex
	failUpserts int
	calls       int
}

func (f *fakeIndex) Upsert(ctx context.Context, id string, p models.Point) error {
	f.calls++
	if f.calls <= f.failUpserts {
		return errors.New("geo fail")
	}
	return f.MemoryIndex.Upsert(ctx, id, p)
}

// fakeReader returns queued results, then blocks until ctx is done.
type fakeReader struct {
	results []readResult
	cancel  context.CancelFunc
}

type readResult struct {
	msg kafka.Message
	err error
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.results) == 0 {
		f.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.msg, r.err
}

func encode(t *testing.T, u models.LocationUpdate) []byte {
	t.Helper()
	b, err := json.Marshal(u)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestProcessSucceedsAfterRetries(t *testing.T) {
	idx := &fakeIndex{MemoryIndex: geo.NewMemoryIndex(), failUpserts: 1}
	u := models.LocationUpdate{DriverID: "d1", Lat: 1, Lng: 2}
	start := time.Now()
	if err := process(context.Background(), idx, kafka.Message{Value: encode(t, u)}, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if idx.calls < 2 {
		t.Fatalf("expected retries, got %d calls", idx.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestProcessFailsWhenExhausted(t *testing.T) {
	idx := &fakeIndex{MemoryIndex: geo.NewMemoryIndex(), failUpserts: 5}
	u := models.LocationUpdate{DriverID: "d1", Lat: 1, Lng: 2}
	if err := process(context.Background(), idx, kafka.Message{Value: encode(t, u)}, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestProcessRejectsInvalidMessage(t *testing.T) {
	idx := &fakeIndex{MemoryIndex: geo.NewMemoryIndex()}
	err := process(context.Background(), idx, kafka.Message{Value: []byte(`{"driver_id":"d1","lat":200}`)}, 3, time.Millisecond)
	if !errors.Is(err, ingest.ErrInvalidUpdate) {
		t.Fatalf("expected invalid update, got %v", err)
	}
	if idx.calls != 0 {
		t.Fatalf("invalid message must not reach the index")
	}
}

func TestProcessTombstoneRemovesDriver(t *testing.T) {
	ctx := context.Background()
	idx := &fakeIndex{MemoryIndex: geo.NewMemoryIndex()}
	p := models.Point{Lon: -74, Lat: 40.7}
	if err := idx.Upsert(ctx, "d1", p); err != nil {
		t.Fatal(err)
	}
	if err := process(ctx, idx, kafka.Message{Key: []byte("d1")}, 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if cands, _ := idx.Within(ctx, p, 10, 1); len(cands) != 0 {
		t.Fatalf("expected d1 removed, got %+v", cands)
	}
	if err := process(ctx, idx, kafka.Message{}, 3, time.Millisecond); !errors.Is(err, ingest.ErrInvalidUpdate) {
		t.Fatalf("keyless empty message should be invalid, got %v", err)
	}
}

func TestConsumeAppliesMessagesAndSurvivesErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	idx := &fakeIndex{MemoryIndex: geo.NewMemoryIndex()}
	r := &fakeReader{cancel: cancel, results: []readResult{
		{err: errors.New("broker unavailable")},
		{msg: kafka.Message{Value: []byte("garbage")}},
		{msg: kafka.Message{Key: []byte("d1"), Value: encode(t, models.LocationUpdate{DriverID: "d1", Lat: 40.7, Lng: -74})}},
	}}

	done := make(chan struct{})
	go func() {
		consume(ctx, r, idx, logging.Discard(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop on cancel")
	}

	cands, _ := idx.Within(context.Background(), models.Point{Lon: -74, Lat: 40.7}, 10, 1)
	if len(cands) != 1 || cands[0].DriverID != "d1" {
		t.Fatalf("expected d1 indexed, got %+v", cands)
	}
}
