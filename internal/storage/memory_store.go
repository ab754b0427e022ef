package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// MemoryStore keeps everything in process. Transactions hold the store mutex
// and stage writes in a private view that is copied back on commit, so a
// failed transaction leaves nothing behind.
type MemoryStore struct {
	mu      sync.Mutex
	trips   map[string]*models.Trip
	drivers map[string]*models.Driver
	riders  map[string]*models.Rider
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:   make(map[string]*models.Trip),
		drivers: make(map[string]*models.Driver),
		riders:  make(map[string]*models.Rider),
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := &memView{
		s:       m,
		trips:   make(map[string]*models.Trip),
		drivers: make(map[string]*models.Driver),
	}
	if err := fn(v); err != nil {
		return err
	}
	for id, t := range v.trips {
		m.trips[id] = t
	}
	for id, d := range v.drivers {
		m.drivers[id] = d
	}
	return nil
}

func inTx[T any](ctx context.Context, m *MemoryStore, fn func(tx Tx) (T, error)) (T, error) {
	var out T
	err := m.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	return inTx(ctx, m, func(tx Tx) (*models.Trip, error) { return tx.GetTrip(ctx, id) })
}

func (m *MemoryStore) FindOpenTripByRider(ctx context.Context, riderID string) (*models.Trip, error) {
	return inTx(ctx, m, func(tx Tx) (*models.Trip, error) { return tx.FindOpenTripByRider(ctx, riderID) })
}

func (m *MemoryStore) FindActiveTripByDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	return inTx(ctx, m, func(tx Tx) (*models.Trip, error) { return tx.FindActiveTripByDriver(ctx, driverID) })
}

func (m *MemoryStore) InsertTrip(ctx context.Context, t *models.Trip) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.InsertTrip(ctx, t) })
}

func (m *MemoryStore) UpdateTrip(ctx context.Context, id string, cond models.TripCondition, patch models.TripPatch) (*models.Trip, error) {
	return inTx(ctx, m, func(tx Tx) (*models.Trip, error) { return tx.UpdateTrip(ctx, id, cond, patch) })
}

func (m *MemoryStore) ListTrips(ctx context.Context, f models.TripFilter, page models.Page) ([]*models.Trip, int, error) {
	var total int
	trips, err := inTx(ctx, m, func(tx Tx) ([]*models.Trip, error) {
		var (
			out []*models.Trip
			err error
		)
		out, total, err = tx.ListTrips(ctx, f, page)
		return out, err
	})
	return trips, total, err
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return inTx(ctx, m, func(tx Tx) (*models.Driver, error) { return tx.GetDriver(ctx, id) })
}

func (m *MemoryStore) GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error) {
	return inTx(ctx, m, func(tx Tx) ([]*models.Driver, error) { return tx.GetDrivers(ctx, ids) })
}

func (m *MemoryStore) LockDriver(ctx context.Context, id string) (*models.Driver, error) {
	return m.GetDriver(ctx, id)
}

func (m *MemoryStore) UpdateDriver(ctx context.Context, id string, cond models.DriverCondition, patch models.DriverPatch) (*models.Driver, error) {
	return inTx(ctx, m, func(tx Tx) (*models.Driver, error) { return tx.UpdateDriver(ctx, id, cond, patch) })
}

func (m *MemoryStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	return inTx(ctx, m, func(tx Tx) (*models.Rider, error) { return tx.GetRider(ctx, id) })
}

func (m *MemoryStore) SaveDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	m.drivers[d.ID] = &c
	return nil
}

func (m *MemoryStore) SaveRider(_ context.Context, r *models.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.riders[r.ID] = &c
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// memView is a transaction over a locked MemoryStore. Reads see staged
// writes first; everything handed out is a copy.
type memView struct {
	s       *MemoryStore
	trips   map[string]*models.Trip
	drivers map[string]*models.Driver
}

func (v *memView) trip(id string) (*models.Trip, bool) {
	if t, ok := v.trips[id]; ok {
		return t, true
	}
	t, ok := v.s.trips[id]
	return t, ok
}

func (v *memView) driver(id string) (*models.Driver, bool) {
	if d, ok := v.drivers[id]; ok {
		return d, true
	}
	d, ok := v.s.drivers[id]
	return d, ok
}

func (v *memView) eachTrip(fn func(t *models.Trip)) {
	for id, t := range v.s.trips {
		if _, staged := v.trips[id]; staged {
			continue
		}
		fn(t)
	}
	for _, t := range v.trips {
		fn(t)
	}
}

func (v *memView) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	t, ok := v.trip(id)
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (v *memView) FindOpenTripByRider(_ context.Context, riderID string) (*models.Trip, error) {
	var found *models.Trip
	v.eachTrip(func(t *models.Trip) {
		if t.RiderID == riderID && t.Status.Open() {
			found = t
		}
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (v *memView) FindActiveTripByDriver(_ context.Context, driverID string) (*models.Trip, error) {
	var found *models.Trip
	v.eachTrip(func(t *models.Trip) {
		if t.DriverID == driverID && (t.Status == models.StatusAccepted || t.Status == models.StatusInProgress) {
			found = t
		}
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (v *memView) InsertTrip(ctx context.Context, t *models.Trip) error {
	if _, exists := v.trip(t.ID); exists {
		return fmt.Errorf("insert trip %s: duplicate id", t.ID)
	}
	if t.Status.Open() {
		if _, err := v.FindOpenTripByRider(ctx, t.RiderID); err == nil {
			return ErrOpenTripExists
		}
	}
	c := t.Clone()
	if c.Version == 0 {
		c.Version = 1
	}
	v.trips[t.ID] = c
	return nil
}

func (v *memView) UpdateTrip(_ context.Context, id string, cond models.TripCondition, patch models.TripPatch) (*models.Trip, error) {
	t, ok := v.trip(id)
	if !ok || !cond.Matches(t) {
		return nil, ErrNotMatched
	}
	c := t.Clone()
	patch.Apply(c)
	v.trips[id] = c
	return c.Clone(), nil
}

func (v *memView) ListTrips(_ context.Context, f models.TripFilter, page models.Page) ([]*models.Trip, int, error) {
	var all []*models.Trip
	v.eachTrip(func(t *models.Trip) {
		if f.RiderID != "" && t.RiderID != f.RiderID {
			return
		}
		if f.DriverID != "" && t.DriverID != f.DriverID {
			return
		}
		all = append(all, t)
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := total
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}
	out := make([]*models.Trip, 0, end-start)
	for _, t := range all[start:end] {
		out = append(out, t.Clone())
	}
	return out, total, nil
}

func (v *memView) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	d, ok := v.driver(id)
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (v *memView) GetDrivers(_ context.Context, ids []string) ([]*models.Driver, error) {
	out := make([]*models.Driver, 0, len(ids))
	for _, id := range ids {
		if d, ok := v.driver(id); ok {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

// LockDriver needs no extra work: the whole store is locked for the transaction.
func (v *memView) LockDriver(ctx context.Context, id string) (*models.Driver, error) {
	return v.GetDriver(ctx, id)
}

func (v *memView) UpdateDriver(_ context.Context, id string, cond models.DriverCondition, patch models.DriverPatch) (*models.Driver, error) {
	d, ok := v.driver(id)
	if !ok || !cond.Matches(d) {
		return nil, ErrNotMatched
	}
	c := *d
	patch.Apply(&c)
	v.drivers[id] = &c
	out := c
	return &out, nil
}

func (v *memView) GetRider(_ context.Context, id string) (*models.Rider, error) {
	r, ok := v.s.riders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}
