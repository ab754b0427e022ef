package trip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/expiry"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/matcher"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSched struct {
	mu     sync.Mutex
	armed  map[string]time.Time
	arms   int
	armErr error
}

func newFakeSched() *fakeSched { return &fakeSched{armed: map[string]time.Time{}} }

func (f *fakeSched) Arm(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	f.arms++
	f.armed[id] = at
	return nil
}

func (f *fakeSched) Disarm(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, id)
	return nil
}

func (f *fakeSched) isArmed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[id]
	return ok
}

type published struct {
	topic string
	ev    models.Event
}

type captureBus struct {
	mu     sync.Mutex
	events []published
	joins  map[string][]string
}

func (b *captureBus) Publish(_ context.Context, topic string, ev models.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{topic, ev})
	return nil
}

func (b *captureBus) Join(subjectID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.joins == nil {
		b.joins = map[string][]string{}
	}
	b.joins[topic] = append(b.joins[topic], subjectID)
}

func (b *captureBus) count(topic string, typ models.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.events {
		if p.topic == topic && p.ev.Type == typ {
			n++
		}
	}
	return n
}

var (
	pickup  = models.Point{Lon: -74.0060, Lat: 40.7128}
	dropoff = models.Point{Lon: -73.9855, Lat: 40.7580}
	rider   = models.Identity{SubjectID: "r1", Role: models.RoleRider}
)

func driverID(i int) string { return fmt.Sprintf("d%d", i) }

func asDriver(id string) models.Identity {
	return models.Identity{SubjectID: id, Role: models.RoleDriver}
}

type env struct {
	svc   *Service
	store *storage.MemoryStore
	geo   *geo.MemoryIndex
	sched *fakeSched
	bus   *captureBus
	clock *clock
}

func newEnv(t *testing.T, drivers int, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		store: storage.NewMemoryStore(),
		sched: newFakeSched(),
		bus:   &captureBus{},
		clock: &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	g := geo.NewMemoryIndex()
	e.geo = g
	require.NoError(t, e.store.SaveRider(ctx, &models.Rider{ID: "r1", Status: models.AccountActive}))
	require.NoError(t, e.store.SaveRider(ctx, &models.Rider{ID: "r2", Status: models.AccountActive}))
	for i := 1; i <= drivers; i++ {
		loc := models.Point{Lon: pickup.Lon + float64(i)*0.0005, Lat: pickup.Lat}
		require.NoError(t, e.store.SaveDriver(ctx, &models.Driver{ID: driverID(i), Location: loc, IsAvailable: true, Status: models.AccountActive}))
		require.NoError(t, g.Upsert(ctx, driverID(i), loc))
	}
	m := &matcher.Service{Geo: g, Drivers: e.store, Bus: e.bus, Log: logging.Discard()}
	opts = append([]Option{WithClock(e.clock.now)}, opts...)
	e.svc = NewService(e.store, m, e.sched, e.bus, fare.Fixed(1500), DefaultConfig(), logging.Discard(), opts...)
	return e
}

func (e *env) create(t *testing.T) *models.Trip {
	t.Helper()
	tr, err := e.svc.Create(context.Background(), rider, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	require.NoError(t, err)
	return tr
}

func (e *env) driver(t *testing.T, id string) *models.Driver {
	t.Helper()
	d, err := e.store.GetDriver(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (e *env) trip(t *testing.T, id string) *models.Trip {
	t.Helper()
	tr, err := e.store.GetTrip(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func TestCreateOffersTripAndArmsExpiry(t *testing.T) {
	e := newEnv(t, 3)
	tr := e.create(t)

	assert.Equal(t, models.StatusRequested, tr.Status)
	assert.Equal(t, "r1", tr.RiderID)
	assert.Equal(t, int64(1500), tr.EstimatedFare)
	assert.Greater(t, tr.DistanceMeters, 0.0)
	assert.True(t, e.sched.isArmed(tr.ID))
	assert.Equal(t, e.clock.now().Add(60*time.Second), e.sched.armed[tr.ID])
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 1, e.bus.count(models.DriverTopic(driverID(i)), models.EventNewTripRequest))
	}
	assert.Equal(t, []string{"r1"}, e.bus.joins[models.TripTopic(tr.ID)])
}

func TestCreateRejectsSecondOpenTrip(t *testing.T) {
	e := newEnv(t, 1)
	first := e.create(t)
	_, err := e.svc.Create(context.Background(), rider, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
	var de *errs.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, first.ID, de.Details["tripId"])
}

func TestCreateConcurrentSameRiderYieldsOneTrip(t *testing.T) {
	e := newEnv(t, 2)
	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Create(context.Background(), rider, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errs.KindOf(err) == errs.Conflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)

	trips, total, err := e.store.ListTrips(context.Background(), models.TripFilter{RiderID: "r1"}, models.Page{Page: 1, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, trips, 1)
}

func TestCreateWithoutDriversPersistsNothing(t *testing.T) {
	e := newEnv(t, 0)
	_, err := e.svc.Create(context.Background(), rider, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.KindOf(err))

	_, total, err := e.store.ListTrips(context.Background(), models.TripFilter{RiderID: "r1"}, models.Page{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, e.sched.arms)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()

	_, err := e.svc.Create(ctx, asDriver("d1"), CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))

	_, err = e.svc.Create(ctx, rider, CreateRequest{PickupLocation: models.Point{Lon: 200, Lat: 0}, DropoffLocation: dropoff})
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	_, err = e.svc.Create(ctx, models.Identity{SubjectID: "ghost", Role: models.RoleRider}, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	require.NoError(t, e.store.SaveRider(ctx, &models.Rider{ID: "banned", Status: models.AccountSuspended}))
	_, err = e.svc.Create(ctx, models.Identity{SubjectID: "banned", Role: models.RoleRider}, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))
}

func TestCreateArmFailureWithdrawsTrip(t *testing.T) {
	n := 0
	e := newEnv(t, 1, WithIDs(func() string { n++; return fmt.Sprintf("trip-%d", n) }))
	e.sched.armErr = errors.New("redis down")

	_, err := e.svc.Create(context.Background(), rider, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	require.Error(t, err)
	assert.Equal(t, errs.Internal, errs.KindOf(err))

	tr := e.trip(t, "trip-1")
	assert.Equal(t, models.StatusCancelled, tr.Status)
	assert.Equal(t, models.CancelledByPlatform, tr.CancelledBy)
	assert.Equal(t, 1, e.bus.count(models.TopicAllDrivers, models.EventTripUnavailable))
}

func TestAcceptAssignsDriver(t *testing.T) {
	e := newEnv(t, 2)
	tr := e.create(t)

	got, err := e.svc.Accept(context.Background(), asDriver("d1"), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "d1", got.DriverID)
	require.NotNil(t, got.AcceptedAt)
	assert.False(t, e.driver(t, "d1").IsAvailable)
	assert.True(t, e.driver(t, "d2").IsAvailable)
	assert.False(t, e.sched.isArmed(tr.ID))
	assert.Equal(t, 1, e.bus.count(models.TripTopic(tr.ID), models.EventTripAccepted))
	assert.Equal(t, 1, e.bus.count(models.TopicAllDrivers, models.EventTripUnavailable))
	assert.Contains(t, e.bus.joins[models.TripTopic(tr.ID)], "d1")
}

func TestAcceptConcurrentDriversAtMostOneWins(t *testing.T) {
	const n = 8
	e := newEnv(t, n)
	tr := e.create(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 1; i <= n; i++ {
		id := driverID(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Accept(context.Background(), asDriver(id), tr.ID)
			if err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
				return
			}
			if errs.KindOf(err) != errs.NotFound {
				t.Errorf("driver %s: unexpected error %v", id, err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	final := e.trip(t, tr.ID)
	assert.Equal(t, winners[0], final.DriverID)
	for i := 1; i <= n; i++ {
		id := driverID(i)
		assert.Equal(t, id != winners[0], e.driver(t, id).IsAvailable, "driver %s", id)
	}
	assert.False(t, e.sched.isArmed(tr.ID))
}

func TestAcceptRollsBackWhenDriverCannotTakeIt(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	tr := e.create(t)
	require.NoError(t, e.store.SaveDriver(ctx, &models.Driver{ID: "suspended", IsAvailable: true, Status: models.AccountSuspended}))
	require.NoError(t, e.store.SaveDriver(ctx, &models.Driver{ID: "busy", IsAvailable: false, Status: models.AccountActive}))

	cases := []struct {
		driver string
		kind   errs.Kind
	}{
		{"suspended", errs.Forbidden},
		{"busy", errs.Conflict},
		{"ghost", errs.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.driver, func(t *testing.T) {
			_, err := e.svc.Accept(ctx, asDriver(tc.driver), tr.ID)
			require.Error(t, err)
			assert.Equal(t, tc.kind, errs.KindOf(err))

			cur := e.trip(t, tr.ID)
			assert.Equal(t, models.StatusRequested, cur.Status)
			assert.Empty(t, cur.DriverID)
			assert.True(t, e.sched.isArmed(tr.ID), "deadline restored")
			assert.Equal(t, tr.CreatedAt.Add(60*time.Second), e.sched.armed[tr.ID])
		})
	}
	assert.Equal(t, models.AccountSuspended, e.driver(t, "suspended").Status)
	assert.True(t, e.driver(t, "suspended").IsAvailable)

	_, err := e.svc.Accept(ctx, asDriver("d1"), tr.ID)
	require.NoError(t, err)
}

// outageStore fails transactions and trip reads while down is set.
type outageStore struct {
	*storage.MemoryStore
	down bool
}

var errConnReset = errors.New("connection reset by peer")

func (o *outageStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if o.down {
		return errConnReset
	}
	return o.MemoryStore.InTx(ctx, fn)
}

func (o *outageStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	if o.down {
		return nil, errConnReset
	}
	return o.MemoryStore.GetTrip(ctx, id)
}

func TestAcceptDuringOutageKeepsADeadline(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	store := &outageStore{MemoryStore: e.store}
	svc := NewService(store, e.svc.matcher, e.sched, e.bus, fare.Fixed(1500), DefaultConfig(), logging.Discard(), WithClock(e.clock.now))

	tr, err := svc.Create(ctx, rider, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	require.NoError(t, err)
	e.clock.advance(30 * time.Second)

	store.down = true
	_, err = svc.Accept(ctx, asDriver("d1"), tr.ID)
	require.Error(t, err)
	assert.Equal(t, errs.Internal, errs.KindOf(err))
	assert.True(t, e.sched.isArmed(tr.ID), "a REQUESTED trip must keep a deadline")
	assert.Equal(t, e.clock.now().Add(60*time.Second), e.sched.armed[tr.ID])

	store.down = false
	assert.Equal(t, models.StatusRequested, e.trip(t, tr.ID).Status)
}

func TestAssignedDriverLeavesAndRejoinsIndex(t *testing.T) {
	e := newEnv(t, 2)
	e.svc.locs = ingest.GeoSink{Index: e.geo}
	ctx := context.Background()
	d1 := asDriver("d1")
	indexed := func(id string) bool {
		cands, err := e.geo.Within(ctx, pickup, 5000, 0)
		require.NoError(t, err)
		for _, c := range cands {
			if c.DriverID == id {
				return true
			}
		}
		return false
	}

	tr := e.create(t)
	_, err := e.svc.Accept(ctx, d1, tr.ID)
	require.NoError(t, err)
	assert.False(t, indexed("d1"))
	assert.True(t, indexed("d2"))
	_, err = e.svc.Start(ctx, d1, tr.ID)
	require.NoError(t, err)
	_, err = e.svc.Complete(ctx, d1, tr.ID)
	require.NoError(t, err)
	assert.True(t, indexed("d1"), "completion puts the driver back")

	tr = e.create(t)
	_, err = e.svc.Accept(ctx, d1, tr.ID)
	require.NoError(t, err)
	assert.False(t, indexed("d1"))
	_, err = e.svc.Cancel(ctx, rider, tr.ID, "changed my mind")
	require.NoError(t, err)
	assert.True(t, indexed("d1"), "cancellation puts the driver back")
}

func TestAcceptRejectsRidersAndClosedTrips(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()
	tr := e.create(t)

	_, err := e.svc.Accept(ctx, rider, tr.ID)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))

	_, err = e.svc.Accept(ctx, asDriver("d1"), tr.ID)
	require.NoError(t, err)
	_, err = e.svc.Accept(ctx, asDriver("d2"), tr.ID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	assert.True(t, e.driver(t, "d2").IsAvailable)

	_, err = e.svc.Accept(ctx, asDriver("d2"), "no-such-trip")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestStartAndCompleteRecordDurationAndFare(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	d1 := asDriver("d1")
	tr := e.create(t)
	_, err := e.svc.Accept(ctx, d1, tr.ID)
	require.NoError(t, err)

	started, err := e.svc.Start(ctx, d1, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Status)
	require.NotNil(t, started.TripStartTime)

	e.clock.advance(10 * time.Minute)
	done, err := e.svc.Complete(ctx, d1, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.DurationSeconds)
	assert.Equal(t, int64(600), *done.DurationSeconds)
	require.NotNil(t, done.ActualFare)
	assert.Equal(t, int64(1500), *done.ActualFare)
	require.NotNil(t, done.TripEndTime)
	assert.True(t, e.driver(t, "d1").IsAvailable)
	assert.Equal(t, 2, e.bus.count(models.TripTopic(tr.ID), models.EventTripUpdated))
}

func TestTransitionsCheckActorBeforeState(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()
	tr := e.create(t)

	// nobody is assigned yet
	_, err := e.svc.Start(ctx, asDriver("d1"), tr.ID)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))

	_, err = e.svc.Accept(ctx, asDriver("d1"), tr.ID)
	require.NoError(t, err)

	_, err = e.svc.Start(ctx, asDriver("d2"), tr.ID)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))
	_, err = e.svc.Start(ctx, rider, tr.ID)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))

	_, err = e.svc.Complete(ctx, asDriver("d1"), tr.ID)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	_, err = e.svc.Cancel(ctx, models.Identity{SubjectID: "r2", Role: models.RoleRider}, tr.ID, "")
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))

	_, err = e.svc.Start(ctx, asDriver("d1"), "missing")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	assert.Equal(t, models.StatusAccepted, e.trip(t, tr.ID).Status)
}

func TestCancelFeePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("requested trip is free", func(t *testing.T) {
		e := newEnv(t, 1)
		tr := e.create(t)
		e.clock.advance(30 * time.Minute)
		got, err := e.svc.Cancel(ctx, rider, tr.ID, "changed my mind")
		require.NoError(t, err)
		assert.Zero(t, got.CancellationFee)
		assert.Equal(t, models.CancelledByRider, got.CancelledBy)
		assert.Equal(t, "changed my mind", got.CancellationReason)
		assert.False(t, e.sched.isArmed(tr.ID))
		assert.Equal(t, 1, e.bus.count(models.TopicAllDrivers, models.EventTripUnavailable))
	})

	t.Run("within grace is free", func(t *testing.T) {
		e := newEnv(t, 1)
		tr := e.create(t)
		_, err := e.svc.Accept(ctx, asDriver("d1"), tr.ID)
		require.NoError(t, err)
		e.clock.advance(time.Minute)
		got, err := e.svc.Cancel(ctx, rider, tr.ID, "")
		require.NoError(t, err)
		assert.Zero(t, got.CancellationFee)
		assert.True(t, e.driver(t, "d1").IsAvailable)
	})

	t.Run("after grace is charged once", func(t *testing.T) {
		e := newEnv(t, 1)
		tr := e.create(t)
		_, err := e.svc.Accept(ctx, asDriver("d1"), tr.ID)
		require.NoError(t, err)
		e.clock.advance(3 * time.Minute)
		got, err := e.svc.Cancel(ctx, rider, tr.ID, "")
		require.NoError(t, err)
		assert.Equal(t, int64(5000), got.CancellationFee)
		assert.True(t, e.driver(t, "d1").IsAvailable)

		_, err = e.svc.Cancel(ctx, rider, tr.ID, "")
		assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
		assert.Equal(t, int64(5000), e.trip(t, tr.ID).CancellationFee)
	})

	t.Run("driver cancellation is free for the rider", func(t *testing.T) {
		e := newEnv(t, 1)
		tr := e.create(t)
		_, err := e.svc.Accept(ctx, asDriver("d1"), tr.ID)
		require.NoError(t, err)
		e.clock.advance(10 * time.Minute)
		got, err := e.svc.Cancel(ctx, asDriver("d1"), tr.ID, "flat tyre")
		require.NoError(t, err)
		assert.Zero(t, got.CancellationFee)
		assert.Equal(t, models.CancelledByDriver, got.CancelledBy)
		assert.True(t, e.driver(t, "d1").IsAvailable)
	})

	t.Run("in progress cannot be cancelled", func(t *testing.T) {
		e := newEnv(t, 1)
		tr := e.create(t)
		_, err := e.svc.Accept(ctx, asDriver("d1"), tr.ID)
		require.NoError(t, err)
		_, err = e.svc.Start(ctx, asDriver("d1"), tr.ID)
		require.NoError(t, err)
		_, err = e.svc.Cancel(ctx, rider, tr.ID, "")
		assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
	})
}

func TestExpireCancelsOnlyRequestedTrips(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()
	tr := e.create(t)

	require.NoError(t, e.svc.Expire(ctx, tr.ID))
	got := e.trip(t, tr.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.CancelledByPlatform, got.CancelledBy)
	assert.Zero(t, got.CancellationFee)
	assert.Equal(t, 1, e.bus.count(models.TopicAllDrivers, models.EventTripUnavailable))
	assert.Equal(t, 1, e.bus.count(models.TripTopic(tr.ID), models.EventTripUpdated))

	// a second firing is a no-op
	require.NoError(t, e.svc.Expire(ctx, tr.ID))
	assert.Equal(t, 1, e.bus.count(models.TopicAllDrivers, models.EventTripUnavailable))

	other, err := e.svc.Create(ctx, models.Identity{SubjectID: "r2", Role: models.RoleRider}, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	require.NoError(t, err)
	_, err = e.svc.Accept(ctx, asDriver("d1"), other.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.Expire(ctx, other.ID))
	assert.Equal(t, models.StatusAccepted, e.trip(t, other.ID).Status)
	require.NoError(t, e.svc.Expire(ctx, "no-such-trip"))
}

func TestExpiryWithScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveRider(ctx, &models.Rider{ID: "r1", Status: models.AccountActive}))
	require.NoError(t, store.SaveDriver(ctx, &models.Driver{ID: "d1", IsAvailable: true, Status: models.AccountActive}))
	g := geo.NewMemoryIndex()
	require.NoError(t, g.Upsert(ctx, "d1", pickup))
	bus := &captureBus{}
	sched := expiry.New(expiry.NewMemoryDeadlines(), logging.Discard(), time.Hour)

	cfg := DefaultConfig()
	cfg.ExpiryTimeout = 30 * time.Millisecond
	m := &matcher.Service{Geo: g, Drivers: store, Bus: bus, Log: logging.Discard()}
	svc := NewService(store, m, sched, bus, fare.Fixed(1000), cfg, logging.Discard())
	sched.Handle(svc.Expire)
	go func() { _ = sched.Run(ctx) }()

	expiring, err := svc.Create(ctx, rider, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, err := store.GetTrip(ctx, expiring.ID)
		return err == nil && cur.Status == models.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	cfg.ExpiryTimeout = 200 * time.Millisecond
	svc = NewService(store, m, sched, bus, fare.Fixed(1000), cfg, logging.Discard())
	sched.Handle(svc.Expire)
	accepted, err := svc.Create(ctx, rider, CreateRequest{PickupLocation: pickup, DropoffLocation: dropoff})
	require.NoError(t, err)
	_, err = svc.Accept(ctx, asDriver("d1"), accepted.ID)
	require.NoError(t, err)
	assert.Zero(t, sched.Pending())

	time.Sleep(300 * time.Millisecond)
	cur, err := store.GetTrip(ctx, accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, cur.Status)
}

func TestQueries(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	d1 := asDriver("d1")

	_, err := e.svc.Active(ctx, rider)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	first := e.create(t)
	active, err := e.svc.Active(ctx, rider)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	_, err = e.svc.Active(ctx, d1)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	_, err = e.svc.Get(ctx, d1, first.ID)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))

	_, err = e.svc.Accept(ctx, d1, first.ID)
	require.NoError(t, err)
	active, err = e.svc.Active(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
	got, err := e.svc.Get(ctx, d1, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DriverID)

	_, err = e.svc.Get(ctx, models.Identity{SubjectID: "r2", Role: models.RoleRider}, first.ID)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))
	_, err = e.svc.Get(ctx, rider, "missing")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	_, err = e.svc.Cancel(ctx, rider, first.ID, "")
	require.NoError(t, err)
	e.clock.advance(time.Minute)
	second := e.create(t)

	page, err := e.svc.History(ctx, rider, models.Page{Page: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Trips, 1)
	assert.Equal(t, second.ID, page.Trips[0].ID)

	page, err = e.svc.History(ctx, rider, models.Page{Page: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Trips, 1)
	assert.Equal(t, first.ID, page.Trips[0].ID)

	page, err = e.svc.History(ctx, d1, models.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 10, page.Limit)
	assert.Equal(t, 1, page.Page)

	page, err = e.svc.History(ctx, models.Identity{SubjectID: "r2", Role: models.RoleRider}, models.Page{Page: 1, Limit: 500})
	require.NoError(t, err)
	assert.NotNil(t, page.Trips)
	assert.Empty(t, page.Trips)
	assert.Equal(t, 100, page.Limit)
}
