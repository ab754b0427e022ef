// Package trip owns the trip lifecycle: creation and matching, the
// acceptance protocol, the REQUESTED → ACCEPTED → IN_PROGRESS → COMPLETED
// state machine, cancellation with its fee policy, and expiry.
//
// Every transition is a conditional write against the store. Acceptance,
// completion and cancellation change the trip and the driver's availability
// inside one store transaction.
package trip

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// Matcher finds candidate drivers and offers them a new trip.
type Matcher interface {
	Nearby(ctx context.Context, p models.Point, radiusMeters float64) ([]models.Candidate, error)
	Notify(ctx context.Context, trip *models.Trip, cands []models.Candidate)
}

// Scheduler arms and disarms per-trip expiry deadlines.
type Scheduler interface {
	Arm(ctx context.Context, tripID string, deadline time.Time) error
	Disarm(ctx context.Context, tripID string) error
}

// Locations is the driver position index as seen by the trip lifecycle. A
// driver leaves it when a trip binds them and returns when it lets them go.
type Locations interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
	RemoveLocation(ctx context.Context, driverID string) error
}

type Config struct {
	ExpiryTimeout   time.Duration
	CancelGrace     time.Duration
	CancellationFee int64
	DefaultRadius   float64
	MaxRadius       float64
}

func DefaultConfig() Config {
	return Config{
		ExpiryTimeout:   60 * time.Second,
		CancelGrace:     2 * time.Minute,
		CancellationFee: 5000,
		DefaultRadius:   5000,
		MaxRadius:       20000,
	}
}

type Service struct {
	store   storage.Store
	matcher Matcher
	sched   Scheduler
	bus     dispatch.Publisher
	fares   fare.Estimator
	locs    Locations
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// WithLocations keeps the driver index in step with trip assignment.
func WithLocations(l Locations) Option { return func(s *Service) { s.locs = l } }

func NewService(store storage.Store, m Matcher, sched Scheduler, bus dispatch.Publisher, fares fare.Estimator, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		matcher: m,
		sched:   sched,
		bus:     bus,
		fares:   fares,
		cfg:     cfg,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateRequest is the rider's trip request. A zero RadiusMeters means the
// configured default.
type CreateRequest struct {
	PickupLocation       models.Point
	DropoffLocation      models.Point
	PickupName           string
	DestinationName      string
	UserIndications      string
	PaymentMethodID      string
	VehicleTypeRequested string
	RadiusMeters         float64
}

// Create validates the request, finds nearby drivers, persists the trip,
// offers it to the candidates and arms its expiry, in that order.
func (s *Service) Create(ctx context.Context, rider models.Identity, req CreateRequest) (*models.Trip, error) {
	if rider.Role != models.RoleRider {
		return nil, errs.Deny("only riders can request trips")
	}
	if err := s.requireActiveRider(ctx, rider.SubjectID); err != nil {
		return nil, err
	}
	switch open, err := s.store.FindOpenTripByRider(ctx, rider.SubjectID); {
	case err == nil:
		return nil, errs.Conflicting("rider already has an active trip").WithDetails(map[string]string{"tripId": open.ID})
	case !errors.Is(err, storage.ErrNotFound):
		return nil, errs.Internalf(err, "find open trip for rider %s", rider.SubjectID)
	}
	if err := req.PickupLocation.Validate(); err != nil {
		return nil, errs.Invalid(err.Error()).WithDetails(map[string]string{"field": "pickupLocation"})
	}
	if err := req.DropoffLocation.Validate(); err != nil {
		return nil, errs.Invalid(err.Error()).WithDetails(map[string]string{"field": "dropoffLocation"})
	}

	cands, err := s.matcher.Nearby(ctx, req.PickupLocation, s.radius(req.RadiusMeters))
	if err != nil {
		return nil, errs.Internalf(err, "match drivers")
	}
	if len(cands) == 0 {
		observability.NoDriversTotal.Inc()
		return nil, errs.NoCapacity("no drivers available nearby")
	}

	now := s.now()
	dist := geo.Distance(req.PickupLocation, req.DropoffLocation)
	t := &models.Trip{
		ID:                   s.newID(),
		RiderID:              rider.SubjectID,
		PickupLocation:       req.PickupLocation,
		DropoffLocation:      req.DropoffLocation,
		PickupName:           req.PickupName,
		DestinationName:      req.DestinationName,
		UserIndications:      req.UserIndications,
		VehicleTypeRequested: req.VehicleTypeRequested,
		PaymentMethodID:      req.PaymentMethodID,
		Status:               models.StatusRequested,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
		DistanceMeters:       dist,
		EstimatedFare:        s.fares.Estimate(dist, req.VehicleTypeRequested),
	}
	if err := s.store.InsertTrip(ctx, t); err != nil {
		if errors.Is(err, storage.ErrOpenTripExists) {
			return nil, errs.Conflicting("rider already has an active trip")
		}
		return nil, errs.Internalf(err, "insert trip")
	}
	observability.TripsCreated.Inc()
	s.join(rider.SubjectID, t.ID)

	s.matcher.Notify(ctx, t, cands)

	if err := s.sched.Arm(ctx, t.ID, now.Add(s.cfg.ExpiryTimeout)); err != nil {
		// without a deadline the request could stay open forever
		s.log.Error("arm expiry failed, withdrawing trip", "trip_id", t.ID, "error", err)
		if _, cerr := s.cancelRequested(context.WithoutCancel(ctx), t.ID, "could not schedule expiry"); cerr != nil {
			s.log.Error("withdraw trip failed", "trip_id", t.ID, "error", cerr)
		}
		return nil, errs.Internalf(err, "arm expiry for trip %s", t.ID)
	}

	s.log.Info("trip_created", "trip_id", t.ID, "rider_id", t.RiderID, "candidates", len(cands), "estimated_fare", t.EstimatedFare)
	return t, nil
}

func (s *Service) radius(requested float64) float64 {
	r := s.cfg.DefaultRadius
	if requested > 0 {
		r = requested
	}
	if s.cfg.MaxRadius > 0 && r > s.cfg.MaxRadius {
		r = s.cfg.MaxRadius
	}
	return r
}

func (s *Service) requireActiveRider(ctx context.Context, riderID string) error {
	r, err := s.store.GetRider(ctx, riderID)
	if errors.Is(err, storage.ErrNotFound) {
		return errs.Missing("rider")
	}
	if err != nil {
		return errs.Internalf(err, "get rider %s", riderID)
	}
	if r.Status != models.AccountActive {
		return errs.Deny("rider account is not active")
	}
	return nil
}

var errTripTaken = errors.New("trip not requested")

// Accept assigns the trip to driver. Exactly one of any number of concurrent
// accepts succeeds; the others get NotFound.
func (s *Service) Accept(ctx context.Context, driver models.Identity, tripID string) (*models.Trip, error) {
	if driver.Role != models.RoleDriver {
		return nil, errs.Deny("only drivers can accept trips")
	}
	if err := s.sched.Disarm(ctx, tripID); err != nil {
		s.log.Warn("disarm expiry failed", "trip_id", tripID, "error", err)
	}

	var (
		accepted *models.Trip
		d        *models.Driver
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		now := s.now()
		t, err := tx.UpdateTrip(ctx, tripID,
			models.TripCondition{Statuses: models.SourcesOf(models.StatusAccepted)},
			models.TripPatch{
				Status:     models.Ptr(models.StatusAccepted),
				DriverID:   &driver.SubjectID,
				AcceptedAt: &now,
				UpdatedAt:  now,
			})
		if errors.Is(err, storage.ErrNotMatched) {
			return errTripTaken
		}
		if err != nil {
			return errs.Internalf(err, "accept trip %s", tripID)
		}

		cur, err := tx.LockDriver(ctx, driver.SubjectID)
		if errors.Is(err, storage.ErrNotFound) {
			return errs.Missing("driver")
		}
		if err != nil {
			return errs.Internalf(err, "lock driver %s", driver.SubjectID)
		}
		if cur.Status != models.AccountActive {
			return errs.Deny("driver account is not active")
		}
		if !cur.IsAvailable {
			return errs.Conflicting("driver is not available")
		}
		d, err = tx.UpdateDriver(ctx, driver.SubjectID,
			models.DriverCondition{RequireActive: true, RequireAvailable: true},
			models.DriverPatch{IsAvailable: models.Ptr(false), UpdatedAt: now})
		if errors.Is(err, storage.ErrNotMatched) {
			return errs.Conflicting("driver is not available")
		}
		if err != nil {
			return errs.Internalf(err, "reserve driver %s", driver.SubjectID)
		}
		accepted = t
		return nil
	})
	if err != nil {
		if errors.Is(err, errTripTaken) {
			observability.AcceptConflicts.Inc()
			return nil, errs.E(errs.NotFound, "trip not found or no longer available")
		}
		// the trip is still REQUESTED; give it its deadline back
		s.rearm(context.WithoutCancel(ctx), tripID)
		if errs.KindOf(err) == errs.Internal {
			return nil, errs.Internalf(err, "accept trip %s", tripID)
		}
		return nil, err
	}

	observability.TripTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	s.unlist(ctx, driver.SubjectID)
	s.join(driver.SubjectID, tripID)
	at := s.now()
	s.publish(ctx, models.TripTopic(tripID), models.Event{Type: models.EventTripAccepted, TripID: tripID, Trip: accepted, Driver: d, At: at})
	s.publish(ctx, models.TopicAllDrivers, models.Event{Type: models.EventTripUnavailable, TripID: tripID, At: at})
	s.log.Info("trip_accepted", "trip_id", tripID, "driver_id", driver.SubjectID)
	return accepted, nil
}

// rearm restores the deadline Accept disarmed. A trip that cannot be read is
// armed a full timeout from now; Expire skips trips that are no longer
// REQUESTED.
func (s *Service) rearm(ctx context.Context, tripID string) {
	deadline := s.now().Add(s.cfg.ExpiryTimeout)
	t, err := s.store.GetTrip(ctx, tripID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return
	case err != nil:
		s.log.Warn("reload trip for re-arm failed", "trip_id", tripID, "error", err)
	case t.Status != models.StatusRequested:
		return
	default:
		deadline = t.CreatedAt.Add(s.cfg.ExpiryTimeout)
	}
	if err := s.sched.Arm(ctx, tripID, deadline); err != nil {
		s.log.Error("re-arm expiry failed", "trip_id", tripID, "error", err)
	}
}

// Start moves an ACCEPTED trip to IN_PROGRESS. Only the assigned driver may
// start it.
func (s *Service) Start(ctx context.Context, driver models.Identity, tripID string) (*models.Trip, error) {
	_, t, err := s.apply(ctx, driver, tripID, transition{
		verb:      "start",
		to:        models.StatusInProgress,
		authorize: assignedDriver,
		patch: func(_ *models.Trip, now time.Time) models.TripPatch {
			return models.TripPatch{TripStartTime: &now}
		},
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, models.TripTopic(tripID), models.Event{Type: models.EventTripUpdated, TripID: tripID, Trip: t, At: t.UpdatedAt})
	s.log.Info("trip_started", "trip_id", tripID, "driver_id", driver.SubjectID)
	return t, nil
}

// Complete finishes an IN_PROGRESS trip, records duration and fare and frees
// the driver.
func (s *Service) Complete(ctx context.Context, driver models.Identity, tripID string) (*models.Trip, error) {
	before, t, err := s.apply(ctx, driver, tripID, transition{
		verb:      "complete",
		to:        models.StatusCompleted,
		authorize: assignedDriver,
		patch: func(cur *models.Trip, now time.Time) models.TripPatch {
			p := models.TripPatch{
				TripEndTime: &now,
				ActualFare:  models.Ptr(s.fares.Estimate(cur.DistanceMeters, cur.VehicleTypeRequested)),
			}
			if cur.TripStartTime != nil {
				p.DurationSeconds = models.Ptr(int64(now.Sub(*cur.TripStartTime) / time.Second))
			}
			return p
		},
		after: s.freeDriver,
	})
	if err != nil {
		return nil, err
	}
	s.relist(ctx, before)
	s.publish(ctx, models.TripTopic(tripID), models.Event{Type: models.EventTripUpdated, TripID: tripID, Trip: t, At: t.UpdatedAt})
	s.log.Info("trip_completed", "trip_id", tripID, "driver_id", driver.SubjectID, "actual_fare", derefInt(t.ActualFare))
	return t, nil
}

// Cancel cancels a REQUESTED or ACCEPTED trip on behalf of its rider or its
// assigned driver.
func (s *Service) Cancel(ctx context.Context, actor models.Identity, tripID, reason string) (*models.Trip, error) {
	before, t, err := s.apply(ctx, actor, tripID, transition{
		verb:      "cancel",
		to:        models.StatusCancelled,
		authorize: party,
		patch: func(cur *models.Trip, now time.Time) models.TripPatch {
			by := models.CancelledByRider
			if actor.Role == models.RoleDriver {
				by = models.CancelledByDriver
			}
			return models.TripPatch{
				CancelledAt:        &now,
				CancelledBy:        &by,
				CancellationReason: &reason,
				CancellationFee:    models.Ptr(s.cancellationFee(cur, actor.Role, now)),
			}
		},
		after: s.freeDriver,
	})
	if err != nil {
		return nil, err
	}
	if err := s.sched.Disarm(ctx, tripID); err != nil {
		s.log.Warn("disarm expiry failed", "trip_id", tripID, "error", err)
	}

	s.relist(ctx, before)

	if t.CancellationFee > 0 {
		observability.CancellationFees.Inc()
	}
	if actor.Role == models.RoleDriver && before.Status == models.StatusAccepted {
		s.log.Warn("driver_cancelled_accepted_trip", "trip_id", tripID, "driver_id", actor.SubjectID, "penalty_candidate", true)
	}
	s.publish(ctx, models.TripTopic(tripID), models.Event{Type: models.EventTripUpdated, TripID: tripID, Trip: t, At: t.UpdatedAt})
	if before.Status == models.StatusRequested {
		s.publish(ctx, models.TopicAllDrivers, models.Event{Type: models.EventTripUnavailable, TripID: tripID, At: t.UpdatedAt})
	}
	s.log.Info("trip_cancelled", "trip_id", tripID, "by", string(t.CancelledBy), "fee", t.CancellationFee)
	return t, nil
}

// cancellationFee applies only to riders cancelling an ACCEPTED trip after
// the grace period.
func (s *Service) cancellationFee(cur *models.Trip, by models.Role, now time.Time) int64 {
	if by != models.RoleRider || cur.Status != models.StatusAccepted {
		return 0
	}
	since := cur.UpdatedAt
	if cur.AcceptedAt != nil {
		since = *cur.AcceptedAt
	}
	if now.Sub(since) > s.cfg.CancelGrace {
		return s.cfg.CancellationFee
	}
	return 0
}

// Expire is the expiry scheduler's handler. It cancels the trip only if it is
// still REQUESTED.
func (s *Service) Expire(ctx context.Context, tripID string) error {
	t, err := s.cancelRequested(ctx, tripID, "no driver accepted the request in time")
	if errors.Is(err, storage.ErrNotMatched) || errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("expiry no-op", "trip_id", tripID)
		return nil
	}
	if err != nil {
		return err
	}
	observability.TripsExpired.Inc()
	s.log.Info("trip_expired", "trip_id", t.ID, "rider_id", t.RiderID)
	return nil
}

// cancelRequested cancels a REQUESTED trip on behalf of the platform and
// tells everyone it is gone.
func (s *Service) cancelRequested(ctx context.Context, tripID, reason string) (*models.Trip, error) {
	now := s.now()
	t, err := s.store.UpdateTrip(ctx, tripID,
		models.TripCondition{Statuses: []models.TripStatus{models.StatusRequested}},
		models.TripPatch{
			Status:             models.Ptr(models.StatusCancelled),
			CancelledAt:        &now,
			CancelledBy:        models.Ptr(models.CancelledByPlatform),
			CancellationReason: &reason,
			UpdatedAt:          now,
		})
	if err != nil {
		return nil, err
	}
	observability.TripTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	s.publish(ctx, models.TripTopic(tripID), models.Event{Type: models.EventTripUpdated, TripID: tripID, Trip: t, At: now})
	s.publish(ctx, models.TopicAllDrivers, models.Event{Type: models.EventTripUnavailable, TripID: tripID, At: now})
	return t, nil
}

func (s *Service) freeDriver(ctx context.Context, tx storage.Tx, before, _ *models.Trip) error {
	if before.Status == models.StatusRequested || before.DriverID == "" {
		return nil
	}
	_, err := tx.UpdateDriver(ctx, before.DriverID, models.DriverCondition{},
		models.DriverPatch{IsAvailable: models.Ptr(true), UpdatedAt: s.now()})
	if err != nil && !errors.Is(err, storage.ErrNotMatched) {
		return errs.Internalf(err, "free driver %s", before.DriverID)
	}
	return nil
}

// unlist drops a freshly assigned driver from the position index.
func (s *Service) unlist(ctx context.Context, driverID string) {
	if s.locs == nil {
		return
	}
	if err := s.locs.RemoveLocation(ctx, driverID); err != nil {
		s.log.Warn("unlist driver failed", "driver_id", driverID, "error", err)
	}
}

// relist puts the driver freed from before back at their last known position.
func (s *Service) relist(ctx context.Context, before *models.Trip) {
	if s.locs == nil || before.DriverID == "" || before.Status == models.StatusRequested {
		return
	}
	d, err := s.store.GetDriver(ctx, before.DriverID)
	if err != nil {
		s.log.Warn("relist driver failed", "driver_id", before.DriverID, "error", err)
		return
	}
	if !d.Eligible() || d.Location == (models.Point{}) {
		return
	}
	u := models.LocationUpdate{DriverID: d.ID, Lat: d.Location.Lat, Lng: d.Location.Lon, At: s.now()}
	if err := s.locs.PublishLocation(ctx, u); err != nil {
		s.log.Warn("relist driver failed", "driver_id", d.ID, "error", err)
	}
}

func (s *Service) join(subjectID, tripID string) {
	if j, ok := s.bus.(dispatch.RoomJoiner); ok {
		j.Join(subjectID, models.TripTopic(tripID))
	}
}

func (s *Service) publish(ctx context.Context, topic string, ev models.Event) {
	if err := s.bus.Publish(ctx, topic, ev); err != nil {
		s.log.Warn("publish failed", "topic", topic, "event", ev.Type, "trip_id", ev.TripID, "error", err)
	}
}

func derefInt(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
