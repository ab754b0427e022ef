// Package drivers serves the driver-facing operations that sit outside the
// trip state machine: location reports, the availability toggle, the driver
// profile and the rider's nearby-drivers view.
package drivers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// LocationSink receives accepted position reports, either to index them
// directly or to forward them to the ingest stream. RemoveLocation takes a
// driver out of proximity results until their next report.
type LocationSink interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
	RemoveLocation(ctx context.Context, driverID string) error
}

// Finder returns eligible drivers near a point.
type Finder interface {
	Nearby(ctx context.Context, p models.Point, radiusMeters float64) ([]models.Candidate, error)
}

// Presence reports whether a subject has a live realtime connection.
type Presence interface {
	Connected(subjectID string) bool
}

type Service struct {
	store         storage.Store
	sink          LocationSink
	finder        Finder
	presence      Presence
	log           *slog.Logger
	defaultRadius float64
	maxRadius     float64
	now           func() time.Time
}

func NewService(store storage.Store, sink LocationSink, finder Finder, defaultRadius, maxRadius float64, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		sink:          sink,
		finder:        finder,
		log:           logger,
		defaultRadius: defaultRadius,
		maxRadius:     maxRadius,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetPresence lets Me report whether the driver is connected.
func (s *Service) SetPresence(p Presence) { s.presence = p }

// UpdateLocation stores the driver's position and hands it to the location
// sink. source labels the channel it came in on (http, ws).
func (s *Service) UpdateLocation(ctx context.Context, driver models.Identity, p models.Point, source string) (*models.Driver, error) {
	if driver.Role != models.RoleDriver {
		return nil, errs.Deny("only drivers report locations")
	}
	if err := p.Validate(); err != nil {
		return nil, errs.Invalid(err.Error())
	}
	now := s.now()
	d, err := s.store.UpdateDriver(ctx, driver.SubjectID, models.DriverCondition{},
		models.DriverPatch{Location: &p, UpdatedAt: now})
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNotMatched) {
		return nil, errs.Missing("driver")
	}
	if err != nil {
		return nil, errs.Internalf(err, "update location for %s", driver.SubjectID)
	}
	observability.LocationUpdates.WithLabelValues(source).Inc()

	if !d.IsAvailable {
		// off duty or on a trip: the row keeps the position, the index does not
		return d, nil
	}
	u := models.LocationUpdate{DriverID: d.ID, Lat: p.Lat, Lng: p.Lon, At: now}
	if err := s.sink.PublishLocation(ctx, u); err != nil {
		// the row is updated; the index catches up on the next report
		s.log.Warn("publish location failed", "driver_id", d.ID, "error", err)
	}
	return d, nil
}

// SetAvailability toggles whether the driver receives offers. A driver bound
// to an ACCEPTED or IN_PROGRESS trip cannot become available.
func (s *Service) SetAvailability(ctx context.Context, driver models.Identity, available bool) (*models.Driver, error) {
	if driver.Role != models.RoleDriver {
		return nil, errs.Deny("only drivers have availability")
	}
	var out *models.Driver
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.LockDriver(ctx, driver.SubjectID)
		if errors.Is(err, storage.ErrNotFound) {
			return errs.Missing("driver")
		}
		if err != nil {
			return errs.Internalf(err, "lock driver %s", driver.SubjectID)
		}
		if available {
			if cur.Status != models.AccountActive {
				return errs.Deny("driver account is not active")
			}
			t, err := tx.FindActiveTripByDriver(ctx, driver.SubjectID)
			switch {
			case err == nil:
				return errs.Conflicting("cannot become available during an active trip").
					WithDetails(map[string]string{"tripId": t.ID})
			case !errors.Is(err, storage.ErrNotFound):
				return errs.Internalf(err, "find active trip for %s", driver.SubjectID)
			}
		}
		out, err = tx.UpdateDriver(ctx, driver.SubjectID, models.DriverCondition{},
			models.DriverPatch{IsAvailable: &available, UpdatedAt: s.now()})
		if err != nil {
			return errs.Internalf(err, "set availability for %s", driver.SubjectID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.syncIndex(ctx, out)
	s.log.Info("driver_availability", "driver_id", driver.SubjectID, "available", available)
	return out, nil
}

// GoOffline marks an available driver unavailable when their last live
// connection drops. Drivers on a trip are left alone.
func (s *Service) GoOffline(ctx context.Context, driver models.Identity) error {
	if driver.Role != models.RoleDriver {
		return nil
	}
	d, err := s.store.UpdateDriver(ctx, driver.SubjectID,
		models.DriverCondition{RequireAvailable: true},
		models.DriverPatch{IsAvailable: models.Ptr(false), UpdatedAt: s.now()})
	if errors.Is(err, storage.ErrNotMatched) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errs.Internalf(err, "take driver %s offline", driver.SubjectID)
	}
	s.syncIndex(ctx, d)
	s.log.Info("driver_offline", "driver_id", driver.SubjectID)
	return nil
}

// syncIndex keeps unavailable drivers out of the geo index and puts a driver
// back at their last known position when they become available.
func (s *Service) syncIndex(ctx context.Context, d *models.Driver) {
	var err error
	switch {
	case !d.IsAvailable:
		err = s.sink.RemoveLocation(ctx, d.ID)
	case d.Location != (models.Point{}):
		err = s.sink.PublishLocation(ctx, models.LocationUpdate{DriverID: d.ID, Lat: d.Location.Lat, Lng: d.Location.Lon, At: s.now()})
	}
	if err != nil {
		s.log.Warn("sync driver index failed", "driver_id", d.ID, "available", d.IsAvailable, "error", err)
	}
}

// Profile is the driver with their current trip, if any.
type Profile struct {
	Driver     *models.Driver `json:"driver"`
	ActiveTrip *models.Trip   `json:"activeTrip"`
	Online     bool           `json:"online"`
}

func (s *Service) Me(ctx context.Context, driver models.Identity) (*Profile, error) {
	if driver.Role != models.RoleDriver {
		return nil, errs.Deny("")
	}
	d, err := s.store.GetDriver(ctx, driver.SubjectID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.Missing("driver")
	}
	if err != nil {
		return nil, errs.Internalf(err, "get driver %s", driver.SubjectID)
	}
	p := &Profile{Driver: d}
	if s.presence != nil {
		p.Online = s.presence.Connected(d.ID)
	}
	t, err := s.store.FindActiveTripByDriver(ctx, driver.SubjectID)
	switch {
	case err == nil:
		p.ActiveTrip = t
	case !errors.Is(err, storage.ErrNotFound):
		return nil, errs.Internalf(err, "find active trip for %s", driver.SubjectID)
	}
	return p, nil
}

// Nearby lists eligible drivers around p for a rider. A zero radius means the
// default; larger radii are capped.
func (s *Service) Nearby(ctx context.Context, rider models.Identity, p models.Point, radiusMeters float64) ([]models.Candidate, error) {
	if rider.Role != models.RoleRider {
		return nil, errs.Deny("only riders can search for drivers")
	}
	if err := p.Validate(); err != nil {
		return nil, errs.Invalid(err.Error())
	}
	if radiusMeters < 0 {
		return nil, errs.Invalid("radius must not be negative")
	}
	if radiusMeters == 0 {
		radiusMeters = s.defaultRadius
	}
	if s.maxRadius > 0 && radiusMeters > s.maxRadius {
		radiusMeters = s.maxRadius
	}
	cands, err := s.finder.Nearby(ctx, p, radiusMeters)
	if err != nil {
		return nil, errs.Internalf(err, "nearby drivers")
	}
	if cands == nil {
		cands = []models.Candidate{}
	}
	return cands, nil
}
