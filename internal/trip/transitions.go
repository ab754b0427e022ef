package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

type transition struct {
	verb      string
	to        models.TripStatus
	authorize func(actor models.Identity, t *models.Trip) error
	patch     func(cur *models.Trip, now time.Time) models.TripPatch
	// after runs in the same transaction once the trip write succeeded.
	after func(ctx context.Context, tx storage.Tx, before, after *models.Trip) error
}

var errStale = errors.New("trip changed concurrently")

// apply performs tr as one conditional write guarded by the status and
// version that were checked. When the write does not match, the trip is read
// again to report why.
func (s *Service) apply(ctx context.Context, actor models.Identity, tripID string, tr transition) (before, after *models.Trip, err error) {
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if err := s.check(actor, cur, tr); err != nil {
			return err
		}
		now := s.now()
		patch := tr.patch(cur, now)
		patch.Status = &tr.to
		patch.UpdatedAt = now
		updated, err := tx.UpdateTrip(ctx, tripID,
			models.TripCondition{Statuses: []models.TripStatus{cur.Status}, Version: cur.Version},
			patch)
		if errors.Is(err, storage.ErrNotMatched) {
			return errStale
		}
		if err != nil {
			return errs.Internalf(err, "%s trip %s", tr.verb, tripID)
		}
		if tr.after != nil {
			if err := tr.after(ctx, tx, cur, updated); err != nil {
				return err
			}
		}
		before, after = cur, updated
		return nil
	})
	switch {
	case err == nil:
		observability.TripTransitions.WithLabelValues(string(tr.to)).Inc()
		return before, after, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil, errs.Missing("trip")
	case errors.Is(err, errStale):
		return nil, nil, s.classify(ctx, actor, tripID, tr)
	}
	var domain *errs.Error
	if errors.As(err, &domain) {
		return nil, nil, err
	}
	return nil, nil, errs.Internalf(err, "%s trip %s", tr.verb, tripID)
}

// classify explains a conditional write that did not match.
func (s *Service) classify(ctx context.Context, actor models.Identity, tripID string, tr transition) error {
	cur, err := s.store.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return errs.Missing("trip")
	}
	if err != nil {
		return errs.Internalf(err, "reload trip %s", tripID)
	}
	if err := s.check(actor, cur, tr); err != nil {
		return err
	}
	return errs.Conflicting("trip was modified concurrently, retry")
}

// check verifies the actor before the state so that strangers learn nothing
// about a trip's progress.
func (s *Service) check(actor models.Identity, t *models.Trip, tr transition) error {
	if err := tr.authorize(actor, t); err != nil {
		return err
	}
	if models.CanTransition(t.Status, tr.to) {
		return nil
	}
	return errs.Invalid(fmt.Sprintf("cannot %s a trip that is %s", tr.verb, t.Status)).
		WithDetails(map[string]string{"status": string(t.Status)})
}

func assignedDriver(actor models.Identity, t *models.Trip) error {
	if actor.Role != models.RoleDriver || t.DriverID == "" || t.DriverID != actor.SubjectID {
		return errs.Deny("only the assigned driver can do this")
	}
	return nil
}

func party(actor models.Identity, t *models.Trip) error {
	switch actor.Role {
	case models.RoleRider:
		if t.RiderID == actor.SubjectID {
			return nil
		}
	case models.RoleDriver:
		if t.DriverID != "" && t.DriverID == actor.SubjectID {
			return nil
		}
	}
	return errs.Deny("not a party to this trip")
}
