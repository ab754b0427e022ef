package trip

import (
	"context"
	"errors"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Get returns a trip to its rider or assigned driver.
func (s *Service) Get(ctx context.Context, actor models.Identity, tripID string) (*models.Trip, error) {
	t, err := s.store.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.Missing("trip")
	}
	if err != nil {
		return nil, errs.Internalf(err, "get trip %s", tripID)
	}
	if err := party(actor, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Active returns the rider's open trip or the driver's ACCEPTED or
// IN_PROGRESS trip.
func (s *Service) Active(ctx context.Context, actor models.Identity) (*models.Trip, error) {
	var (
		t   *models.Trip
		err error
	)
	switch actor.Role {
	case models.RoleRider:
		t, err = s.store.FindOpenTripByRider(ctx, actor.SubjectID)
	case models.RoleDriver:
		t, err = s.store.FindActiveTripByDriver(ctx, actor.SubjectID)
	default:
		return nil, errs.Deny("")
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.E(errs.NotFound, "no active trip")
	}
	if err != nil {
		return nil, errs.Internalf(err, "find active trip for %s", actor.SubjectID)
	}
	return t, nil
}

// HistoryPage is one page of past and current trips, newest first.
type HistoryPage struct {
	Trips []*models.Trip `json:"trips"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

func (s *Service) History(ctx context.Context, actor models.Identity, page models.Page) (*HistoryPage, error) {
	if page.Page < 1 {
		page.Page = 1
	}
	if page.Limit <= 0 {
		page.Limit = defaultPageSize
	}
	if page.Limit > maxPageSize {
		page.Limit = maxPageSize
	}
	var f models.TripFilter
	switch actor.Role {
	case models.RoleRider:
		f.RiderID = actor.SubjectID
	case models.RoleDriver:
		f.DriverID = actor.SubjectID
	default:
		return nil, errs.Deny("")
	}
	trips, total, err := s.store.ListTrips(ctx, f, page)
	if err != nil {
		return nil, errs.Internalf(err, "list trips for %s", actor.SubjectID)
	}
	if trips == nil {
		trips = []*models.Trip{}
	}
	return &HistoryPage{Trips: trips, Total: total, Page: page.Page, Limit: page.Limit}, nil
}
