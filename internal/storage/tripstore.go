package storage

import (
	"context"
	"errors"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrNotMatched is returned by conditional writes whose condition did not
	// hold, including when the record does not exist.
	ErrNotMatched = errors.New("storage: condition not matched")
	// ErrOpenTripExists is returned by InsertTrip when the rider already owns a
	// trip in an open status.
	ErrOpenTripExists = errors.New("storage: rider already has an open trip")
)

// Tx is the set of persistence operations available both inside and outside a
// transaction.
type Tx interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	FindOpenTripByRider(ctx context.Context, riderID string) (*models.Trip, error)
	FindActiveTripByDriver(ctx context.Context, driverID string) (*models.Trip, error)
	// InsertTrip fails with ErrOpenTripExists when the rider already has an
	// open trip; the check and the insert are one atomic step.
	InsertTrip(ctx context.Context, t *models.Trip) error
	// UpdateTrip applies patch only if cond holds, returning the updated trip
	// or ErrNotMatched.
	UpdateTrip(ctx context.Context, id string, cond models.TripCondition, patch models.TripPatch) (*models.Trip, error)
	ListTrips(ctx context.Context, f models.TripFilter, page models.Page) ([]*models.Trip, int, error)

	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error)
	// LockDriver reads the driver and holds its row until the transaction ends.
	LockDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, id string, cond models.DriverCondition, patch models.DriverPatch) (*models.Driver, error)

	GetRider(ctx context.Context, id string) (*models.Rider, error)
}

// Store persists trips, drivers and riders. InTx runs fn as a single unit of
// work: either every write inside it commits or none does.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
	SaveDriver(ctx context.Context, d *models.Driver) error
	SaveRider(ctx context.Context, r *models.Rider) error
	Ping(ctx context.Context) error
	Close() error
}
