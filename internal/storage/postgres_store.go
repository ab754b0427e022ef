package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

//go:embed migrations/001_init.sql
var initSQL string

const uniqueViolation = "23505"

const tripColumns = `id, rider_id, driver_id, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat,
	pickup_name, destination_name, user_indications, vehicle_type, payment_method_id,
	status, version, created_at, updated_at, accepted_at, trip_start_time, trip_end_time, cancelled_at,
	distance_m, duration_s, estimated_fare, actual_fare, cancellation_fee, cancelled_by, cancellation_reason`

const driverColumns = `id, name, lon, lat, is_available, status, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	pgQueries
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{pgQueries: pgQueries{q: db}, db: db}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, initSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(pgQueries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (`+driverColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, lon = EXCLUDED.lon, lat = EXCLUDED.lat,
			is_available = EXCLUDED.is_available, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		d.ID, d.Name, d.Location.Lon, d.Location.Lat, d.IsAvailable, string(d.Status), d.UpdatedAt)
	return err
}

func (p *PostgresStore) SaveRider(ctx context.Context, r *models.Rider) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO riders (id, status) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		r.ID, string(r.Status))
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type pgQueries struct {
	q queryer
}

func (s pgQueries) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	return scanTripRow(row)
}

func (s pgQueries) FindOpenTripByRider(ctx context.Context, riderID string) (*models.Trip, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE rider_id = $1 AND status = ANY($2)
		LIMIT 1`, riderID, statusArray(models.OpenStatuses))
	return scanTripRow(row)
}

func (s pgQueries) FindActiveTripByDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE driver_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1`, driverID, statusArray(models.AssignedStatuses))
	return scanTripRow(row)
}

func (s pgQueries) InsertTrip(ctx context.Context, t *models.Trip) error {
	version := t.Version
	if version == 0 {
		version = 1
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO trips (`+tripColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27
		)`,
		t.ID, t.RiderID, nullString(t.DriverID),
		t.PickupLocation.Lon, t.PickupLocation.Lat, t.DropoffLocation.Lon, t.DropoffLocation.Lat,
		t.PickupName, t.DestinationName, t.UserIndications, t.VehicleTypeRequested, t.PaymentMethodID,
		string(t.Status), version, t.CreatedAt, t.UpdatedAt,
		t.AcceptedAt, t.TripStartTime, t.TripEndTime, t.CancelledAt,
		t.DistanceMeters, t.DurationSeconds, t.EstimatedFare, t.ActualFare, t.CancellationFee,
		string(t.CancelledBy), t.CancellationReason,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "trips_one_open_per_rider" {
		return ErrOpenTripExists
	}
	return err
}

func (s pgQueries) UpdateTrip(ctx context.Context, id string, cond models.TripCondition, patch models.TripPatch) (*models.Trip, error) {
	query, args := buildTripUpdate(id, cond, patch)
	t, err := scanTripRow(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotMatched
	}
	return t, err
}

func (s pgQueries) ListTrips(ctx context.Context, f models.TripFilter, page models.Page) ([]*models.Trip, int, error) {
	where, args := tripFilterWhere(f)

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM trips`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count trips: %w", err)
	}

	query := `SELECT ` + tripColumns + ` FROM trips` + where + ` ORDER BY created_at DESC, id DESC`
	if page.Limit > 0 {
		args = append(args, page.Limit, page.Offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s pgQueries) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	return scanDriverRow(row)
}

func (s pgQueries) GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get drivers: %w", err)
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s pgQueries) LockDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, id)
	return scanDriverRow(row)
}

func (s pgQueries) UpdateDriver(ctx context.Context, id string, cond models.DriverCondition, patch models.DriverPatch) (*models.Driver, error) {
	args := []any{id, patch.UpdatedAt}
	sets := []string{"updated_at = $2"}
	if patch.IsAvailable != nil {
		args = append(args, *patch.IsAvailable)
		sets = append(sets, "is_available = $"+strconv.Itoa(len(args)))
	}
	if patch.Location != nil {
		args = append(args, patch.Location.Lon, patch.Location.Lat)
		sets = append(sets, fmt.Sprintf("lon = $%d, lat = $%d", len(args)-1, len(args)))
	}
	where := "id = $1"
	if cond.RequireActive {
		where += " AND status = 'active'"
	}
	if cond.RequireAvailable {
		where += " AND is_available"
	}
	row := s.q.QueryRowContext(ctx,
		`UPDATE drivers SET `+strings.Join(sets, ", ")+` WHERE `+where+` RETURNING `+driverColumns, args...)
	d, err := scanDriverRow(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotMatched
	}
	return d, err
}

func (s pgQueries) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	var status string
	err := s.q.QueryRowContext(ctx, `SELECT id, status FROM riders WHERE id = $1`, id).Scan(&r.ID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.AccountStatus(status)
	return &r, nil
}

// buildTripUpdate renders a conditional UPDATE ... RETURNING for patch,
// guarded by cond.
func buildTripUpdate(id string, cond models.TripCondition, patch models.TripPatch) (string, []any) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	sets := []string{"updated_at = " + arg(patch.UpdatedAt), "version = version + 1"}
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.DriverID != nil {
		sets = append(sets, "driver_id = "+arg(nullString(*patch.DriverID)))
	}
	if patch.AcceptedAt != nil {
		sets = append(sets, "accepted_at = "+arg(*patch.AcceptedAt))
	}
	if patch.TripStartTime != nil {
		sets = append(sets, "trip_start_time = "+arg(*patch.TripStartTime))
	}
	if patch.TripEndTime != nil {
		sets = append(sets, "trip_end_time = "+arg(*patch.TripEndTime))
	}
	if patch.CancelledAt != nil {
		sets = append(sets, "cancelled_at = "+arg(*patch.CancelledAt))
	}
	if patch.DurationSeconds != nil {
		sets = append(sets, "duration_s = "+arg(*patch.DurationSeconds))
	}
	if patch.ActualFare != nil {
		sets = append(sets, "actual_fare = "+arg(*patch.ActualFare))
	}
	if patch.CancellationFee != nil {
		sets = append(sets, "cancellation_fee = "+arg(*patch.CancellationFee))
	}
	if patch.CancelledBy != nil {
		sets = append(sets, "cancelled_by = "+arg(string(*patch.CancelledBy)))
	}
	if patch.CancellationReason != nil {
		sets = append(sets, "cancellation_reason = "+arg(*patch.CancellationReason))
	}

	where := []string{"id = " + arg(id)}
	if len(cond.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(statusArray(cond.Statuses))+")")
	}
	if cond.RiderID != "" {
		where = append(where, "rider_id = "+arg(cond.RiderID))
	}
	if cond.DriverID != "" {
		where = append(where, "driver_id = "+arg(cond.DriverID))
	}
	if cond.Version > 0 {
		where = append(where, "version = "+arg(cond.Version))
	}

	q := `UPDATE trips SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + tripColumns
	return q, args
}

func tripFilterWhere(f models.TripFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.RiderID != "" {
		args = append(args, f.RiderID)
		clauses = append(clauses, "rider_id = $"+strconv.Itoa(len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		clauses = append(clauses, "driver_id = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanTripRow(row *sql.Row) (*models.Trip, error) {
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var (
		t                                           models.Trip
		driverID                                    sql.NullString
		status, cancelledBy                         string
		acceptedAt, startedAt, endedAt, cancelledAt sql.NullTime
		duration, actualFare                        sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.RiderID, &driverID,
		&t.PickupLocation.Lon, &t.PickupLocation.Lat, &t.DropoffLocation.Lon, &t.DropoffLocation.Lat,
		&t.PickupName, &t.DestinationName, &t.UserIndications, &t.VehicleTypeRequested, &t.PaymentMethodID,
		&status, &t.Version, &t.CreatedAt, &t.UpdatedAt,
		&acceptedAt, &startedAt, &endedAt, &cancelledAt,
		&t.DistanceMeters, &duration, &t.EstimatedFare, &actualFare, &t.CancellationFee,
		&cancelledBy, &t.CancellationReason,
	)
	if err != nil {
		return nil, err
	}
	t.DriverID = driverID.String
	t.Status = models.TripStatus(status)
	t.CancelledBy = models.CancelledBy(cancelledBy)
	t.AcceptedAt = toTimePtr(acceptedAt)
	t.TripStartTime = toTimePtr(startedAt)
	t.TripEndTime = toTimePtr(endedAt)
	t.CancelledAt = toTimePtr(cancelledAt)
	if duration.Valid {
		t.DurationSeconds = &duration.Int64
	}
	if actualFare.Valid {
		t.ActualFare = &actualFare.Int64
	}
	return &t, nil
}

func scanDriverRow(row *sql.Row) (*models.Driver, error) {
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var (
		d      models.Driver
		status string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Location.Lon, &d.Location.Lat, &d.IsAvailable, &status, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = models.AccountStatus(status)
	return &d, nil
}

func statusArray(ss []models.TripStatus) any {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return pq.Array(out)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
