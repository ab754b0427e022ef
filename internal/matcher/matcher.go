package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Drivers looks up driver records to check eligibility.
type Drivers interface {
	GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error)
}

type Service struct {
	Geo     geo.Index
	Drivers Drivers
	Bus     dispatch.Publisher
	Log     *slog.Logger
	// TopN caps the candidate set. Zero means 10.
	TopN int
	// Broadcast sends new requests to every connected driver instead of
	// only the candidates.
	Broadcast bool
}

func (s *Service) topN() int {
	if s.TopN <= 0 {
		return 10
	}
	return s.TopN
}

// Nearby returns available, active drivers within radiusMeters of p, nearest
// first. The geo window doubles until topN eligible drivers are found or the
// radius holds no more positions, so a cluster of busy drivers near p cannot
// hide available ones further out.
func (s *Service) Nearby(ctx context.Context, p models.Point, radiusMeters float64) ([]models.Candidate, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	want := s.topN()
	out := make([]models.Candidate, 0, want)
	checked := make(map[string]bool)
	for limit := want * 4; ; limit *= 2 {
		cands, err := s.Geo.Within(ctx, p, radiusMeters, limit)
		if err != nil {
			return nil, fmt.Errorf("geo query: %w", err)
		}
		fresh := make([]models.Candidate, 0, len(cands))
		for _, c := range cands {
			if !checked[c.DriverID] {
				checked[c.DriverID] = true
				fresh = append(fresh, c)
			}
		}
		if err := s.appendEligible(ctx, &out, fresh, want); err != nil {
			return nil, err
		}
		if len(out) >= want || len(cands) < limit {
			break
		}
	}
	observability.MatchCandidates.Observe(float64(len(out)))
	return out, nil
}

func (s *Service) appendEligible(ctx context.Context, out *[]models.Candidate, cands []models.Candidate, want int) error {
	if len(cands) == 0 {
		return nil
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.DriverID
	}
	drivers, err := s.Drivers.GetDrivers(ctx, ids)
	if err != nil {
		return fmt.Errorf("load drivers: %w", err)
	}
	eligible := make(map[string]bool, len(drivers))
	for _, d := range drivers {
		eligible[d.ID] = d.Eligible()
	}
	for _, c := range cands {
		if len(*out) == want {
			return nil
		}
		if eligible[c.DriverID] {
			*out = append(*out, c)
		}
	}
	return nil
}

// Notify offers trip to the candidates. Failures are logged; delivery is
// best effort.
func (s *Service) Notify(ctx context.Context, trip *models.Trip, cands []models.Candidate) {
	ev := models.Event{Type: models.EventNewTripRequest, TripID: trip.ID, Trip: trip, At: trip.CreatedAt}
	if s.Broadcast {
		if err := s.Bus.Publish(ctx, models.TopicAllDrivers, ev); err != nil {
			s.Log.Warn("broadcast trip request failed", "trip_id", trip.ID, "error", err)
		}
		return
	}
	for _, c := range cands {
		if err := s.Bus.Publish(ctx, models.DriverTopic(c.DriverID), ev); err != nil {
			s.Log.Warn("offer trip failed", "trip_id", trip.ID, "driver_id", c.DriverID, "error", err)
		}
	}
}
