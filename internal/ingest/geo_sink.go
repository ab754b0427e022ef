package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

var ErrInvalidUpdate = errors.New("invalid location update")

// GeoSink writes location reports straight into the geo index. It is used
// when no Kafka brokers are configured.
type GeoSink struct {
	Index geo.Index
}

func (g GeoSink) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	return Apply(ctx, g.Index, u, 1, 0)
}

func (g GeoSink) RemoveLocation(ctx context.Context, driverID string) error {
	return g.Index.Remove(ctx, driverID)
}

// Decode parses and checks one driver-locations message.
func Decode(b []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if u.DriverID == "" {
		return u, fmt.Errorf("%w: missing driver_id", ErrInvalidUpdate)
	}
	if err := u.Point().Validate(); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return u, nil
}

// Apply upserts the driver's position, retrying with doubling delay.
func Apply(ctx context.Context, idx geo.Index, u models.LocationUpdate, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Upsert(ctx, u.DriverID, u.Point()); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
