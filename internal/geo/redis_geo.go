package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands so every API instance
// and the location consumer share one view of driver positions.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, p models.Point) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: driverID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	// GEO sets are sorted sets underneath
	return r.client.ZRem(ctx, r.key, driverID).Err()
}

func (r *RedisIndex) Within(ctx context.Context, p models.Point, radiusMeters float64, limit int) ([]models.Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, models.Candidate{
			DriverID:       g.Name,
			DistanceMeters: g.Dist,
			Location:       models.Point{Lon: g.Longitude, Lat: g.Latitude},
		})
	}
	return out, nil
}
