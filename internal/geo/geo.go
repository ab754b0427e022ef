package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// Index is the driver position index used for proximity queries.
type Index interface {
	Upsert(ctx context.Context, driverID string, p models.Point) error
	Remove(ctx context.Context, driverID string) error
	// Within returns drivers within radiusMeters of p, nearest first, at most limit.
	Within(ctx context.Context, p models.Point, radiusMeters float64, limit int) ([]models.Candidate, error)
}

type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]models.Point
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{positions: make(map[string]models.Point)}
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID string, p models.Point) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[driverID] = p
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, driverID)
	return nil
}

// naive scan; fine for a single process, use RedisIndex when sharing state
func (g *MemoryIndex) Within(_ context.Context, p models.Point, radiusMeters float64, limit int) ([]models.Candidate, error) {
	g.mu.RLock()
	out := make([]models.Candidate, 0)
	for id, pos := range g.positions {
		dist := Haversine(p.Lat, p.Lon, pos.Lat, pos.Lon)
		if dist > radiusMeters {
			continue
		}
		out = append(out, models.Candidate{DriverID: id, DistanceMeters: dist, Location: pos})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two points.
func Distance(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
