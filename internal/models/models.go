package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Point is a geographic position. On the wire it is a GeoJSON Point whose
// coordinates are ordered [longitude, latitude].
type Point struct {
	Lon float64
	Lat float64
}

type geoJSONPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

var ErrInvalidPoint = errors.New("invalid point")

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(geoJSONPoint{Type: "Point", Coordinates: []float64{p.Lon, p.Lat}})
}

func (p *Point) UnmarshalJSON(b []byte) error {
	var g geoJSONPoint
	if err := json.Unmarshal(b, &g); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	if g.Type != "" && g.Type != "Point" {
		return fmt.Errorf("%w: type must be Point, got %q", ErrInvalidPoint, g.Type)
	}
	if len(g.Coordinates) != 2 {
		return fmt.Errorf("%w: expected 2 coordinates, got %d", ErrInvalidPoint, len(g.Coordinates))
	}
	p.Lon, p.Lat = g.Coordinates[0], g.Coordinates[1]
	return nil
}

// Validate checks both coordinates are finite and inside WGS84 bounds.
func (p Point) Validate() error {
	if math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) || math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) {
		return fmt.Errorf("%w: coordinates must be finite", ErrInvalidPoint)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidPoint, p.Lon)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidPoint, p.Lat)
	}
	return nil
}

// Role is the caller's role as asserted by a verified credential.
type Role uint8

const (
	RoleRider Role = iota + 1
	RoleDriver
)

func (r Role) String() string {
	switch r {
	case RoleRider:
		return "rider"
	case RoleDriver:
		return "driver"
	default:
		return "unknown"
	}
}

func (r Role) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

// ParseRole accepts "rider" and the legacy "user" tag for riders, and "driver".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rider", "user":
		return RoleRider, nil
	case "driver":
		return RoleDriver, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Identity is the verified caller of an operation.
type Identity struct {
	SubjectID string `json:"subject_id"`
	Role      Role   `json:"role"`
}

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountDeleted   AccountStatus = "deleted"
)

type Rider struct {
	ID     string        `json:"id"`
	Status AccountStatus `json:"status"`
}

// Page selects a window of a listing. Page is 1-based.
type Page struct {
	Page  int
	Limit int
}

func (p Page) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}
