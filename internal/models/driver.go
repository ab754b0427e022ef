package models

import "time"

type Driver struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Location    Point         `json:"location"`
	IsAvailable bool          `json:"isAvailable"`
	Status      AccountStatus `json:"status"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Eligible reports whether the driver may be offered and accept trips.
func (d *Driver) Eligible() bool {
	return d.Status == AccountActive && d.IsAvailable
}

// DriverCondition guards a conditional driver write.
type DriverCondition struct {
	RequireActive    bool
	RequireAvailable bool
}

func (c DriverCondition) Matches(d *Driver) bool {
	if c.RequireActive && d.Status != AccountActive {
		return false
	}
	if c.RequireAvailable && !d.IsAvailable {
		return false
	}
	return true
}

type DriverPatch struct {
	IsAvailable *bool
	Location    *Point
	UpdatedAt   time.Time
}

func (p DriverPatch) Apply(d *Driver) {
	if p.IsAvailable != nil {
		d.IsAvailable = *p.IsAvailable
	}
	if p.Location != nil {
		d.Location = *p.Location
	}
	d.UpdatedAt = p.UpdatedAt
}

// LocationUpdate is a position report from a driver's device. It is also the
// message format of the driver-locations Kafka topic.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}

func (u LocationUpdate) Point() Point { return Point{Lon: u.Lng, Lat: u.Lat} }

// Candidate is a driver found near a pickup point.
type Candidate struct {
	DriverID       string  `json:"driverId"`
	DistanceMeters float64 `json:"distance"`
	Location       Point   `json:"location"`
}
