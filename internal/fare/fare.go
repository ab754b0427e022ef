// Package fare prices trips. Estimates are deterministic functions of the
// great-circle distance; routing engines are out of scope.
package fare

import (
	"math"
	"strings"
)

// Estimator is the pluggable fare function used at trip creation and
// completion. Amounts are in minor currency units.
type Estimator interface {
	Estimate(distanceMeters float64, vehicleType string) int64
}

// DistanceEstimator charges Base plus PerKm for each kilometre, scaled by a
// per-vehicle multiplier.
type DistanceEstimator struct {
	Base        int64
	PerKm       int64
	Multipliers map[string]float64
}

func NewDistanceEstimator(base, perKm int64) *DistanceEstimator {
	return &DistanceEstimator{
		Base:  base,
		PerKm: perKm,
		Multipliers: map[string]float64{
			"economy": 1.0,
			"comfort": 1.3,
			"xl":      1.6,
		},
	}
}

func (e *DistanceEstimator) Estimate(distanceMeters float64, vehicleType string) int64 {
	if distanceMeters < 0 || math.IsNaN(distanceMeters) {
		distanceMeters = 0
	}
	mult := 1.0
	if m, ok := e.Multipliers[strings.ToLower(vehicleType)]; ok {
		mult = m
	}
	raw := float64(e.Base) + float64(e.PerKm)*distanceMeters/1000
	return int64(math.Round(raw * mult))
}

// Fixed always returns the same amount.
type Fixed int64

func (f Fixed) Estimate(float64, string) int64 { return int64(f) }
