// Package geofence evaluates whether a reported position lies within a circular fence.
package geofence

import (
	"errors"
	"math"
)

const (
	// EarthRadiusMeters is the IUGG mean Earth radius.
	EarthRadiusMeters = 6371008.8
	// DefaultRadiusMeters is the fixed admission radius for class sessions.
	DefaultRadiusMeters = 5.0
)

// ErrInvalidCoordinate is returned for latitudes outside [-90,90], longitudes outside [-180,180] or non-finite values.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a position in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the point is a finite, in-range coordinate.
func (p Point) Validate() error {
	if !finite(p.Latitude) || !finite(p.Longitude) {
		return ErrInvalidCoordinate
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return ErrInvalidCoordinate
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidCoordinate
	}
	return nil
}

// Result is the outcome of a fence evaluation.
type Result struct {
	DistanceMeters float64 `json:"distance_meters"`
	Allowed        bool    `json:"allowed"`
}

// Evaluate measures the great-circle distance between anchor and point and
// reports whether it is within radiusMeters (inclusive).
func Evaluate(anchor, point Point, radiusMeters float64) (Result, error) {
	if err := anchor.Validate(); err != nil {
		return Result{}, err
	}
	if err := point.Validate(); err != nil {
		return Result{}, err
	}
	if !finite(radiusMeters) || radiusMeters < 0 {
		return Result{}, ErrInvalidCoordinate
	}
	d := Distance(anchor, point)
	return Result{DistanceMeters: d, Allowed: d <= radiusMeters}, nil
}

// Distance returns the haversine distance in meters. Inputs are assumed valid.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// rounding can push h marginally outside [0,1] for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
