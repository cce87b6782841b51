// Package geo computes great-circle distances between coordinates.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the IUGG mean Earth radius.
const EarthRadiusMeters = 6371008.8

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// InvalidCoordinateError is returned for non-finite or out-of-range input.
type InvalidCoordinateError struct {
	Point Point
}

func (e *InvalidCoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate (%v, %v)", e.Point.Lat, e.Point.Lon)
}

// Valid reports whether p is finite and within the lat/lon ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// DistanceMeters returns the haversine distance between a and b in meters.
func DistanceMeters(a, b Point) (float64, error) {
	if !a.Valid() {
		return 0, &InvalidCoordinateError{Point: a}
	}
	if !b.Valid() {
		return 0, &InvalidCoordinateError{Point: b}
	}

	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, h)

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h)), nil
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
