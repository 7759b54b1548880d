// Package geo holds the great-circle math shared by the in-memory store and
// shipping quotes. The MySQL store computes the same metric with
// ST_Distance_Sphere.
package geo

import (
	"math"

	"marketplace-service/internal/entity"
)

// EarthRadiusMeters matches the sphere radius MySQL uses for ST_Distance_Sphere.
const EarthRadiusMeters = 6370986.0

// DistanceKm returns the haversine distance between two points.
func DistanceKm(a, b entity.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h)) / 1000
}
