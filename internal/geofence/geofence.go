// Package geofence decides whether a reported position falls inside the
// circular permitted area around a mess.
package geofence

import (
	"math"

	"messattend/internal/model"
)

const earthRadiusM = 6371000.0

// Result is the outcome of a geofence evaluation.
type Result struct {
	Within    bool `json:"within"`
	DistanceM int  `json:"distance_m"`
}

// Evaluate computes the great-circle distance between the reported position
// and the mess location and compares it against the allowed radius in meters.
func Evaluate(reported, center model.Point, radiusM int) Result {
	d := haversineM(reported, center)
	return Result{Within: d <= float64(radiusM), DistanceM: int(math.Round(d))}
}

func haversineM(a, b model.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
