package geo

import "math"

const (
	earthRadiusKm = 6371.0

	// KmPerDegreeLat is the approximate length of one degree of latitude
	KmPerDegreeLat = 111.0
)

// HaversineKm calculates the great-circle distance between two points in kilometers
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaPhi := (lat2 - lat1) * math.Pi / 180
	deltaLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// Bearing calculates the initial great-circle bearing from point 1 to point 2
// in degrees, normalized to [0, 360). Identical points have no direction and
// return 0.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}

	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaLambda := (lon2 - lon1) * math.Pi / 180

	x := math.Sin(deltaLambda) * math.Cos(phi2)
	y := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(deltaLambda)

	return NormalizeBearing(math.Atan2(x, y) * 180 / math.Pi)
}

// NormalizeBearing maps any angle in degrees into [0, 360)
func NormalizeBearing(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	b := math.Mod(deg, 360)
	if b < 0 {
		b += 360
	}
	// math.Mod(-1e-15, 360) + 360 rounds to exactly 360
	if b >= 360 {
		b = 0
	}
	return b
}

// AngleDelta returns the shortest signed rotation from one bearing to another,
// in [-180, 180]
func AngleDelta(from, to float64) float64 {
	d := to - from
	for d > 180 {
		d -= 360
	}
	for d < -180 {
		d += 360
	}
	return d
}

// Lerp linearly interpolates between a and b
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Clamp01 constrains a value to [0, 1]
func Clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Progress returns clamp01((now - start) / (end - start)). A non-positive span
// yields 0.
func Progress(now, start, end float64) float64 {
	span := end - start
	if span <= 0 {
		return 0
	}
	return Clamp01((now - start) / span)
}

// RadiusToDegrees converts a radius in km around a latitude into half-widths of
// a latitude/longitude bounding box. Longitude degrees are widened by
// 1/cos(lat) to account for meridian convergence.
func RadiusToDegrees(lat, radiusKm float64) (dLat, dLon float64) {
	dLat = radiusKm / KmPerDegreeLat
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 1e-6 {
		return dLat, 180
	}
	dLon = dLat / cosLat
	return dLat, dLon
}
