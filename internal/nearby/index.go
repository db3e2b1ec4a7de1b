package nearby

import (
	"sort"

	"github.com/tidwall/rtree"

	"github.com/mini-subway-live/realtime/internal/geo"
	"github.com/mini-subway-live/realtime/internal/models"
)

// DefaultRadiusKm is the default search radius (half a mile)
const DefaultRadiusKm = 0.8

// NearbyStation is a station with its distance and walking time from the query point
type NearbyStation struct {
	models.Station
	DistanceKm     float64 `json:"distanceKm"`
	WalkingMinutes int     `json:"walkingMinutes"`
}

// Index is a read-only bounding-box tree of stations keyed by (lon, lat).
// Build it once; queries are safe for concurrent use.
type Index struct {
	tree     rtree.RTreeG[int]
	stations []models.Station
}

// NewIndex indexes every station as a degenerate point box
func NewIndex(stations []models.Station) *Index {
	ix := &Index{stations: append([]models.Station(nil), stations...)}
	for i, s := range ix.stations {
		p := [2]float64{s.Longitude, s.Latitude}
		ix.tree.Insert(p, p, i)
	}
	return ix
}

// Len returns the number of indexed stations
func (ix *Index) Len() int {
	return len(ix.stations)
}

// Nearby returns stations within radiusKm of (lat, lon), nearest first.
// Candidates come from a degree bounding box and are refined by haversine.
func (ix *Index) Nearby(lat, lon, radiusKm float64) []NearbyStation {
	if radiusKm <= 0 {
		return []NearbyStation{}
	}

	dLat, dLon := geo.RadiusToDegrees(lat, radiusKm)
	min := [2]float64{lon - dLon, lat - dLat}
	max := [2]float64{lon + dLon, lat + dLat}

	result := []NearbyStation{}
	ix.tree.Search(min, max, func(_, _ [2]float64, i int) bool {
		s := ix.stations[i]
		d := geo.HaversineKm(lat, lon, s.Latitude, s.Longitude)
		if d <= radiusKm {
			result = append(result, NearbyStation{
				Station:        s,
				DistanceKm:     d,
				WalkingMinutes: WalkingTimeMinutes(d),
			})
		}
		return true
	})

	sort.SliceStable(result, func(a, b int) bool {
		if result[a].DistanceKm != result[b].DistanceKm {
			return result[a].DistanceKm < result[b].DistanceKm
		}
		return result[a].ID < result[b].ID
	})
	return result
}
