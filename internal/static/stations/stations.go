package stations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mini-subway-live/realtime/internal/models"
)

// LoadFile reads the static station list. Both a plain JSON array of
// stations and a GeoJSON FeatureCollection of points are accepted.
func LoadFile(path string) ([]models.Station, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stations file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []models.Station
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to parse stations: %w", err)
		}
		return clean(list), nil
	}

	var geojson struct {
		Features []struct {
			Properties struct {
				ID     string   `json:"id"`
				Name   string   `json:"name"`
				Routes []string `json:"routes"`
			} `json:"properties"`
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(trimmed, &geojson); err != nil {
		return nil, fmt.Errorf("failed to parse stations: %w", err)
	}

	list := make([]models.Station, 0, len(geojson.Features))
	for _, f := range geojson.Features {
		if len(f.Geometry.Coordinates) < 2 {
			continue
		}
		list = append(list, models.Station{
			ID:        f.Properties.ID,
			Name:      f.Properties.Name,
			Longitude: f.Geometry.Coordinates[0],
			Latitude:  f.Geometry.Coordinates[1],
			Routes:    f.Properties.Routes,
		})
	}
	return clean(list), nil
}

// LoadPostgres reads the station list from a stations table
func LoadPostgres(ctx context.Context, databaseURL string) ([]models.Station, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	query := `
		SELECT
			stop_id,
			stop_name,
			stop_lat,
			stop_lon,
			COALESCE(routes, '{}')
		FROM stations
		ORDER BY stop_id
	`

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	var list []models.Station
	for rows.Next() {
		var s models.Station
		if err := rows.Scan(&s.ID, &s.Name, &s.Latitude, &s.Longitude, &s.Routes); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stations: %w", err)
	}

	return clean(list), nil
}

// Load picks Postgres when a database URL is configured, the file otherwise
func Load(ctx context.Context, path, databaseURL string) ([]models.Station, error) {
	var (
		list []models.Station
		err  error
	)
	if databaseURL != "" {
		list, err = LoadPostgres(ctx, databaseURL)
	} else {
		list, err = LoadFile(path)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("Stations: loaded %d stations", len(list))
	return list, nil
}

// clean drops entries without an id or with out-of-range coordinates
func clean(list []models.Station) []models.Station {
	out := list[:0]
	for _, s := range list {
		if s.ID == "" || s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Directory answers id lookups over a station list. It is immutable after
// construction and safe for concurrent use.
type Directory struct {
	byID map[string]models.Station
}

// NewDirectory indexes stations by id
func NewDirectory(list []models.Station) *Directory {
	d := &Directory{byID: make(map[string]models.Station, len(list))}
	for _, s := range list {
		d.byID[s.ID] = s
	}
	return d
}

// Lookup finds a station by exact id, then with a direction suffix stripped
func (d *Directory) Lookup(stopID string) (models.Station, bool) {
	if s, ok := d.byID[stopID]; ok {
		return s, true
	}
	s, ok := d.byID[models.StripDirectionSuffix(stopID)]
	return s, ok
}

// StopCoordinate implements position.StopLocator
func (d *Directory) StopCoordinate(stopID string) (models.LatLon, bool) {
	s, ok := d.Lookup(stopID)
	if !ok {
		return models.LatLon{}, false
	}
	return models.LatLon{Lat: s.Latitude, Lon: s.Longitude}, true
}

// Len returns the number of stations
func (d *Directory) Len() int {
	return len(d.byID)
}

// Stations returns all stations sorted by id
func (d *Directory) Stations() []models.Station {
	out := make([]models.Station, 0, len(d.byID))
	for _, s := range d.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
