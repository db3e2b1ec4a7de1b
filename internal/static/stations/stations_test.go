package stations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile_Array(t *testing.T) {
	path := writeFile(t, "stations.json", `[
		{"id": "A41", "name": "Jay St-MetroTech", "latitude": 40.692, "longitude": -73.987, "routes": ["A", "C", "F"]},
		{"id": "", "name": "no id", "latitude": 1, "longitude": 1},
		{"id": "BAD", "name": "bad lat", "latitude": 123, "longitude": 1}
	]`)

	list, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "A41", list[0].ID)
	assert.Equal(t, []string{"A", "C", "F"}, list[0].Routes)
}

func TestLoadFile_GeoJSON(t *testing.T) {
	path := writeFile(t, "stations.geojson", `{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "properties": {"id": "127", "name": "Times Sq-42 St"}, "geometry": {"type": "Point", "coordinates": [-73.987, 40.755]}},
			{"type": "Feature", "properties": {"id": "X"}, "geometry": {"type": "Point", "coordinates": []}}
		]
	}`)

	list, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.InDelta(t, 40.755, list[0].Latitude, 1e-9)
	assert.InDelta(t, -73.987, list[0].Longitude, 1e-9)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, "bad.json", `{not json`))
	assert.Error(t, err)
}

func TestDirectory_SuffixLookup(t *testing.T) {
	path := writeFile(t, "stations.json", `[{"id": "127", "name": "Times Sq", "latitude": 40.755, "longitude": -73.987}]`)
	list, err := LoadFile(path)
	require.NoError(t, err)

	d := NewDirectory(list)
	assert.Equal(t, 1, d.Len())

	ll, ok := d.StopCoordinate("127N")
	require.True(t, ok)
	assert.InDelta(t, 40.755, ll.Lat, 1e-9)

	s, ok := d.Lookup("127")
	require.True(t, ok)
	assert.Equal(t, "Times Sq", s.Name)

	_, ok = d.StopCoordinate("128S")
	assert.False(t, ok)
}
