package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/mini-subway-live/realtime/internal/nearby"
)

// nearbyQuery is the validated query of GET /api/stations/nearby
type nearbyQuery struct {
	Lat    float64 `validate:"gte=-90,lte=90"`
	Lon    float64 `validate:"gte=-180,lte=180"`
	Radius float64 `validate:"gt=0,lte=5"`
}

// NearbyStationsResponse is the JSON response for GET /api/stations/nearby
type NearbyStationsResponse struct {
	Stations []nearby.NearbyStation `json:"stations"`
	Count    int                    `json:"count"`
	RadiusKm float64                `json:"radiusKm"`
}

// StationHandler answers spatial station queries
type StationHandler struct {
	index         *nearby.Index
	defaultRadius float64
	validate      *validator.Validate
}

// NewStationHandler creates a handler over a prebuilt index
func NewStationHandler(index *nearby.Index, defaultRadius float64) *StationHandler {
	if defaultRadius <= 0 {
		defaultRadius = nearby.DefaultRadiusKm
	}
	return &StationHandler{index: index, defaultRadius: defaultRadius, validate: validator.New()}
}

// GetNearby handles GET /api/stations/nearby?lat=&lon=&radius=
// Returns stations within radius km, nearest first.
func (h *StationHandler) GetNearby(w http.ResponseWriter, r *http.Request) {
	q := nearbyQuery{Radius: h.defaultRadius}
	var err error

	params := r.URL.Query()
	if q.Lat, err = strconv.ParseFloat(params.Get("lat"), 64); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "lat query parameter is required"})
		return
	}
	if q.Lon, err = strconv.ParseFloat(params.Get("lon"), 64); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "lon query parameter is required"})
		return
	}
	if raw := params.Get("radius"); raw != "" {
		if q.Radius, err = strconv.ParseFloat(raw, 64); err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "radius must be a number"})
			return
		}
	}

	if err := h.validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query",
			Details: map[string]interface{}{"validation": err.Error()},
		})
		return
	}

	stations := h.index.Nearby(q.Lat, q.Lon, q.Radius)
	writeJSON(w, http.StatusOK, NearbyStationsResponse{
		Stations: stations,
		Count:    len(stations),
		RadiusKm: q.Radius,
	})
}
