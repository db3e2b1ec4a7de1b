package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mini-subway-live/realtime/internal/models"
)

// API is a client for the backend's pull endpoints
type API struct {
	baseURL string
	client  *http.Client
}

// NewAPI creates a client for the backend at baseURL
func NewAPI(baseURL string, timeout time.Duration) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// StreamURL is the stream endpoint of this backend
func (a *API) StreamURL() string {
	return a.baseURL + "/api/trains/stream"
}

// errorBody is the backend's error response
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// StopArrivals fetches arrivals for one stop. Failures come back as
// ErrStopNotFound, ErrUpstreamTimeout or ErrUpstreamUnavailable; a cancelled
// ctx returns the context error unchanged.
func (a *API) StopArrivals(ctx context.Context, stopID string) (*models.StopArrivals, error) {
	var out models.StopArrivals
	if err := a.get(ctx, "/api/stops/"+url.PathEscape(stopID)+"/arrivals", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Trains fetches the current snapshot, for clients that missed the stream
func (a *API) Trains(ctx context.Context) (*models.TrainSnapshot, error) {
	var out models.TrainSnapshot
	if err := a.get(ctx, "/api/trains", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fmt.Errorf("%w: %v", models.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}

// statusError maps an error response onto the arrivals sentinels, preferring
// the body's code over the status
func statusError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)

	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	code := body.Code
	if code == "" {
		switch resp.StatusCode {
		case http.StatusNotFound:
			code = models.CodeNotFound
		case http.StatusGatewayTimeout:
			code = models.CodeTimeout
		default:
			code = models.CodeUnavailable
		}
	}

	switch code {
	case models.CodeNotFound:
		return fmt.Errorf("%w: %s", models.ErrStopNotFound, msg)
	case models.CodeTimeout:
		return fmt.Errorf("%w: %s", models.ErrUpstreamTimeout, msg)
	default:
		return fmt.Errorf("%w: %s", models.ErrUpstreamUnavailable, msg)
	}
}

// StationView loads arrivals for the selected station. Selecting another
// station aborts the previous fetch, and a superseded response is dropped.
type StationView struct {
	api      *API
	onResult func(stopID string, a *models.StopArrivals, err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64
}

// NewStationView creates a view over api; onResult receives every current answer
func NewStationView(api *API, onResult func(stopID string, a *models.StopArrivals, err error)) *StationView {
	return &StationView{api: api, onResult: onResult}
}

// Select starts loading stopID, superseding any fetch in flight
func (v *StationView) Select(stopID string) {
	v.mu.Lock()
	if v.cancel != nil {
		v.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.seq++
	seq := v.seq
	v.mu.Unlock()

	go func() {
		defer cancel()
		a, err := v.api.StopArrivals(ctx, stopID)

		v.mu.Lock()
		current := seq == v.seq
		v.mu.Unlock()
		if !current || errors.Is(err, context.Canceled) {
			return
		}
		v.onResult(stopID, a, err)
	}()
}

// Clear deselects the station and aborts its fetch
func (v *StationView) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	v.seq++
}
