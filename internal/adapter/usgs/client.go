// Package usgs implements the seismic provider on top of the USGS FDSN
// event web service.
package usgs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// SeismicProvider reports the strongest event and the event count within a
// radius of the query point over a trailing lookback window.
type SeismicProvider struct {
	httpClient *http.Client
	baseURL    string
	radiusKM   float64
	lookback   time.Duration
	limiter    *rate.Limiter
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewSeismicProvider creates a USGS client.
func NewSeismicProvider(baseURL string, radiusKM float64, lookback, timeout time.Duration, ratePerSecond float64, logger *slog.Logger) *SeismicProvider {
	return &SeismicProvider{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:  baseURL,
		radiusKM: radiusKM,
		lookback: lookback,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), max(1, int(ratePerSecond))),
		clock:    clockwork.NewRealClock(),
		logger:   logger.With("component", "usgs"),
	}
}

func (p *SeismicProvider) Name() string { return "usgs-seismic" }

func (p *SeismicProvider) Fetch(ctx context.Context, loc domain.Location) (domain.Observation, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.Observation{}, fmt.Errorf("%w: usgs rate limit: %w", domain.ErrProviderUnavailable, err)
	}

	params := url.Values{
		"format":      {"geojson"},
		"latitude":    {strconv.FormatFloat(loc.Lat, 'f', 4, 64)},
		"longitude":   {strconv.FormatFloat(loc.Lon, 'f', 4, 64)},
		"maxradiuskm": {strconv.FormatFloat(p.radiusKM, 'f', -1, 64)},
		"starttime":   {p.clock.Now().UTC().Add(-p.lookback).Format(time.RFC3339)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/query?"+params.Encode(), nil)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("%w: usgs request: %w", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	// FDSN services may answer 204 when the query matches nothing.
	if resp.StatusCode == http.StatusNoContent {
		return quiet(), nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Observation{}, fmt.Errorf("%w: usgs API error: status %d: %s", domain.ErrProviderUnavailable, resp.StatusCode, body)
	}

	var fc featureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return domain.Observation{}, fmt.Errorf("%w: decode usgs response: %w", domain.ErrProviderUnavailable, err)
	}
	if fc.Features == nil {
		return domain.Observation{}, fmt.Errorf("%w: usgs response has no features array", domain.ErrProviderUnavailable)
	}

	strongest := 0.0
	for _, f := range fc.Features {
		if f.Properties.Mag != nil && *f.Properties.Mag > strongest {
			strongest = *f.Properties.Mag
		}
	}
	p.logger.Debug("seismic query complete", "location", loc.Key(), "events", len(fc.Features), "strongest", strongest)

	return domain.Observation{
		Seismic: domain.Seismic{
			StrongestMagnitude: domain.Some(strongest),
			EventCount:         domain.Some(float64(len(fc.Features))),
		},
	}, nil
}

// quiet is the observation for a window without events: magnitude 0 is a
// real reading, not an absent one.
func quiet() domain.Observation {
	return domain.Observation{
		Seismic: domain.Seismic{StrongestMagnitude: domain.Some(0), EventCount: domain.Some(0)},
	}
}

// USGS GeoJSON response types.

type featureCollection struct {
	Features []feature `json:"features"`
}

type feature struct {
	Properties struct {
		Mag   *float64 `json:"mag"`
		Place string   `json:"place"`
		Time  int64    `json:"time"` // epoch milliseconds
	} `json:"properties"`
}
