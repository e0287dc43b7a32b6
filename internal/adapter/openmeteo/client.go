// Package openmeteo implements weather and hydrology providers on top of the
// Open-Meteo forecast API.
package openmeteo

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

// Client is a rate-limited Open-Meteo forecast client shared by the
// weather and hydrology providers.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewClient creates an Open-Meteo client. ratePerSecond bounds outbound
// requests across both providers; an apiKey selects the commercial endpoint
// when non-empty.
func NewClient(baseURL, apiKey string, timeout time.Duration, ratePerSecond float64, logger *slog.Logger) *Client {
	return &Client{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), max(1, int(ratePerSecond))),
		clock:   clockwork.NewRealClock(),
		logger:  logger.With("component", "openmeteo"),
	}
}

func (c *Client) forecast(ctx context.Context, loc domain.Location, params url.Values) (forecastResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return forecastResponse{}, fmt.Errorf("%w: open-meteo rate limit: %w", domain.ErrProviderUnavailable, err)
	}

	params.Set("latitude", strconv.FormatFloat(loc.Lat, 'f', 4, 64))
	params.Set("longitude", strconv.FormatFloat(loc.Lon, 'f', 4, 64))
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	fullURL := c.baseURL + "/forecast?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return forecastResponse{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return forecastResponse{}, fmt.Errorf("%w: open-meteo request: %w", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return forecastResponse{}, fmt.Errorf("%w: open-meteo API error: status %d: %s", domain.ErrProviderUnavailable, resp.StatusCode, body)
	}

	var out forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return forecastResponse{}, fmt.Errorf("%w: decode open-meteo response: %w", domain.ErrProviderUnavailable, err)
	}
	return out, nil
}

// Open-Meteo API response types. Values are pointers because the API
// returns null for hours or variables without data.

type forecastResponse struct {
	Current *currentBlock `json:"current"`
	Hourly  *hourlyBlock  `json:"hourly"`
}

type currentBlock struct {
	Time               string   `json:"time"`
	Temperature2m      *float64 `json:"temperature_2m"`
	RelativeHumidity2m *float64 `json:"relative_humidity_2m"`
	WindSpeed10m       *float64 `json:"wind_speed_10m"`
}

type hourlyBlock struct {
	Time          []string   `json:"time"`
	Precipitation []*float64 `json:"precipitation"`
	SoilMoisture  []*float64 `json:"soil_moisture_0_to_1cm"`
}

func measureOf(p *float64) domain.Measure {
	if p == nil {
		return domain.None()
	}
	return domain.Some(*p)
}
