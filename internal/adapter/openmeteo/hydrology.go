package openmeteo

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/relvacode/iso8601"
)

// HydrologyProvider supplies trailing 24 hour precipitation and top-layer
// soil moisture from the hourly forecast series.
type HydrologyProvider struct {
	client *Client
}

// NewHydrologyProvider creates a provider backed by c.
func NewHydrologyProvider(c *Client) *HydrologyProvider {
	return &HydrologyProvider{client: c}
}

func (p *HydrologyProvider) Name() string { return "open-meteo-hydrology" }

func (p *HydrologyProvider) Fetch(ctx context.Context, loc domain.Location) (domain.Observation, error) {
	resp, err := p.client.forecast(ctx, loc, url.Values{
		"hourly":        {"precipitation,soil_moisture_0_to_1cm"},
		"past_days":     {"1"},
		"forecast_days": {"1"},
		"timezone":      {"GMT"},
	})
	if err != nil {
		return domain.Observation{}, err
	}
	if resp.Hourly == nil {
		return domain.Observation{}, fmt.Errorf("%w: open-meteo response has no hourly block", domain.ErrProviderUnavailable)
	}

	precip, soil, err := summarizeHourly(*resp.Hourly, p.client.clock.Now().UTC())
	if err != nil {
		return domain.Observation{}, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	return domain.Observation{Precipitation24hMM: precip, SoilMoisturePct: soil}, nil
}

// summarizeHourly sums precipitation over (now-24h, now] and takes the most
// recent soil moisture value at or before now, converted from m³/m³ to percent.
// Hourly precipitation values cover the preceding hour.
func summarizeHourly(h hourlyBlock, now time.Time) (domain.Measure, domain.Measure, error) {
	windowStart := now.Add(-24 * time.Hour)

	var (
		sum        float64
		sawPrecip  bool
		soil       = domain.None()
		latestSoil time.Time
	)
	for i, raw := range h.Time {
		ts, err := iso8601.ParseString(raw)
		if err != nil {
			return domain.None(), domain.None(), fmt.Errorf("parse hourly time %q: %w", raw, err)
		}
		if ts.After(now) {
			continue
		}
		if i < len(h.Precipitation) && h.Precipitation[i] != nil && ts.After(windowStart) {
			sum += *h.Precipitation[i]
			sawPrecip = true
		}
		if i < len(h.SoilMoisture) && h.SoilMoisture[i] != nil && !ts.Before(latestSoil) {
			soil = domain.Some(*h.SoilMoisture[i] * 100)
			latestSoil = ts
		}
	}

	precip := domain.None()
	if sawPrecip {
		precip = domain.Some(sum)
	}
	return precip, soil, nil
}
