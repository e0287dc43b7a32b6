package openmeteo

import (
	"context"
	"fmt"
	"net/url"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
)

// WeatherProvider supplies current temperature, humidity and wind speed.
type WeatherProvider struct {
	client *Client
}

// NewWeatherProvider creates a provider backed by c.
func NewWeatherProvider(c *Client) *WeatherProvider {
	return &WeatherProvider{client: c}
}

func (p *WeatherProvider) Name() string { return "open-meteo-weather" }

func (p *WeatherProvider) Fetch(ctx context.Context, loc domain.Location) (domain.Observation, error) {
	resp, err := p.client.forecast(ctx, loc, url.Values{
		"current":         {"temperature_2m,relative_humidity_2m,wind_speed_10m"},
		"wind_speed_unit": {"ms"},
		"timezone":        {"GMT"},
	})
	if err != nil {
		return domain.Observation{}, err
	}
	if resp.Current == nil {
		return domain.Observation{}, fmt.Errorf("%w: open-meteo response has no current block", domain.ErrProviderUnavailable)
	}

	return domain.Observation{
		Weather: domain.Weather{
			TemperatureC: measureOf(resp.Current.Temperature2m),
			HumidityPct:  measureOf(resp.Current.RelativeHumidity2m),
			WindSpeedMS:  measureOf(resp.Current.WindSpeed10m),
		},
	}, nil
}
