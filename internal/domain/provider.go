package domain

import "context"

// Observation is the partial reading a single provider contributes to a
// snapshot. Fields the provider does not own stay absent.
type Observation struct {
	Weather            Weather
	Precipitation24hMM Measure
	SoilMoisturePct    Measure
	Seismic            Seismic
}

// Provider fetches raw readings for a coordinate from one external source.
type Provider interface {
	// Name identifies the provider in logs, metrics and snapshot audits.
	Name() string

	// Fetch returns the provider's readings for loc. Implementations must
	// honor ctx cancellation and wrap failures with ErrProviderUnavailable.
	Fetch(ctx context.Context, loc Location) (Observation, error)
}

// Merge fills every field absent in o with the corresponding field of other.
// Fields already present in o win.
func (o Observation) Merge(other Observation) Observation {
	o.Weather.TemperatureC = o.Weather.TemperatureC.Or(other.Weather.TemperatureC)
	o.Weather.HumidityPct = o.Weather.HumidityPct.Or(other.Weather.HumidityPct)
	o.Weather.WindSpeedMS = o.Weather.WindSpeedMS.Or(other.Weather.WindSpeedMS)
	o.Precipitation24hMM = o.Precipitation24hMM.Or(other.Precipitation24hMM)
	o.SoilMoisturePct = o.SoilMoisturePct.Or(other.SoilMoisturePct)
	o.Seismic.StrongestMagnitude = o.Seismic.StrongestMagnitude.Or(other.Seismic.StrongestMagnitude)
	o.Seismic.EventCount = o.Seismic.EventCount.Or(other.Seismic.EventCount)
	return o
}
