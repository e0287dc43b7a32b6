package domain

import "time"

// Weather holds current surface conditions.
type Weather struct {
	TemperatureC Measure `json:"temperature_c"`
	HumidityPct  Measure `json:"humidity_pct"`
	WindSpeedMS  Measure `json:"wind_speed_ms"`
}

// Seismic summarizes recent earthquake activity around a location.
type Seismic struct {
	StrongestMagnitude Measure `json:"strongest_magnitude"`
	EventCount         Measure `json:"event_count"`
}

// ProviderStatus records how one provider fared during an aggregation cycle.
type ProviderStatus struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// TelemetrySnapshot is one fused, timestamped set of readings for a location.
// Snapshots are values: a newer snapshot supersedes an older one, neither is
// ever modified in place.
type TelemetrySnapshot struct {
	Location           Location         `json:"location"`
	Weather            Weather          `json:"weather"`
	Precipitation24hMM Measure          `json:"precipitation_24h_mm"`
	SoilMoisturePct    Measure          `json:"soil_moisture_pct"`
	Seismic            Seismic          `json:"seismic"`
	CapturedAt         time.Time        `json:"captured_at"`
	Degraded           bool             `json:"degraded"`
	Providers          []ProviderStatus `json:"providers,omitempty"`
}

// NewSnapshot assembles a snapshot from merged provider readings and stamps it
// with the package clock. The snapshot is degraded when no provider succeeded.
func NewSnapshot(loc Location, obs Observation, statuses []ProviderStatus) TelemetrySnapshot {
	degraded := true
	for _, st := range statuses {
		if st.OK {
			degraded = false
			break
		}
	}
	if degraded {
		obs = Observation{}
	}
	return TelemetrySnapshot{
		Location:           loc,
		Weather:            obs.Weather,
		Precipitation24hMM: obs.Precipitation24hMM,
		SoilMoisturePct:    obs.SoilMoisturePct,
		Seismic:            obs.Seismic,
		CapturedAt:         clock.Now().UTC(),
		Degraded:           degraded,
		Providers:          statuses,
	}
}

// WithCapturedAt returns a copy of s stamped with t.
func (s TelemetrySnapshot) WithCapturedAt(t time.Time) TelemetrySnapshot {
	s.CapturedAt = t
	return s
}

func (s TelemetrySnapshot) factorValue(name FactorName) Measure {
	switch name {
	case FactorTemperature:
		return s.Weather.TemperatureC
	case FactorHumidity:
		return s.Weather.HumidityPct
	case FactorWind:
		return s.Weather.WindSpeedMS
	case FactorPrecipitation:
		return s.Precipitation24hMM
	case FactorSoilMoisture:
		return s.SoilMoisturePct
	case FactorSeismic:
		return s.Seismic.StrongestMagnitude
	}
	return None()
}
