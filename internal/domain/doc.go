// Package domain models the environmental risk telemetry of a mine site.
//
// # Readings
//
// A [TelemetrySnapshot] fuses readings from independent providers for one
// [Location]. Every reading is a [Measure]: absent when the owning provider
// failed, present otherwise. Zero is a valid reading and is never used to
// mean "unknown". Units:
//
//	temperature_c          degrees Celsius, 2 m above ground
//	humidity_pct           relative humidity, 0–100
//	wind_speed_ms          metres per second, 10 m above ground
//	precipitation_24h_mm   millimetres accumulated over the trailing 24 hours
//	soil_moisture_pct      volumetric water content of the top 1 cm, 0–100
//	strongest_magnitude    largest event magnitude within the search radius
//	event_count            number of events within the search radius
//
// A snapshot whose providers all failed carries only its location and
// timestamp and is flagged Degraded. Degradation is a soft signal for
// display layers, not an error.
//
// # Scoring
//
// [ScoringPolicy.Score] is a pure function. Each present factor is
// normalized against its configured maximum and clamped to [0, 1]:
//
//	score = 100 * Σ(weight_i * normalized_i) / Σ(weight_i over present factors)
//
// Absent factors are excluded and their weight is not redistributed. Scores
// computed from snapshots missing different factors are therefore not
// directly comparable. Bands are inclusive on their lower bound:
//
//	score < 40         LOW
//	40 <= score < 70   MEDIUM
//	score >= 70        HIGH
//
// The canonical weights are temperature 0.1, humidity 0.1, wind 0.1,
// precipitation 0.25, soil 0.2 and seismic 0.25. The canonical maxima are
// 45 °C, 100 %, 20 m/s, 50 mm, 100 % and magnitude 6. Both tables are policy
// and are overridable through configuration.
//
// # Personnel
//
// A [Worker] is classified into a [Tier] from its risk score: 70 and above
// is EMERGENCY, 40 and above is CAUTION, anything lower is SAFE. Worker
// listings are ordered by [CompareWorkers].
//
// # Alerts
//
// [AlertRecord] values are append-only. A condition key ([LocationCondition],
// [WorkerCondition]) ties the records of one logical condition together.
package domain
