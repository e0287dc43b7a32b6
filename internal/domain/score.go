package domain

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// FactorName identifies one environmental input to the risk score.
type FactorName string

const (
	FactorTemperature   FactorName = "temperature"
	FactorHumidity      FactorName = "humidity"
	FactorWind          FactorName = "wind"
	FactorPrecipitation FactorName = "precipitation"
	FactorSoilMoisture  FactorName = "soil"
	FactorSeismic       FactorName = "seismic"
)

// Factors lists every factor in the order they appear in an assessment.
var Factors = []FactorName{
	FactorTemperature,
	FactorHumidity,
	FactorWind,
	FactorPrecipitation,
	FactorSoilMoisture,
	FactorSeismic,
}

// Level is the discrete band of a risk score.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Band lower bounds. A score equal to a bound belongs to the higher band.
const (
	MediumThreshold = 40.0
	HighThreshold   = 70.0
)

// LevelFor maps a score to its band. NaN falls into LOW.
func LevelFor(score float64) Level {
	switch {
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ParseLevel accepts LOW, MEDIUM or HIGH in any case.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(strings.TrimSpace(s))); l {
	case LevelLow, LevelMedium, LevelHigh:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Elevated reports whether the level is alertable.
func (l Level) Elevated() bool { return l == LevelHigh }

// Factor is one auditable term of the weighted sum.
type Factor struct {
	Name       FactorName `json:"name"`
	Value      float64    `json:"value"`
	Normalized float64    `json:"normalized"`
	Weight     float64    `json:"weight"`
}

// RiskAssessment is the scored output derived from one snapshot.
type RiskAssessment struct {
	Location   Location  `json:"location"`
	Score      float64   `json:"score"`
	Level      Level     `json:"level"`
	Factors    []Factor  `json:"contributing_factors"`
	CapturedAt time.Time `json:"captured_at"`
	Degraded   bool      `json:"degraded"`
}

// Equal compares two assessments by value, ignoring CapturedAt.
func (a RiskAssessment) Equal(b RiskAssessment) bool {
	return a.Location == b.Location &&
		a.Score == b.Score &&
		a.Level == b.Level &&
		a.Degraded == b.Degraded &&
		slices.Equal(a.Factors, b.Factors)
}

// ScoringPolicy holds factor weights and normalization maxima. A policy must
// not be modified once it is shared; Score only reads it.
type ScoringPolicy struct {
	Weights map[FactorName]float64
	Maxima  map[FactorName]float64
}

// DefaultWeights and DefaultMaxima are the canonical scoring tables.
const (
	DefaultWeights = "temperature=0.1,humidity=0.1,wind=0.1,precipitation=0.25,soil=0.2,seismic=0.25"
	DefaultMaxima  = "temperature=45,humidity=100,wind=20,precipitation=50,soil=100,seismic=6"
)

// DefaultScoringPolicy returns the canonical policy.
func DefaultScoringPolicy() ScoringPolicy {
	weights, _ := ParseFactorTable(DefaultWeights)
	maxima, _ := ParseFactorTable(DefaultMaxima)
	return ScoringPolicy{Weights: weights, Maxima: maxima}
}

// NewScoringPolicy parses weight and maxima tables and validates them.
func NewScoringPolicy(weights, maxima string) (ScoringPolicy, error) {
	w, err := ParseFactorTable(weights)
	if err != nil {
		return ScoringPolicy{}, fmt.Errorf("weights: %w", err)
	}
	m, err := ParseFactorTable(maxima)
	if err != nil {
		return ScoringPolicy{}, fmt.Errorf("maxima: %w", err)
	}
	p := ScoringPolicy{Weights: w, Maxima: m}
	if err := p.Validate(); err != nil {
		return ScoringPolicy{}, err
	}
	return p, nil
}

// Validate requires a non-negative weight and a positive maximum for every factor.
func (p ScoringPolicy) Validate() error {
	for _, name := range Factors {
		w, ok := p.Weights[name]
		if !ok || w < 0 {
			return fmt.Errorf("weight for %s must be set and non-negative", name)
		}
		m, ok := p.Maxima[name]
		if !ok || m <= 0 {
			return fmt.Errorf("maximum for %s must be set and positive", name)
		}
	}
	return nil
}

// ParseFactorTable parses "name=value,name=value". Unknown factor names are rejected.
func ParseFactorTable(s string) (map[FactorName]float64, error) {
	table := make(map[FactorName]float64, len(Factors))
	for pair := range strings.SplitSeq(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		factor := FactorName(strings.ToLower(strings.TrimSpace(name)))
		if !slices.Contains(Factors, factor) {
			return nil, fmt.Errorf("unknown factor %q", name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid value for %s: %q", factor, raw)
		}
		table[factor] = v
	}
	return table, nil
}

// Score computes 100 * Σ(w·n) / Σw over the factors present in the snapshot.
// Absent factors are skipped and their weight is not redistributed, so scores
// are only comparable between snapshots missing the same factors. A snapshot
// with no present factor scores 0.
func (p ScoringPolicy) Score(s TelemetrySnapshot) RiskAssessment {
	factors := make([]Factor, 0, len(Factors))
	var weighted, total float64
	for _, name := range Factors {
		v, ok := s.factorValue(name).Get()
		if !ok {
			continue
		}
		w := p.Weights[name]
		n := normalize(v, p.Maxima[name])
		factors = append(factors, Factor{Name: name, Value: v, Normalized: n, Weight: w})
		weighted += w * n
		total += w
	}

	var score float64
	if total > 0 {
		score = 100 * weighted / total
	}
	return RiskAssessment{
		Location:   s.Location,
		Score:      score,
		Level:      LevelFor(score),
		Factors:    factors,
		CapturedAt: s.CapturedAt,
		Degraded:   s.Degraded,
	}
}

func normalize(v, maximum float64) float64 {
	if maximum <= 0 {
		return 0
	}
	return math.Min(1, math.Max(0, v/maximum))
}
