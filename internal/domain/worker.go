package domain

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Tier is the discrete risk classification of a tracked worker.
type Tier string

const (
	TierSafe      Tier = "SAFE"
	TierCaution   Tier = "CAUTION"
	TierEmergency Tier = "EMERGENCY"
)

// Worker score bands. A score equal to a bound belongs to the higher tier.
const (
	CautionThreshold   = 40.0
	EmergencyThreshold = 70.0
)

// TierFor maps a worker risk score to its tier.
func TierFor(score float64) Tier {
	switch {
	case score >= EmergencyThreshold:
		return TierEmergency
	case score >= CautionThreshold:
		return TierCaution
	default:
		return TierSafe
	}
}

// ParseTier accepts SAFE, CAUTION or EMERGENCY in any case.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToUpper(strings.TrimSpace(s))); t {
	case TierSafe, TierCaution, TierEmergency:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Severity orders tiers: EMERGENCY > CAUTION > SAFE.
func (t Tier) Severity() int {
	switch t {
	case TierEmergency:
		return 2
	case TierCaution:
		return 1
	}
	return 0
}

// Position is a point on the logical site map, both axes in [0, 100].
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Worker is the server-side record of one tracked person.
type Worker struct {
	ID        string    `json:"id"`
	Position  Position  `json:"position"`
	Zone      string    `json:"zone"`
	Tier      Tier      `json:"risk_tier"`
	RiskScore float64   `json:"risk_score"`
	HeartRate Measure   `json:"heart_rate"`
	SpO2      Measure   `json:"spo2"`
	SOS       bool      `json:"sos"`
	LastSeen  time.Time `json:"last_seen"`
	Stale     bool      `json:"stale"`
}

// CompareWorkers orders by tier severity, then descending risk score, then id.
func CompareWorkers(a, b Worker) int {
	if c := cmp.Compare(b.Tier.Severity(), a.Tier.Severity()); c != 0 {
		return c
	}
	if c := cmp.Compare(b.RiskScore, a.RiskScore); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// SortWorkers sorts ws in place by CompareWorkers.
func SortWorkers(ws []Worker) {
	slices.SortStableFunc(ws, CompareWorkers)
}

// HazardZone is a circular area of the site map exposed to the site's
// environmental risk.
type HazardZone struct {
	Name   string   `json:"name"`
	Center Position `json:"center"`
	Radius float64  `json:"radius"`
}

// Proximity returns 1 at the zone center falling linearly to 0 at its edge.
func (z HazardZone) Proximity(p Position) float64 {
	if z.Radius <= 0 {
		return 0
	}
	d := math.Hypot(p.X-z.Center.X, p.Y-z.Center.Y)
	return math.Max(0, 1-d/z.Radius)
}

// Distance is the euclidean distance from p to the zone center.
func (z HazardZone) Distance(p Position) float64 {
	return math.Hypot(p.X-z.Center.X, p.Y-z.Center.Y)
}

// ParseHazardZones parses "name:x:y:radius" entries separated by commas.
func ParseHazardZones(s string) ([]HazardZone, error) {
	var zones []HazardZone
	for entry := range strings.SplitSeq(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 || parts[0] == "" {
			return nil, fmt.Errorf("malformed hazard zone %q", entry)
		}
		var nums [3]float64
		for i, raw := range parts[1:] {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed hazard zone %q: %w", entry, err)
			}
			nums[i] = v
		}
		if nums[2] <= 0 {
			return nil, fmt.Errorf("hazard zone %q needs a positive radius", parts[0])
		}
		zones = append(zones, HazardZone{
			Name:   parts[0],
			Center: Position{X: nums[0], Y: nums[1]},
			Radius: nums[2],
		})
	}
	return zones, nil
}
