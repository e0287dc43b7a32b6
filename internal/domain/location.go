package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Location is a query point in decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ParseLocation parses lat/lon query values and validates the result.
func ParseLocation(lat, lon string) (Location, error) {
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: lat %q", ErrInvalidLocation, lat)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: lon %q", ErrInvalidLocation, lon)
	}
	loc := Location{Lat: la, Lon: lo}
	if err := loc.Validate(); err != nil {
		return Location{}, err
	}
	return loc, nil
}

// Validate rejects NaN, infinite and out-of-range coordinates.
func (l Location) Validate() error {
	switch {
	case math.IsNaN(l.Lat) || math.IsInf(l.Lat, 0) || l.Lat < -90 || l.Lat > 90:
		return fmt.Errorf("%w: latitude %v outside [-90, 90]", ErrInvalidLocation, l.Lat)
	case math.IsNaN(l.Lon) || math.IsInf(l.Lon, 0) || l.Lon < -180 || l.Lon > 180:
		return fmt.Errorf("%w: longitude %v outside [-180, 180]", ErrInvalidLocation, l.Lon)
	}
	return nil
}

// Canonical rounds both coordinates to four decimals (about 11 m), the
// granularity at which two query points share one feed.
func (l Location) Canonical() Location {
	return Location{Lat: round4(l.Lat), Lon: round4(l.Lon)}
}

// Key is the canonical string form used for feed and condition keys.
func (l Location) Key() string {
	c := l.Canonical()
	return strconv.FormatFloat(c.Lat, 'f', 4, 64) + "," + strconv.FormatFloat(c.Lon, 'f', 4, 64)
}

func (l Location) String() string { return l.Key() }

func round4(v float64) float64 {
	r := math.Round(v*1e4) / 1e4
	if r == 0 {
		return 0 // drop negative zero
	}
	return r
}
