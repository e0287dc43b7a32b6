package domain

import (
	"encoding/json"
	"math"
	"strconv"
)

// Measure is an optional reading. The zero value is absent, which is distinct
// from a present reading of zero.
type Measure struct {
	value float64
	ok    bool
}

// Some returns a present Measure. NaN and infinite values are treated as absent.
func Some(v float64) Measure {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Measure{}
	}
	return Measure{value: v, ok: true}
}

// None returns an absent Measure.
func None() Measure { return Measure{} }

// Get returns the value and whether it is present.
func (m Measure) Get() (float64, bool) { return m.value, m.ok }

// Present reports whether the reading was provided.
func (m Measure) Present() bool { return m.ok }

// Or returns m if present, otherwise fallback.
func (m Measure) Or(fallback Measure) Measure {
	if m.ok {
		return m
	}
	return fallback
}

func (m Measure) String() string {
	if !m.ok {
		return "unknown"
	}
	return strconv.FormatFloat(m.value, 'f', -1, 64)
}

// MarshalJSON encodes an absent reading as null.
func (m Measure) MarshalJSON() ([]byte, error) {
	if !m.ok {
		return []byte("null"), nil
	}
	return json.Marshal(m.value)
}

func (m *Measure) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Measure{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = Some(v)
	return nil
}
