// Package models defines the metric data structures used throughout the daemon.
// A Metric is one keyed, timestamped value produced by digesting the output of
// an item; sinks persist or transmit batches of them.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Value is either a float64 measurement or the raw textual output of an item.
// The zero value is the number 0.
type Value struct {
	number float64
	text   string
	raw    bool
}

// Number returns a numeric Value.
func Number(f float64) Value {
	return Value{number: f}
}

// Raw returns a Value carrying unparsed item output.
func Raw(s string) Value {
	return Value{text: s, raw: true}
}

// IsRaw reports whether the value holds raw text instead of a number.
func (v Value) IsRaw() bool { return v.raw }

// Float returns the numeric value. It is 0 for raw values.
func (v Value) Float() float64 { return v.number }

// Text returns the raw text. It is empty for numeric values.
func (v Value) Text() string { return v.text }

// String formats the value the way the file sink stores it: numbers in the
// shortest representation that round-trips, raw text as-is.
func (v Value) String() string {
	if v.raw {
		return v.text
	}
	return strconv.FormatFloat(v.number, 'g', -1, 64)
}

// Interface returns the value as a float64 or a string, suitable for
// field maps of wire protocols.
func (v Value) Interface() interface{} {
	if v.raw {
		return v.text
	}
	return v.number
}

// MarshalJSON encodes numbers as JSON numbers and raw values as JSON strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw {
		return json.Marshal(v.text)
	}
	if math.IsNaN(v.number) || math.IsInf(v.number, 0) {
		return nil, fmt.Errorf("cannot encode non-finite value %v", v.number)
	}
	return json.Marshal(v.number)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Raw(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Number(f)
	return nil
}

// Metric is a single keyed measurement at a point in time.
type Metric struct {
	Key       string    `json:"key"`
	Value     Value     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is what a single tick of an item hands to the output dispatcher:
// the digested metrics plus the raw output they were digested from.
type Result struct {
	ItemKey   string
	Metrics   []Metric
	Raw       string
	Timestamp time.Time
}

// RawMetric returns the raw output of the result as a metric keyed
// "<item>.raw".
func (r Result) RawMetric() Metric {
	return Metric{
		Key:       RawKey(r.ItemKey),
		Value:     Raw(r.Raw),
		Timestamp: r.Timestamp,
	}
}
