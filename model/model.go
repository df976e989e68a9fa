// Package model contains core data types for the project.
package model

import (
	"encoding/json"
	"fmt"
)

// Period identifies one production accounting period.
type Period string

const (
	PeriodToday    Period = "today"
	PeriodMonth    Period = "month"
	PeriodYear     Period = "year"
	PeriodLifetime Period = "lifetime"
)

// Periods returns the accounting periods in reporting order.
func Periods() []Period {
	return []Period{PeriodToday, PeriodMonth, PeriodYear, PeriodLifetime}
}

// State is a single reported state for a metric key. Scalar metrics carry
// Val (null on the wire becomes nil), enumerated metrics carry Tags.
type State struct {
	Val  *float64
	Tags []int
}

// UnmarshalJSON accepts both wire forms of a state object:
// {"val": 1234}, {"val": null} and {"val": [{"tag": 307}]}.
func (s *State) UnmarshalJSON(data []byte) error {
	var probe struct {
		Val json.RawMessage `json:"val"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if len(probe.Val) == 0 || string(probe.Val) == "null" {
		return nil
	}
	if probe.Val[0] == '[' {
		var tags []struct {
			Tag int `json:"tag"`
		}
		if err := json.Unmarshal(probe.Val, &tags); err != nil {
			return err
		}
		for _, t := range tags {
			s.Tags = append(s.Tags, t.Tag)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(probe.Val, &v); err != nil {
		return err
	}
	s.Val = &v
	return nil
}

// RawValue is the uninterpreted per-key payload returned by a device. The
// wire shape is {"1": [state, ...]}; channel "1" is the only one the
// inverters report.
type RawValue struct {
	States []State
}

func (rv *RawValue) UnmarshalJSON(data []byte) error {
	var channels map[string][]State
	if err := json.Unmarshal(data, &channels); err != nil {
		return err
	}
	rv.States = channels["1"]
	return nil
}

// RawValues is one device reply: metric key to raw payload.
type RawValues map[string]RawValue

// ValueKind discriminates the cleaned value variants.
type ValueKind int

const (
	KindScalar ValueKind = iota // single scaled reading
	KindPhases                  // per-phase readings, optionally with a device total
	KindTag                     // enumerated state resolved to a display string
)

// Value is a cleaned, typed device reading.
type Value struct {
	Kind      ValueKind
	Scalar    float64
	Phases    map[string]float64
	Tag       string
	Precision *int
}

// MarshalJSON renders the active variant: a number, a phase map, or a string.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindScalar:
		return json.Marshal(v.Scalar)
	case KindPhases:
		return json.Marshal(v.Phases)
	case KindTag:
		return json.Marshal(v.Tag)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.Kind)
}

// Metadata describes one metric key: type, scaling, display precision and
// unit tag. Fetched once per device at session start.
type Metadata struct {
	Typ      int      `json:"Typ"`
	Scale    *float64 `json:"Scale"`
	DataFrmt *int     `json:"DataFrmt"`
	Unit     int      `json:"Unit"`
	TagID    int      `json:"TagId"`
}

// MetadataDict maps metric key to its metadata.
type MetadataDict map[string]Metadata

// TagDict maps an opaque numeric code (as a string, matching the wire form)
// to its human-readable display string.
type TagDict map[string]string

// HistoryPoint is one cumulative meter sample from the device logger.
// V is nil when the device has no sample for the slot.
type HistoryPoint struct {
	T int64  `json:"t"`
	V *int64 `json:"v"`
}

// Baseline is the cumulative meter value anchoring the start of a period.
type Baseline struct {
	T int64 `json:"t"`
	V int64 `json:"v"`
}

// DeviceHistory is a time-ranged meter history for one device. Inverter
// carries the device-identifying marker; the site total uses "site".
type DeviceHistory struct {
	Inverter string
	Points   []HistoryPoint
}

// Sensor is one computed metric bundle routed to the output sinks: a topic
// plus device-name (or derived-field) keyed values. "site" holds the
// cross-device sum when the underlying key is aggregate-eligible.
type Sensor struct {
	Topic     string
	Values    map[string]Value
	Precision *int
}

// ScalarSensor builds a Sensor from plain numeric values.
func ScalarSensor(topic string, values map[string]float64) Sensor {
	s := Sensor{Topic: topic, Values: make(map[string]Value, len(values))}
	for k, v := range values {
		s.Values[k] = Value{Kind: KindScalar, Scalar: v}
	}
	return s
}
