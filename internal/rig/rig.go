// Package rig defines the domain model for the irrigation rig: sensor
// readings, the device liveness verdict, user commands and the snapshot
// the engine publishes to the panel.
package rig

import (
	"fmt"
	"time"
)

// SensorID identifies one of the two soil moisture probes
type SensorID string

const (
	SensorA SensorID = "A"
	SensorB SensorID = "B"
)

// Sensors lists the probes in polling order
var Sensors = []SensorID{SensorA, SensorB}

// ParseSensorID accepts "A"/"B" in either case
func ParseSensorID(s string) (SensorID, error) {
	switch s {
	case "A", "a":
		return SensorA, nil
	case "B", "b":
		return SensorB, nil
	}
	return "", fmt.Errorf("unknown sensor %q", s)
}

// Plant returns the panel label for the sensor
func (id SensorID) Plant() string {
	return "Plant " + string(id)
}

// SensorReading is a normalized soil moisture value in percent
type SensorReading struct {
	ID    SensorID `json:"id"`
	Value int      `json:"value"`
}

// ClampPercent limits v to [0,100]
func ClampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Status is the ON/OFF state of the physical device
type Status string

const (
	StatusOn  Status = "ON"
	StatusOff Status = "OFF"
)

// DefaultLivenessWindow is the maximum heartbeat age still reported as ON
const DefaultLivenessWindow = 10 * time.Second

// LivenessVerdict is the outcome of one heartbeat check
type LivenessVerdict struct {
	LastSeen *int64 `json:"last_seen,omitempty"` // epoch seconds, nil if never reported
	AsOf     int64  `json:"as_of"`               // epoch seconds
	Status   Status `json:"status"`
}

// Evaluate computes the verdict for a heartbeat observed at asOf.
// A missing heartbeat is OFF.
func Evaluate(lastSeen *int64, asOf int64, window time.Duration) LivenessVerdict {
	v := LivenessVerdict{AsOf: asOf, Status: StatusOff}
	if lastSeen == nil {
		return v
	}
	ls := *lastSeen
	v.LastSeen = &ls

	age := asOf - ls
	switch {
	case ls < 0 && age < asOf:
		// age wrapped past MaxInt64
		return v
	case ls > 0 && age > asOf:
		// age wrapped past MinInt64, so the heartbeat is far in the future
		v.Status = StatusOn
		return v
	}
	if age <= int64(window/time.Second) {
		v.Status = StatusOn
	}
	return v
}

// IsOn reports whether the verdict is ON
func (v LivenessVerdict) IsOn() bool {
	return v.Status == StatusOn
}

// Snapshot is the engine's best-known view of the rig
type Snapshot struct {
	SensorA  *SensorReading   `json:"sensor_a,omitempty"`
	SensorB  *SensorReading   `json:"sensor_b,omitempty"`
	Liveness *LivenessVerdict `json:"liveness,omitempty"`
}

// Reading returns the latest reading for id, if any
func (s Snapshot) Reading(id SensorID) (SensorReading, bool) {
	var r *SensorReading
	switch id {
	case SensorA:
		r = s.SensorA
	case SensorB:
		r = s.SensorB
	}
	if r == nil {
		return SensorReading{}, false
	}
	return *r, true
}

// WithReading returns a copy of s with the reading replaced
func (s Snapshot) WithReading(r SensorReading) Snapshot {
	rr := r
	switch r.ID {
	case SensorA:
		s.SensorA = &rr
	case SensorB:
		s.SensorB = &rr
	}
	return s
}

// WithLiveness returns a copy of s with the verdict replaced
func (s Snapshot) WithLiveness(v LivenessVerdict) Snapshot {
	vv := v
	s.Liveness = &vv
	return s
}
