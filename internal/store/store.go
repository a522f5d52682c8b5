// Package store defines the key-path interface to the hosted database
// shared by the panel and the rig.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Well-known paths in the rig namespace
const (
	PathSensorA           = "Sensor/SoilMoisture-A"
	PathSensorB           = "Sensor/SoilMoisture-B"
	PathLastSeen          = "thingStat/lastSeen"
	PathMoistureThreshold = "userInput/moistureThreshold"
	PathPumpState         = "userInput/pumpState"
	PathServoPos          = "userInput/servoPos"

	// LegacyPathMoistureThreshold is the misspelled key older rig firmware reads
	LegacyPathMoistureThreshold = "userInput/moistureTreshold"
)

var (
	// ErrNotFound is returned by Get when the path holds no value
	ErrNotFound = errors.New("store: path not found")

	// ErrParse is returned when a value is not the expected scalar shape
	ErrParse = errors.New("store: unexpected value")
)

// Store is an asynchronous key-path database. Calls may run concurrently
// and complete in any order.
type Store interface {
	// Get returns the raw JSON value at path, or ErrNotFound.
	Get(ctx context.Context, path string) (Value, error)
	// Set replaces the value at path.
	Set(ctx context.Context, path string, value any) error
}

// Value is a raw JSON scalar as held by the store
type Value []byte

// Encode marshals v into a Value
func Encode(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return Value(data), nil
}

// IsNull reports whether the value is empty or JSON null
func (v Value) IsNull() bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Int parses the value as an integer. Integral JSON numbers and strings
// holding a decimal integer are accepted; anything else is ErrParse.
func (v Value) Int() (int64, error) {
	t := bytes.TrimSpace(v)
	if len(t) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrParse)
	}

	if t[0] == '"' {
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return 0, fmt.Errorf("%w: %s", ErrParse, t)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrParse, s)
		}
		return n, nil
	}

	dec := json.NewDecoder(bytes.NewReader(t))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil || dec.InputOffset() != int64(len(t)) {
		return 0, fmt.Errorf("%w: %s", ErrParse, t)
	}
	num, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrParse, t)
	}
	if n, err := num.Int64(); err == nil {
		return n, nil
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s", ErrParse, t)
	}
	return int64(f), nil
}

// Bool parses the value as a JSON boolean
func (v Value) Bool() (bool, error) {
	var b bool
	if err := json.Unmarshal(bytes.TrimSpace(v), &b); err != nil {
		return false, fmt.Errorf("%w: %s", ErrParse, v)
	}
	return b, nil
}

func (v Value) String() string {
	return string(v)
}
