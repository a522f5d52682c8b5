// Package notice defines the one-shot outcome events the engine and the
// command dispatcher publish, and the bus that fans them out to consumers.
package notice

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/rigpanel/internal/rig"
)

// Kind tags a notice
type Kind string

const (
	SensorReadOk         Kind = "sensor_read_ok"
	SensorReadMissing    Kind = "sensor_read_missing"
	SensorReadParseError Kind = "sensor_read_parse_error"
	SensorReadFailed     Kind = "sensor_read_failed"
	LivenessComputed     Kind = "liveness_computed"
	CommandApplied       Kind = "command_applied"
	CommandFailed        Kind = "command_failed"
)

// Kinds lists every notice kind
var Kinds = []Kind{
	SensorReadOk, SensorReadMissing, SensorReadParseError, SensorReadFailed,
	LivenessComputed, CommandApplied, CommandFailed,
}

// Notice describes the outcome of one poll or one command
type Notice struct {
	ID        uuid.UUID            `json:"id"`
	Kind      Kind                 `json:"kind"`
	Sensor    rig.SensorID         `json:"sensor,omitempty"`
	Reading   *rig.SensorReading   `json:"reading,omitempty"`
	Liveness  *rig.LivenessVerdict `json:"liveness,omitempty"`
	Command   *rig.Command         `json:"command,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

func newNotice(kind Kind) Notice {
	return Notice{ID: uuid.New(), Kind: kind, Timestamp: time.Now().UTC()}
}

// ReadOk reports a successful sensor read
func ReadOk(r rig.SensorReading) Notice {
	n := newNotice(SensorReadOk)
	n.Sensor = r.ID
	n.Reading = &r
	return n
}

// ReadMissing reports a sensor path with no value
func ReadMissing(id rig.SensorID) Notice {
	n := newNotice(SensorReadMissing)
	n.Sensor = id
	return n
}

// ReadParseError reports a sensor value that is not an integer
func ReadParseError(id rig.SensorID, err error) Notice {
	n := newNotice(SensorReadParseError)
	n.Sensor = id
	n.Error = errString(err)
	return n
}

// ReadFailed reports a transport failure on a sensor read
func ReadFailed(id rig.SensorID, err error) Notice {
	n := newNotice(SensorReadFailed)
	n.Sensor = id
	n.Error = errString(err)
	return n
}

// Liveness reports a computed heartbeat verdict. err is the lookup error
// that forced the verdict to OFF, if any.
func Liveness(v rig.LivenessVerdict, err error) Notice {
	n := newNotice(LivenessComputed)
	n.Liveness = &v
	n.Error = errString(err)
	return n
}

// Applied reports a command the store acknowledged
func Applied(c rig.Command) Notice {
	n := newNotice(CommandApplied)
	n.Command = &c
	return n
}

// Failed reports a command write that failed
func Failed(c rig.Command, err error) Notice {
	n := newNotice(CommandFailed)
	n.Command = &c
	n.Error = errString(err)
	return n
}

// Message renders the notice as panel text
func (n Notice) Message() string {
	switch n.Kind {
	case SensorReadOk:
		return fmt.Sprintf("Successfully read sensor %s", n.Sensor)
	case SensorReadMissing:
		return "Path does not exist."
	case SensorReadParseError:
		return fmt.Sprintf("Invalid data for %s", n.Sensor.Plant())
	case SensorReadFailed:
		return fmt.Sprintf("FAILED to read data for %s", n.Sensor.Plant())
	case LivenessComputed:
		if n.Liveness == nil {
			return "Device is: OFF"
		}
		return fmt.Sprintf("Device is: %s", n.Liveness.Status)
	case CommandApplied:
		if n.Command == nil {
			return "Command applied"
		}
		switch n.Command.Kind {
		case rig.KindMoistureThreshold:
			return fmt.Sprintf("Moisture threshold updated to %d", n.Command.Threshold)
		case rig.KindServoPosition:
			return fmt.Sprintf("Servo position updated to %d", int(n.Command.Servo))
		}
		return fmt.Sprintf("%s updated to %v", n.Command.Label(), n.Command.Value())
	case CommandFailed:
		if n.Command == nil {
			return "Command failed"
		}
		return fmt.Sprintf("Failed to update %s", n.Command.Label())
	}
	return string(n.Kind)
}

// IsFailure reports whether the notice describes an error outcome
func (n Notice) IsFailure() bool {
	switch n.Kind {
	case SensorReadMissing, SensorReadParseError, SensorReadFailed, CommandFailed:
		return true
	}
	return false
}

// MarshalBinary encodes the notice as JSON for wire sinks
func (n Notice) MarshalBinary() ([]byte, error) {
	return json.Marshal(n)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
