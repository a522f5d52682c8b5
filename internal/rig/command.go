package rig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CommandKind identifies the user intent carried by a Command
type CommandKind string

const (
	KindMoistureThreshold CommandKind = "moisture_threshold"
	KindPumpState         CommandKind = "pump_state"
	KindServoPosition     CommandKind = "servo_position"
)

// ServoIndex selects which plant the servo points at
type ServoIndex int

const (
	PlantA ServoIndex = 0
	PlantB ServoIndex = 1
)

func (i ServoIndex) String() string {
	switch i {
	case PlantA:
		return "Plant A"
	case PlantB:
		return "Plant B"
	}
	return fmt.Sprintf("ServoIndex(%d)", int(i))
}

// Command is a single user intent. Exactly one of the value fields is
// meaningful, selected by Kind. On the wire it is {"kind":...,"value":...}.
type Command struct {
	Kind      CommandKind
	Threshold int
	PumpOn    bool
	Servo     ServoIndex
}

type wireCommand struct {
	Kind  CommandKind     `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON always carries the value, including false and zero
func (c Command) MarshalJSON() ([]byte, error) {
	value, err := json.Marshal(c.Value())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireCommand{Kind: c.Kind, Value: value})
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var out Command
	out.Kind = w.Kind
	var err error
	switch w.Kind {
	case KindMoistureThreshold:
		err = json.Unmarshal(w.Value, &out.Threshold)
	case KindPumpState:
		err = json.Unmarshal(w.Value, &out.PumpOn)
	case KindServoPosition:
		err = json.Unmarshal(w.Value, &out.Servo)
	default:
		return fmt.Errorf("unknown command kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", w.Kind, err)
	}
	*c = out
	return nil
}

// MoistureThreshold builds a threshold command
func MoistureThreshold(percent int) Command {
	return Command{Kind: KindMoistureThreshold, Threshold: percent}
}

// PumpState builds a pump command
func PumpState(on bool) Command {
	return Command{Kind: KindPumpState, PumpOn: on}
}

// ServoPosition builds a servo command
func ServoPosition(i ServoIndex) Command {
	return Command{Kind: KindServoPosition, Servo: i}
}

// Validate checks the command's value range
func (c Command) Validate() error {
	switch c.Kind {
	case KindMoistureThreshold:
		if c.Threshold < 0 || c.Threshold > 100 {
			return fmt.Errorf("moisture threshold %d out of range 0-100", c.Threshold)
		}
	case KindPumpState:
	case KindServoPosition:
		if c.Servo != PlantA && c.Servo != PlantB {
			return fmt.Errorf("servo index %d out of range 0-1", int(c.Servo))
		}
	default:
		return fmt.Errorf("unknown command kind %q", c.Kind)
	}
	return nil
}

// Value returns the scalar written to the store for this command
func (c Command) Value() any {
	switch c.Kind {
	case KindMoistureThreshold:
		return c.Threshold
	case KindPumpState:
		return c.PumpOn
	case KindServoPosition:
		return int(c.Servo)
	}
	return nil
}

// Label is the human name of the setting this command changes
func (c Command) Label() string {
	switch c.Kind {
	case KindMoistureThreshold:
		return "Moisture Threshold"
	case KindPumpState:
		return "Pump state"
	case KindServoPosition:
		return "Servo position"
	}
	return string(c.Kind)
}

func (c Command) String() string {
	return fmt.Sprintf("%s=%v", c.Kind, c.Value())
}

// ParseCommand builds a command from CLI style arguments, e.g.
// ("threshold", "30"), ("pump", "on") or ("servo", "b").
func ParseCommand(kind, arg string) (Command, error) {
	var c Command
	switch strings.ToLower(kind) {
	case "threshold", "moisture", "moisture_threshold":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return c, fmt.Errorf("invalid threshold %q: %w", arg, err)
		}
		c = MoistureThreshold(n)
	case "pump", "pump_state":
		switch strings.ToLower(arg) {
		case "on", "true", "1":
			c = PumpState(true)
		case "off", "false", "0":
			c = PumpState(false)
		default:
			return c, fmt.Errorf("invalid pump state %q", arg)
		}
	case "servo", "servo_position":
		switch strings.ToLower(arg) {
		case "a", "0":
			c = ServoPosition(PlantA)
		case "b", "1":
			c = ServoPosition(PlantB)
		default:
			return c, fmt.Errorf("invalid servo position %q", arg)
		}
	default:
		return c, fmt.Errorf("unknown command %q", kind)
	}
	return c, c.Validate()
}
