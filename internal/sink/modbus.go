package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
)

// ModbusConfig configures the Modbus mirror
type ModbusConfig struct {
	Endpoint string
	UnitID   uint8
	Address  uint16
	Timeout  time.Duration
}

// Holding register layout, relative to ModbusConfig.Address
const (
	RegSensorA = iota
	RegSensorB
	RegDeviceOn
	RegHeartbeatAge
	RegThreshold
	RegPump
	RegServo

	ModbusRegisters
)

// RegUnknown marks a register with no value yet
const RegUnknown uint16 = 0xFFFF

type registerWriter interface {
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
	Close() error
}

// Modbus mirrors the panel state into a block of holding registers on a
// PLC or HMI. Every state-changing notice rewrites the whole block.
type Modbus struct {
	writer registerWriter
	config ModbusConfig

	mu   sync.Mutex
	regs [ModbusRegisters]uint16
}

// NewModbus connects to the Modbus TCP endpoint
func NewModbus(config ModbusConfig) (*Modbus, error) {
	c, err := newEndpointClient(config.Endpoint, config.Timeout)
	if err != nil {
		return nil, err
	}
	return newModbus(c, config), nil
}

func newModbus(w registerWriter, config ModbusConfig) *Modbus {
	m := &Modbus{writer: w, config: config}
	for i := range m.regs {
		m.regs[i] = RegUnknown
	}
	return m
}

func (m *Modbus) Name() string { return "modbus" }

func (m *Modbus) Publish(ctx context.Context, n notice.Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.update(n) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.writer.WriteRegisters(m.config.UnitID, m.config.Address, m.regs[:])
}

// update folds a notice into the register block. Failed reads keep the
// last value.
func (m *Modbus) update(n notice.Notice) bool {
	switch n.Kind {
	case notice.SensorReadOk:
		if n.Reading == nil {
			return false
		}
		reg := RegSensorA
		if n.Reading.ID == rig.SensorB {
			reg = RegSensorB
		}
		m.regs[reg] = uint16(rig.ClampPercent(n.Reading.Value))
		return true

	case notice.LivenessComputed:
		if n.Liveness == nil {
			return false
		}
		m.regs[RegDeviceOn] = boolRegister(n.Liveness.IsOn())
		m.regs[RegHeartbeatAge] = RegUnknown
		if n.Liveness.LastSeen != nil {
			m.regs[RegHeartbeatAge] = ageRegister(n.Liveness.AsOf - *n.Liveness.LastSeen)
		}
		return true

	case notice.CommandApplied:
		if n.Command == nil {
			return false
		}
		switch n.Command.Kind {
		case rig.KindMoistureThreshold:
			m.regs[RegThreshold] = uint16(n.Command.Threshold)
		case rig.KindPumpState:
			m.regs[RegPump] = boolRegister(n.Command.PumpOn)
		case rig.KindServoPosition:
			m.regs[RegServo] = uint16(n.Command.Servo)
		}
		return true
	}
	return false
}

// Registers returns a copy of the current register block
func (m *Modbus) Registers() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint16, len(m.regs))
	copy(out, m.regs[:])
	return out
}

func (m *Modbus) Close() error {
	return m.writer.Close()
}

func boolRegister(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

// ageRegister saturates below RegUnknown. Negative ages (clock skew) read 0.
func ageRegister(age int64) uint16 {
	switch {
	case age < 0:
		return 0
	case age >= int64(RegUnknown):
		return RegUnknown - 1
	}
	return uint16(age)
}

// endpointClient is a single TCP connection to one Modbus server
type endpointClient struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func newEndpointClient(endpoint string, timeout time.Duration) (*endpointClient, error) {
	if endpoint == "" {
		return nil, errors.New("modbus: endpoint required")
	}

	h := modbus.NewTCPClientHandler(endpoint)
	h.Timeout = timeout
	if err := h.Connect(); err != nil {
		return nil, err
	}

	return &endpointClient{
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

func (c *endpointClient) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler.SlaveId = unitID
	_, err := c.client.WriteMultipleRegisters(addr, uint16(len(regs)), packRegisters(regs))
	return err
}

func (c *endpointClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// packRegisters encodes registers big-endian, as Modbus puts them on the wire
func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}
