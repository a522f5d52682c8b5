package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil")
	}

	switch cfg.Store.Backend {
	case BackendRTDB:
		if cfg.Store.RTDB.URL == "" {
			return errors.New("config: store.rtdb.url is required for the rtdb backend")
		}
		u, err := url.Parse(cfg.Store.RTDB.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: store.rtdb.url %q is not an absolute url", cfg.Store.RTDB.URL)
		}
	case BackendSQLite:
		if cfg.Store.SQLite.Path == "" {
			return errors.New("config: store.sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", cfg.Store.Backend)
	}

	paths := map[string]string{
		"sensor_a":           cfg.Paths.SensorA,
		"sensor_b":           cfg.Paths.SensorB,
		"last_seen":          cfg.Paths.LastSeen,
		"moisture_threshold": cfg.Paths.MoistureThreshold,
		"pump_state":         cfg.Paths.PumpState,
		"servo_pos":          cfg.Paths.ServoPos,
	}
	for name, p := range paths {
		if strings.Trim(p, "/") == "" {
			return fmt.Errorf("config: paths.%s must not be empty", name)
		}
		if strings.ContainsAny(p, ".#$[]") {
			return fmt.Errorf("config: paths.%s %q contains a reserved character", name, p)
		}
	}

	if cfg.Engine.TelemetryInterval < 0 || cfg.Engine.LivenessInterval < 0 {
		return errors.New("config: engine intervals must be positive")
	}
	if cfg.Engine.LivenessWindow < 0 {
		return errors.New("config: engine.liveness_window must be positive")
	}
	if cfg.Engine.CallTimeout < 0 {
		return errors.New("config: engine.call_timeout must not be negative")
	}
	if cfg.Notices.Buffer < 0 {
		return errors.New("config: notices.buffer must not be negative")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info":
	default:
		return fmt.Errorf("config: unknown logging.level %q", cfg.Logging.Level)
	}

	return validateSinks(&cfg.Sinks)
}

func validateSinks(s *SinksConfig) error {
	if s.MQTT.Enabled {
		if s.MQTT.Broker == "" {
			return errors.New("config: sinks.mqtt.broker is required")
		}
		if s.MQTT.QoS > 2 {
			return fmt.Errorf("config: sinks.mqtt.qos %d out of range 0-2", s.MQTT.QoS)
		}
	}
	if s.Influx.Enabled {
		if s.Influx.URL == "" || s.Influx.Org == "" || s.Influx.Bucket == "" {
			return errors.New("config: sinks.influx requires url, org and bucket")
		}
	}
	if s.Kafka.Enabled && len(s.Kafka.Brokers) == 0 {
		return errors.New("config: sinks.kafka.brokers is required")
	}
	if s.ZMQ.Enabled && s.ZMQ.Endpoint == "" {
		return errors.New("config: sinks.zmq.endpoint is required")
	}
	if s.Modbus.Enabled {
		if s.Modbus.Endpoint == "" {
			return errors.New("config: sinks.modbus.endpoint is required")
		}
		if int(s.Modbus.Address)+modbusRegisters > 0x10000 {
			return fmt.Errorf("config: sinks.modbus.address %d leaves no room for %d registers", s.Modbus.Address, modbusRegisters)
		}
	}
	if s.History.Enabled && s.History.Path == "" {
		return errors.New("config: sinks.history.path is required")
	}
	if s.Cloud.Enabled {
		if s.Cloud.URL == "" {
			return errors.New("config: sinks.cloud.url is required")
		}
		if !strings.HasPrefix(s.Cloud.URL, "ws://") && !strings.HasPrefix(s.Cloud.URL, "wss://") {
			return fmt.Errorf("config: sinks.cloud.url %q must be a ws:// or wss:// url", s.Cloud.URL)
		}
	}
	return nil
}

// modbusRegisters is the size of the register block the modbus sink writes
const modbusRegisters = 7
