// Package config loads the rig panel's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/store"
)

// Store backends
const (
	BackendRTDB   = "rtdb"
	BackendSQLite = "sqlite"
)

// Environment overrides for secrets
const (
	EnvRTDBAuth    = "RIGPANEL_RTDB_AUTH"
	EnvInfluxToken = "RIGPANEL_INFLUX_TOKEN"
	EnvCloudAPIKey = "RIGPANEL_CLOUD_API_KEY"
)

// Config represents the configuration file structure
type Config struct {
	Store struct {
		Backend string `yaml:"backend"`
		RTDB    struct {
			URL         string        `yaml:"url"`
			Auth        string        `yaml:"auth"`
			HTTPTimeout time.Duration `yaml:"http_timeout"`
		} `yaml:"rtdb"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
	} `yaml:"store"`

	Paths PathsConfig `yaml:"paths"`

	Engine struct {
		TelemetryInterval time.Duration `yaml:"telemetry_interval"`
		LivenessInterval  time.Duration `yaml:"liveness_interval"`
		LivenessWindow    time.Duration `yaml:"liveness_window"`
		CallTimeout       time.Duration `yaml:"call_timeout"`
	} `yaml:"engine"`

	Notices struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"notices"`

	HTTP struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`

	GRPC struct {
		HealthAddr string `yaml:"health_addr"`
	} `yaml:"grpc"`

	Sinks SinksConfig `yaml:"sinks"`

	Breaker struct {
		FailureThreshold uint32        `yaml:"failure_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"breaker"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// PathsConfig names the store keys the panel reads and writes
type PathsConfig struct {
	SensorA           string `yaml:"sensor_a"`
	SensorB           string `yaml:"sensor_b"`
	LastSeen          string `yaml:"last_seen"`
	MoistureThreshold string `yaml:"moisture_threshold"`
	PumpState         string `yaml:"pump_state"`
	ServoPos          string `yaml:"servo_pos"`
}

// SinksConfig holds the outbound notice sinks
type SinksConfig struct {
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		QoS         byte   `yaml:"qos"`
		Retain      bool   `yaml:"retain"`
	} `yaml:"mqtt"`

	Influx struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Token   string `yaml:"token"`
		Org     string `yaml:"org"`
		Bucket  string `yaml:"bucket"`
	} `yaml:"influx"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	ZMQ struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"zmq"`

	Modbus struct {
		Enabled  bool          `yaml:"enabled"`
		Endpoint string        `yaml:"endpoint"`
		UnitID   uint8         `yaml:"unit_id"`
		Address  uint16        `yaml:"address"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"modbus"`

	History struct {
		Enabled   bool          `yaml:"enabled"`
		Path      string        `yaml:"path"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"history"`

	Cloud struct {
		Enabled      bool          `yaml:"enabled"`
		URL          string        `yaml:"url"`
		APIKey       string        `yaml:"api_key"`
		PanelID      string        `yaml:"panel_id"`
		PingInterval time.Duration `yaml:"ping_interval"`
	} `yaml:"cloud"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads, defaults and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and environment overrides, then validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. It only touches zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendRTDB
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = "/var/lib/rigpanel/rig.db"
	}

	p := &cfg.Paths
	setDefault(&p.SensorA, store.PathSensorA)
	setDefault(&p.SensorB, store.PathSensorB)
	setDefault(&p.LastSeen, store.PathLastSeen)
	setDefault(&p.MoistureThreshold, store.PathMoistureThreshold)
	setDefault(&p.PumpState, store.PathPumpState)
	setDefault(&p.ServoPos, store.PathServoPos)

	if cfg.Engine.TelemetryInterval == 0 {
		cfg.Engine.TelemetryInterval = 5 * time.Second
	}
	if cfg.Engine.LivenessInterval == 0 {
		cfg.Engine.LivenessInterval = 5 * time.Second
	}
	if cfg.Engine.LivenessWindow == 0 {
		cfg.Engine.LivenessWindow = rig.DefaultLivenessWindow
	}

	if cfg.Notices.Buffer == 0 {
		cfg.Notices.Buffer = notice.DefaultBuffer
	}

	setDefault(&cfg.HTTP.Addr, ":8080")

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.OpenTimeout == 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}

	s := &cfg.Sinks
	setDefault(&s.MQTT.ClientID, "rigpanel")
	setDefault(&s.MQTT.TopicPrefix, "rigpanel")
	setDefault(&s.Kafka.Topic, "rigpanel.notices")
	setDefault(&s.ZMQ.Endpoint, "tcp://*:5563")
	if s.Modbus.UnitID == 0 {
		s.Modbus.UnitID = 1
	}
	if s.Modbus.Timeout == 0 {
		s.Modbus.Timeout = 2 * time.Second
	}
	setDefault(&s.History.Path, cfg.Store.SQLite.Path)
	if s.History.Retention == 0 {
		s.History.Retention = 7 * 24 * time.Hour
	}
	if s.Cloud.PingInterval == 0 {
		s.Cloud.PingInterval = 30 * time.Second
	}

	setDefault(&cfg.Logging.Level, "info")
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvRTDBAuth); v != "" {
		cfg.Store.RTDB.Auth = v
	}
	if v := os.Getenv(EnvInfluxToken); v != "" {
		cfg.Sinks.Influx.Token = v
	}
	if v := os.Getenv(EnvCloudAPIKey); v != "" {
		cfg.Sinks.Cloud.APIKey = v
	}
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Debug reports whether debug logging is enabled
func (c *Config) Debug() bool {
	return c.Logging.Level == "debug"
}
