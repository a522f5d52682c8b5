package sink

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
)

// InfluxConfig configures the InfluxDB sink
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Measurements written by the Influx sink
const (
	MeasurementMoisture = "soil_moisture"
	MeasurementLiveness = "device_liveness"
	MeasurementCommand  = "panel_command"
)

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx records readings, liveness verdicts and command outcomes as points
type Influx struct {
	writer pointWriter
	close  func()
}

// NewInflux creates a blocking-write client for org and bucket
func NewInflux(config InfluxConfig) (*Influx, error) {
	if config.URL == "" || config.Org == "" || config.Bucket == "" {
		return nil, errors.New("influx config incomplete")
	}
	client := influxdb2.NewClient(config.URL, config.Token)
	return &Influx{
		writer: client.WriteAPIBlocking(config.Org, config.Bucket),
		close:  client.Close,
	}, nil
}

func (s *Influx) Name() string { return "influx" }

func (s *Influx) Publish(ctx context.Context, n notice.Notice) error {
	p := Point(n)
	if p == nil {
		return nil
	}
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write failed: %w", err)
	}
	return nil
}

// Point converts a notice into a point, or nil if the kind is not recorded
func Point(n notice.Notice) *write.Point {
	switch n.Kind {
	case notice.SensorReadOk:
		if n.Reading == nil {
			return nil
		}
		return influxdb2.NewPoint(MeasurementMoisture,
			map[string]string{"sensor": string(n.Reading.ID)},
			map[string]interface{}{"percent": n.Reading.Value},
			n.Timestamp)

	case notice.LivenessComputed:
		if n.Liveness == nil {
			return nil
		}
		fields := map[string]interface{}{"on": n.Liveness.Status == rig.StatusOn}
		if n.Liveness.LastSeen != nil {
			fields["heartbeat_age"] = n.Liveness.AsOf - *n.Liveness.LastSeen
		}
		return influxdb2.NewPoint(MeasurementLiveness, nil, fields, n.Timestamp)

	case notice.CommandApplied, notice.CommandFailed:
		if n.Command == nil {
			return nil
		}
		return influxdb2.NewPoint(MeasurementCommand,
			map[string]string{"kind": string(n.Command.Kind)},
			map[string]interface{}{
				"value":   fmt.Sprint(n.Command.Value()),
				"success": n.Kind == notice.CommandApplied,
			},
			n.Timestamp)
	}
	return nil
}

func (s *Influx) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
