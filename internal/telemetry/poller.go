// Package telemetry fetches the soil moisture sensors from the store and
// classifies each response.
package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/store"
)

// Outcome classifies one sensor fetch
type Outcome int

const (
	Ok Outcome = iota
	Missing
	ParseError
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Missing:
		return "missing"
	case ParseError:
		return "parse_error"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Config maps each sensor to its store path
type Config struct {
	PathA string
	PathB string
}

// DefaultConfig returns the standard rig paths
func DefaultConfig() Config {
	return Config{
		PathA: store.PathSensorA,
		PathB: store.PathSensorB,
	}
}

// Result is the classified response for one sensor
type Result struct {
	Sensor  rig.SensorID
	Outcome Outcome
	Reading rig.SensorReading // valid when Outcome is Ok
	Err     error
}

// Notice converts the result into its panel notice
func (r Result) Notice() notice.Notice {
	switch r.Outcome {
	case Ok:
		return notice.ReadOk(r.Reading)
	case Missing:
		return notice.ReadMissing(r.Sensor)
	case ParseError:
		return notice.ReadParseError(r.Sensor, r.Err)
	default:
		return notice.ReadFailed(r.Sensor, r.Err)
	}
}

// Poller reads sensor values through a shared store client
type Poller struct {
	store store.Store
	paths map[rig.SensorID]string
}

// New creates a poller
func New(s store.Store, config Config) *Poller {
	return &Poller{
		store: s,
		paths: map[rig.SensorID]string{
			rig.SensorA: config.PathA,
			rig.SensorB: config.PathB,
		},
	}
}

// Path returns the store path polled for id
func (p *Poller) Path(id rig.SensorID) string {
	return p.paths[id]
}

// Fetch reads one sensor. It blocks until the store call resolves.
func (p *Poller) Fetch(ctx context.Context, id rig.SensorID) Result {
	res := Result{Sensor: id}

	path, ok := p.paths[id]
	if !ok {
		res.Outcome = Failed
		res.Err = errors.New("telemetry: unknown sensor " + string(id))
		return res
	}

	v, err := p.store.Get(ctx, path)
	if err != nil {
		res.Err = err
		if errors.Is(err, store.ErrNotFound) {
			res.Outcome = Missing
		} else {
			res.Outcome = Failed
		}
		return res
	}

	n, err := v.Int()
	if err != nil {
		res.Outcome = ParseError
		res.Err = err
		return res
	}

	res.Outcome = Ok
	res.Reading = rig.SensorReading{ID: id, Value: rig.ClampPercent(clampInt(n))}
	return res
}

// Poll fetches both sensors concurrently and waits for both
func (p *Poller) Poll(ctx context.Context) []Result {
	results := make([]Result, len(rig.Sensors))
	var wg sync.WaitGroup
	for i, id := range rig.Sensors {
		wg.Add(1)
		go func(i int, id rig.SensorID) {
			defer wg.Done()
			results[i] = p.Fetch(ctx, id)
		}(i, id)
	}
	wg.Wait()
	return results
}

func clampInt(n int64) int {
	if n < -1<<31 {
		return -1 << 31
	}
	if n > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(n)
}
