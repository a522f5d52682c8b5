// Package metrics exposes Prometheus instrumentation for the rig panel.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/store"
)

// Metrics holds the panel's collectors
type Metrics struct {
	registry *prometheus.Registry

	notices      *prometheus.CounterVec
	sensorValue  *prometheus.GaugeVec
	deviceOn     prometheus.Gauge
	heartbeatAge prometheus.Gauge
	storeCalls   *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	sinkState    *prometheus.GaugeVec
	sinkErrors   *prometheus.CounterVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rigpanel_notices_total",
			Help: "Total notices emitted by kind.",
		}, []string{"kind"}),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rigpanel_soil_moisture_percent",
			Help: "Latest soil moisture reading per sensor.",
		}, []string{"sensor"}),
		deviceOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rigpanel_device_on",
			Help: "1 if the rig heartbeat is within the liveness window.",
		}),
		heartbeatAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rigpanel_heartbeat_age_seconds",
			Help: "Age of the rig heartbeat at the last liveness check.",
		}),
		storeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rigpanel_store_calls_total",
			Help: "Store calls by operation and result.",
		}, []string{"op", "result"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rigpanel_store_call_duration_seconds",
			Help:    "Histogram of store call durations by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		sinkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rigpanel_sink_breaker_state",
			Help: "Sink circuit breaker state (0 closed, 1 half, 2 open).",
		}, []string{"sink"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rigpanel_sink_errors_total",
			Help: "Total sink publish failures.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		m.notices,
		m.sensorValue,
		m.deviceOn,
		m.heartbeatAge,
		m.storeCalls,
		m.storeLatency,
		m.sinkState,
		m.sinkErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, k := range notice.Kinds {
		m.notices.WithLabelValues(string(k))
	}
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe updates collectors from one notice
func (m *Metrics) Observe(n notice.Notice) {
	m.notices.WithLabelValues(string(n.Kind)).Inc()

	switch n.Kind {
	case notice.SensorReadOk:
		if n.Reading != nil {
			m.sensorValue.WithLabelValues(string(n.Reading.ID)).Set(float64(n.Reading.Value))
		}
	case notice.LivenessComputed:
		if n.Liveness == nil {
			return
		}
		if n.Liveness.Status == rig.StatusOn {
			m.deviceOn.Set(1)
		} else {
			m.deviceOn.Set(0)
		}
		if n.Liveness.LastSeen != nil {
			m.heartbeatAge.Set(float64(n.Liveness.AsOf - *n.Liveness.LastSeen))
		}
	}
}

// Run observes every notice on sub until ctx ends or sub closes
func (m *Metrics) Run(ctx context.Context, sub *notice.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			m.Observe(n)
		}
	}
}

// SetSinkState records a sink breaker state
func (m *Metrics) SetSinkState(sink string, state int) {
	m.sinkState.WithLabelValues(sink).Set(float64(state))
}

// SinkError counts one failed sink publish
func (m *Metrics) SinkError(sink string) {
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// InstrumentStore wraps s so every call is counted and timed
func (m *Metrics) InstrumentStore(s store.Store) store.Store {
	return &instrumentedStore{inner: s, m: m}
}

type instrumentedStore struct {
	inner store.Store
	m     *Metrics
}

func (s *instrumentedStore) Get(ctx context.Context, path string) (store.Value, error) {
	start := time.Now()
	v, err := s.inner.Get(ctx, path)
	s.observe("get", start, err)
	return v, err
}

func (s *instrumentedStore) Set(ctx context.Context, path string, value any) error {
	start := time.Now()
	err := s.inner.Set(ctx, path, value)
	s.observe("set", start, err)
	return err
}

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	s.m.storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	s.m.storeCalls.WithLabelValues(op, result).Inc()
}
