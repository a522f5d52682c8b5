package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/store"
	"github.com/agsys/rigpanel/internal/store/storetest"
)

// TestObserve tests that notices drive the gauges and counters
func TestObserve(t *testing.T) {
	m := New()

	m.Observe(notice.ReadOk(rig.SensorReading{ID: rig.SensorA, Value: 42}))
	m.Observe(notice.ReadMissing(rig.SensorB))
	ls := int64(995)
	m.Observe(notice.Liveness(rig.LivenessVerdict{LastSeen: &ls, AsOf: 1000, Status: rig.StatusOn}, nil))

	if got := testutil.ToFloat64(m.sensorValue.WithLabelValues("A")); got != 42 {
		t.Errorf("Sensor gauge mismatch: got %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.notices.WithLabelValues(string(notice.SensorReadMissing))); got != 1 {
		t.Errorf("Missing counter mismatch: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deviceOn); got != 1 {
		t.Errorf("Device gauge mismatch: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.heartbeatAge); got != 5 {
		t.Errorf("Heartbeat age mismatch: got %v, want 5", got)
	}

	m.Observe(notice.Liveness(rig.LivenessVerdict{AsOf: 1010, Status: rig.StatusOff}, errors.New("x")))
	if got := testutil.ToFloat64(m.deviceOn); got != 0 {
		t.Errorf("Device gauge mismatch: got %v, want 0", got)
	}
}

// TestInstrumentStore tests call counting by result
func TestInstrumentStore(t *testing.T) {
	m := New()
	mem := storetest.NewMemory()
	mem.Put(store.PathSensorA, "1")
	mem.Fail(store.PathPumpState, errors.New("down"))
	s := m.InstrumentStore(mem)
	ctx := context.Background()

	s.Get(ctx, store.PathSensorA)
	s.Get(ctx, store.PathSensorB)
	s.Set(ctx, store.PathPumpState, true)

	if got := testutil.ToFloat64(m.storeCalls.WithLabelValues("get", "ok")); got != 1 {
		t.Errorf("get/ok mismatch: got %v", got)
	}
	if got := testutil.ToFloat64(m.storeCalls.WithLabelValues("get", "not_found")); got != 1 {
		t.Errorf("get/not_found mismatch: got %v", got)
	}
	if got := testutil.ToFloat64(m.storeCalls.WithLabelValues("set", "error")); got != 1 {
		t.Errorf("set/error mismatch: got %v", got)
	}
}

// TestRun tests that the collector drains a bus subscription
func TestRun(t *testing.T) {
	m := New()
	bus := notice.NewBus(8)
	sub := bus.Subscribe("metrics")

	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), sub)
		close(done)
	}()

	bus.Publish(notice.Applied(rig.PumpState(true)))
	sub.Close()
	<-done

	if got := testutil.ToFloat64(m.notices.WithLabelValues(string(notice.CommandApplied))); got != 1 {
		t.Errorf("Applied counter mismatch: got %v, want 1", got)
	}
}
