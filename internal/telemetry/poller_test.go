package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/store"
	"github.com/agsys/rigpanel/internal/store/storetest"
)

// TestFetchOutcomes tests classification of each store response
func TestFetchOutcomes(t *testing.T) {
	mem := storetest.NewMemory()
	p := New(mem, DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    func()
		want     Outcome
		wantVal  int
		wantKind notice.Kind
	}{
		{"integer", func() { mem.Put(store.PathSensorA, "42") }, Ok, 42, notice.SensorReadOk},
		{"numeric string", func() { mem.Put(store.PathSensorA, `"57"`) }, Ok, 57, notice.SensorReadOk},
		{"clamped high", func() { mem.Put(store.PathSensorA, "140") }, Ok, 100, notice.SensorReadOk},
		{"clamped low", func() { mem.Put(store.PathSensorA, "-2") }, Ok, 0, notice.SensorReadOk},
		{"missing", func() { mem.Delete(store.PathSensorA) }, Missing, 0, notice.SensorReadMissing},
		{"not a number", func() { mem.Put(store.PathSensorA, `"wet"`) }, ParseError, 0, notice.SensorReadParseError},
		{"fraction", func() { mem.Put(store.PathSensorA, `41.5`) }, ParseError, 0, notice.SensorReadParseError},
		{"transport", func() { mem.Fail(store.PathSensorA, errors.New("connection reset")) }, Failed, 0, notice.SensorReadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			res := p.Fetch(ctx, rig.SensorA)
			if res.Outcome != tt.want {
				t.Fatalf("Outcome mismatch: got %s, want %s (err %v)", res.Outcome, tt.want, res.Err)
			}
			if res.Outcome == Ok && res.Reading.Value != tt.wantVal {
				t.Errorf("Value mismatch: got %d, want %d", res.Reading.Value, tt.wantVal)
			}
			if n := res.Notice(); n.Kind != tt.wantKind || n.Sensor != rig.SensorA {
				t.Errorf("Notice mismatch: got %s/%s", n.Kind, n.Sensor)
			}
		})
	}
}

// TestPollIndependent tests that one failing sensor does not affect the other
func TestPollIndependent(t *testing.T) {
	mem := storetest.NewMemory()
	mem.Fail(store.PathSensorA, errors.New("timeout"))
	mem.Put(store.PathSensorB, "33")

	results := New(mem, DefaultConfig()).Poll(context.Background())
	if len(results) != 2 {
		t.Fatalf("Result count mismatch: got %d, want 2", len(results))
	}
	if results[0].Sensor != rig.SensorA || results[0].Outcome != Failed {
		t.Errorf("Sensor A result mismatch: %+v", results[0])
	}
	if results[1].Sensor != rig.SensorB || results[1].Outcome != Ok || results[1].Reading.Value != 33 {
		t.Errorf("Sensor B result mismatch: %+v", results[1])
	}
}

// TestFetchDeadline tests that an expired context is a transport failure
func TestFetchDeadline(t *testing.T) {
	pending := storetest.NewPending()
	p := New(pending, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := p.Fetch(ctx, rig.SensorB)
	if res.Outcome != Failed {
		t.Errorf("Outcome mismatch: got %s, want failed", res.Outcome)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", res.Err)
	}
}

func TestCustomPaths(t *testing.T) {
	mem := storetest.NewMemory()
	mem.Put("rig1/a", "12")
	p := New(mem, Config{PathA: "rig1/a", PathB: "rig1/b"})

	if res := p.Fetch(context.Background(), rig.SensorA); res.Outcome != Ok || res.Reading.Value != 12 {
		t.Errorf("Custom path fetch mismatch: %+v", res)
	}
	if got := mem.Gets(); len(got) != 1 || got[0] != "rig1/a" {
		t.Errorf("Gets mismatch: %v", got)
	}
}
