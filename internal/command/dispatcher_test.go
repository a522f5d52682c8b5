package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/store"
	"github.com/agsys/rigpanel/internal/store/storetest"
)

// recorder collects published notices
type recorder struct {
	mu      sync.Mutex
	notices []notice.Notice
}

func (r *recorder) Publish(n notice.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) all() []notice.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notice.Notice(nil), r.notices...)
}

// TestPumpRoundTrip tests one write and one applied notice per command
func TestPumpRoundTrip(t *testing.T) {
	mem := storetest.NewMemory()
	rec := &recorder{}
	d := New(mem, DefaultConfig(), rec)

	if err := d.Dispatch(context.Background(), rig.PumpState(true)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	d.Wait()

	sets := mem.Sets()
	if len(sets) != 1 {
		t.Fatalf("Set count mismatch: got %d, want 1", len(sets))
	}
	if sets[0].Path != store.PathPumpState || sets[0].Value != true {
		t.Errorf("Set mismatch: got %+v", sets[0])
	}

	notices := rec.all()
	if len(notices) != 1 {
		t.Fatalf("Notice count mismatch: got %d, want 1", len(notices))
	}
	n := notices[0]
	if n.Kind != notice.CommandApplied || n.Command == nil || n.Command.PumpOn != true {
		t.Errorf("Notice mismatch: %+v", n)
	}
}

// TestNoDeduplication tests that repeated commands produce repeated writes
func TestNoDeduplication(t *testing.T) {
	mem := storetest.NewMemory()
	rec := &recorder{}
	d := New(mem, DefaultConfig(), rec)

	for i := 0; i < 2; i++ {
		if err := d.Apply(context.Background(), rig.MoistureThreshold(30)); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}

	sets := mem.Sets()
	if len(sets) != 2 {
		t.Fatalf("Set count mismatch: got %d, want 2", len(sets))
	}
	for _, s := range sets {
		if s.Path != store.PathMoistureThreshold || s.Value != 30 {
			t.Errorf("Set mismatch: %+v", s)
		}
	}

	applied := 0
	for _, n := range rec.all() {
		if n.Kind == notice.CommandApplied {
			applied++
		}
	}
	if applied != 2 {
		t.Errorf("Applied count mismatch: got %d, want 2", applied)
	}
}

// TestFailedWrite tests that a store error becomes a failed notice
func TestFailedWrite(t *testing.T) {
	mem := storetest.NewMemory()
	mem.Fail(store.PathServoPos, errors.New("permission denied"))
	rec := &recorder{}
	d := New(mem, DefaultConfig(), rec)

	err := d.Apply(context.Background(), rig.ServoPosition(rig.PlantB))
	if err == nil {
		t.Fatal("Expected error from failed write")
	}

	notices := rec.all()
	if len(notices) != 1 || notices[0].Kind != notice.CommandFailed {
		t.Fatalf("Expected one failed notice, got %+v", notices)
	}
	if notices[0].Command.Servo != rig.PlantB {
		t.Errorf("Command mismatch: %+v", notices[0].Command)
	}
	if len(mem.Sets()) != 1 {
		t.Errorf("Expected exactly one write attempt, got %d", len(mem.Sets()))
	}
}

// TestInvalidCommand tests that validation errors never reach the store
func TestInvalidCommand(t *testing.T) {
	mem := storetest.NewMemory()
	rec := &recorder{}
	d := New(mem, DefaultConfig(), rec)

	if err := d.Dispatch(context.Background(), rig.MoistureThreshold(150)); err == nil {
		t.Error("Expected validation error")
	}
	if err := d.Dispatch(context.Background(), rig.ServoPosition(3)); err == nil {
		t.Error("Expected validation error")
	}
	d.Wait()

	if len(mem.Sets()) != 0 {
		t.Errorf("Invalid commands must not write, got %d sets", len(mem.Sets()))
	}
	if len(rec.all()) != 0 {
		t.Errorf("Invalid commands must not publish, got %d notices", len(rec.all()))
	}
}

// TestConcurrentWrites tests that writes are not serialized
func TestConcurrentWrites(t *testing.T) {
	pending := storetest.NewPending()
	rec := &recorder{}
	d := New(pending, DefaultConfig(), rec)
	ctx := context.Background()

	d.Dispatch(ctx, rig.PumpState(true))
	d.Dispatch(ctx, rig.ServoPosition(rig.PlantA))

	pump := pending.Await(t, store.PathPumpState)
	servo := pending.Await(t, store.PathServoPos)

	servo.Resolve("")
	pump.Fail(errors.New("offline"))
	d.Wait()

	notices := rec.all()
	if len(notices) != 2 {
		t.Fatalf("Notice count mismatch: got %d, want 2", len(notices))
	}
	kinds := map[notice.Kind]int{}
	for _, n := range notices {
		kinds[n.Kind]++
	}
	if kinds[notice.CommandApplied] != 1 || kinds[notice.CommandFailed] != 1 {
		t.Errorf("Kind counts mismatch: %v", kinds)
	}
}

// TestLegacyThresholdPath tests the configurable threshold key
func TestLegacyThresholdPath(t *testing.T) {
	mem := storetest.NewMemory()
	cfg := DefaultConfig()
	cfg.ThresholdPath = store.LegacyPathMoistureThreshold
	d := New(mem, cfg, nil)

	if err := d.Apply(context.Background(), rig.MoistureThreshold(45)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if sets := mem.Sets(); len(sets) != 1 || sets[0].Path != store.LegacyPathMoistureThreshold {
		t.Errorf("Set mismatch: %+v", sets)
	}
}

// TestCloseDrainsAndRejects tests that Close waits for pending writes and
// refuses commands that arrive afterwards
func TestCloseDrainsAndRejects(t *testing.T) {
	pending := storetest.NewPending()
	rec := &recorder{}
	d := New(pending, DefaultConfig(), rec)

	if err := d.Dispatch(context.Background(), rig.PumpState(false)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	call := pending.Await(t, store.PathPumpState)

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned before the pending write resolved")
	case <-time.After(50 * time.Millisecond):
	}

	call.Resolve("")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the write resolved")
	}

	if err := d.Dispatch(context.Background(), rig.ServoPosition(rig.PlantB)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if n := pending.Outstanding(store.PathServoPos); n != 0 {
		t.Errorf("Write issued after Close: %d outstanding", n)
	}
	if notices := rec.all(); len(notices) != 1 || notices[0].Kind != notice.CommandApplied {
		t.Errorf("Notices mismatch: %+v", notices)
	}

	d.Close()
}
