package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/agsys/rigpanel/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "rigpanel-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp db: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	db, err := Open(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestKeyValue tests the local store backend
func TestKeyValue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Get(ctx, store.PathSensorA)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if err := db.Set(ctx, store.PathSensorA, 42); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := db.Set(ctx, "/"+store.PathSensorA+"/", 43); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	v, err := db.Get(ctx, store.PathSensorA)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	n, err := v.Int()
	if err != nil || n != 43 {
		t.Errorf("Value mismatch: got %d (%v), want 43", n, err)
	}

	if err := db.Set(ctx, store.PathPumpState, true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	entries, err := db.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Entry count mismatch: got %d, want 2", len(entries))
	}

	if err := db.Delete(ctx, store.PathPumpState); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := db.Get(ctx, store.PathPumpState); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	if err := db.Set(ctx, store.PathSensorA, nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := db.Get(ctx, store.PathSensorA); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for null value, got %v", err)
	}
}

// TestHistory tests reading, liveness and command records
func TestHistory(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	for i, v := range []int{40, 41, 42} {
		if _, err := db.InsertReading(&ReadingRecord{
			NoticeID:  "n",
			Sensor:    "A",
			Value:     v,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("InsertReading failed: %v", err)
		}
	}
	if _, err := db.InsertReading(&ReadingRecord{NoticeID: "n", Sensor: "B", Value: 10, Timestamp: now}); err != nil {
		t.Fatalf("InsertReading failed: %v", err)
	}

	readings, err := db.GetReadings("A", 2)
	if err != nil {
		t.Fatalf("GetReadings failed: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("Reading count mismatch: got %d, want 2", len(readings))
	}
	if readings[0].Value != 42 {
		t.Errorf("Latest reading mismatch: got %d, want 42", readings[0].Value)
	}

	all, err := db.GetReadings("", 10)
	if err != nil {
		t.Fatalf("GetReadings failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Reading count mismatch: got %d, want 4", len(all))
	}

	lastSeen := int64(1000)
	if _, err := db.InsertLiveness(&LivenessRecord{NoticeID: "l1", LastSeen: &lastSeen, AsOf: 1005, Status: "ON", Timestamp: now}); err != nil {
		t.Fatalf("InsertLiveness failed: %v", err)
	}
	if _, err := db.InsertLiveness(&LivenessRecord{NoticeID: "l2", AsOf: 1010, Status: "OFF", Timestamp: now.Add(time.Second)}); err != nil {
		t.Fatalf("InsertLiveness failed: %v", err)
	}
	checks, err := db.GetLiveness(10)
	if err != nil {
		t.Fatalf("GetLiveness failed: %v", err)
	}
	if len(checks) != 2 {
		t.Fatalf("Liveness count mismatch: got %d, want 2", len(checks))
	}
	if checks[0].LastSeen != nil || checks[0].Status != "OFF" {
		t.Errorf("Latest check mismatch: %+v", checks[0])
	}
	if checks[1].LastSeen == nil || *checks[1].LastSeen != 1000 {
		t.Errorf("LastSeen mismatch: %+v", checks[1])
	}

	if _, err := db.InsertCommand(&CommandRecord{NoticeID: "c1", Kind: "pump_state", Value: "true", Success: true, Timestamp: now}); err != nil {
		t.Fatalf("InsertCommand failed: %v", err)
	}
	if _, err := db.InsertCommand(&CommandRecord{NoticeID: "c2", Kind: "servo_position", Value: "1", Error: "timeout", Timestamp: now.Add(time.Second)}); err != nil {
		t.Fatalf("InsertCommand failed: %v", err)
	}
	cmds, err := db.GetCommands(10)
	if err != nil {
		t.Fatalf("GetCommands failed: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("Command count mismatch: got %d, want 2", len(cmds))
	}
	if cmds[0].Success || cmds[0].Error != "timeout" {
		t.Errorf("Failed command mismatch: %+v", cmds[0])
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Readings != 4 || stats.Liveness != 2 || stats.Commands != 2 {
		t.Errorf("Stats mismatch: %+v", stats)
	}
}

// TestPruneHistory tests that old rows are removed
func TestPruneHistory(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	db.InsertReading(&ReadingRecord{NoticeID: "old", Sensor: "A", Value: 1, Timestamp: now.Add(-48 * time.Hour)})
	db.InsertReading(&ReadingRecord{NoticeID: "new", Sensor: "A", Value: 2, Timestamp: now})

	n, err := db.PruneHistory(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Pruned count mismatch: got %d, want 1", n)
	}
	readings, _ := db.GetReadings("A", 10)
	if len(readings) != 1 || readings[0].NoticeID != "new" {
		t.Errorf("Remaining readings mismatch: %+v", readings)
	}
}

// TestOpenReadOnly tests that a read-only handle sees data but refuses writes
func TestOpenReadOnly(t *testing.T) {
	path := t.TempDir() + "/rig.db"
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Set(ctx, store.PathServoPos, 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()

	v, err := ro.Get(ctx, store.PathServoPos)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n, _ := v.Int(); n != 1 {
		t.Errorf("Value mismatch: got %d, want 1", n)
	}

	if err := ro.Set(ctx, store.PathServoPos, 0); err == nil {
		t.Error("Expected write through read-only handle to fail")
	}

	if _, err := ro.Query("DELETE FROM kv"); !errors.Is(err, ErrNotSelect) {
		t.Errorf("Expected ErrNotSelect, got %v", err)
	}
	rows, err := ro.Query("  select path from kv")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	rows.Close()
}

func TestOpenReadOnlyMissing(t *testing.T) {
	if _, err := OpenReadOnly(t.TempDir() + "/missing.db"); err == nil {
		t.Error("Expected error opening missing database")
	}
}
