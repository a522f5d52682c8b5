// Package storage provides SQLite database operations for the rig panel:
// a local key-value store backend and a history of notices.
package storage

import "time"

// Entry is one key-path value held in the local store
type Entry struct {
	Path      string    `json:"path"`
	Value     string    `json:"value"` // raw JSON
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadingRecord is a stored soil moisture reading
type ReadingRecord struct {
	ID        int64     `json:"id"`
	NoticeID  string    `json:"notice_id"`
	Sensor    string    `json:"sensor"` // "A" or "B"
	Value     int       `json:"value"`  // percent
	Timestamp time.Time `json:"timestamp"`
}

// LivenessRecord is a stored heartbeat verdict
type LivenessRecord struct {
	ID        int64     `json:"id"`
	NoticeID  string    `json:"notice_id"`
	LastSeen  *int64    `json:"last_seen,omitempty"` // epoch seconds
	AsOf      int64     `json:"as_of"`               // epoch seconds
	Status    string    `json:"status"`              // "ON" or "OFF"
	Timestamp time.Time `json:"timestamp"`
}

// CommandRecord is a stored command outcome
type CommandRecord struct {
	ID        int64     `json:"id"`
	NoticeID  string    `json:"notice_id"`
	Kind      string    `json:"kind"`
	Value     string    `json:"value"` // raw JSON
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats summarizes table sizes
type Stats struct {
	Entries  int64
	Readings int64
	Liveness int64
	Commands int64
}
