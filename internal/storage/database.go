package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agsys/rigpanel/internal/store"
)

// ErrNotSelect is returned by Query for statements other than SELECT
var ErrNotSelect = errors.New("only SELECT queries are allowed")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without migrating it
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Query runs a raw SELECT statement. Anything else is refused.
func (db *DB) Query(query string) (*sql.Rows, error) {
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return nil, ErrNotSelect
	}
	return db.conn.Query(query)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Key-path values (local store backend)
	CREATE TABLE IF NOT EXISTS kv (
		path TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Soil moisture readings
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		notice_id TEXT NOT NULL,
		sensor TEXT NOT NULL,
		value INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_sensor ON sensor_readings(sensor);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_timestamp ON sensor_readings(timestamp);

	-- Heartbeat verdicts
	CREATE TABLE IF NOT EXISTS liveness_checks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		notice_id TEXT NOT NULL,
		last_seen INTEGER,
		as_of INTEGER NOT NULL,
		status TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_liveness_timestamp ON liveness_checks(timestamp);

	-- Command outcomes
	CREATE TABLE IF NOT EXISTS command_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		notice_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT,
		success INTEGER NOT NULL,
		error TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_command_log_timestamp ON command_log(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Key-value Operations ---

var _ store.Store = (*DB)(nil)

// Get returns the raw JSON value at path. A stored null reads as not found.
func (db *DB) Get(ctx context.Context, path string) (store.Value, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM kv WHERE path = ?", normalizePath(path)).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if store.Value(value).IsNull() {
		return nil, store.ErrNotFound
	}
	return store.Value(value), nil
}

// Set upserts the JSON encoding of value at path
func (db *DB) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	query := `INSERT INTO kv (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query, normalizePath(path), string(data), time.Now())
	return err
}

// Delete removes path from the local store
func (db *DB) Delete(ctx context.Context, path string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM kv WHERE path = ?", normalizePath(path))
	return err
}

// Entries lists all key-path values ordered by path
func (db *DB) Entries() ([]*Entry, error) {
	rows, err := db.conn.Query("SELECT path, value, updated_at FROM kv ORDER BY path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.Path, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func normalizePath(path string) string {
	return strings.Trim(path, "/")
}

// --- History Operations ---

// InsertReading records a soil moisture reading
func (db *DB) InsertReading(r *ReadingRecord) (int64, error) {
	query := `INSERT INTO sensor_readings (notice_id, sensor, value, timestamp)
		VALUES (?, ?, ?, ?)`

	result, err := db.conn.Exec(query, r.NoticeID, r.Sensor, r.Value, r.Timestamp.UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetReadings retrieves the latest readings, optionally for one sensor
func (db *DB) GetReadings(sensor string, limit int) ([]*ReadingRecord, error) {
	query := `SELECT id, notice_id, sensor, value, timestamp FROM sensor_readings`
	args := []interface{}{}
	if sensor != "" {
		query += ` WHERE sensor = ?`
		args = append(args, sensor)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*ReadingRecord
	for rows.Next() {
		r := &ReadingRecord{}
		if err := rows.Scan(&r.ID, &r.NoticeID, &r.Sensor, &r.Value, &r.Timestamp); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// InsertLiveness records a heartbeat verdict
func (db *DB) InsertLiveness(l *LivenessRecord) (int64, error) {
	query := `INSERT INTO liveness_checks (notice_id, last_seen, as_of, status, timestamp)
		VALUES (?, ?, ?, ?, ?)`

	var lastSeen sql.NullInt64
	if l.LastSeen != nil {
		lastSeen = sql.NullInt64{Int64: *l.LastSeen, Valid: true}
	}

	result, err := db.conn.Exec(query, l.NoticeID, lastSeen, l.AsOf, l.Status, l.Timestamp.UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetLiveness retrieves the latest heartbeat verdicts
func (db *DB) GetLiveness(limit int) ([]*LivenessRecord, error) {
	query := `SELECT id, notice_id, last_seen, as_of, status, timestamp
		FROM liveness_checks ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*LivenessRecord
	for rows.Next() {
		l := &LivenessRecord{}
		var lastSeen sql.NullInt64
		if err := rows.Scan(&l.ID, &l.NoticeID, &lastSeen, &l.AsOf, &l.Status, &l.Timestamp); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			v := lastSeen.Int64
			l.LastSeen = &v
		}
		records = append(records, l)
	}
	return records, rows.Err()
}

// InsertCommand records a command outcome
func (db *DB) InsertCommand(c *CommandRecord) (int64, error) {
	query := `INSERT INTO command_log (notice_id, kind, value, success, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`

	var errMsg sql.NullString
	if c.Error != "" {
		errMsg = sql.NullString{String: c.Error, Valid: true}
	}

	result, err := db.conn.Exec(query, c.NoticeID, c.Kind, c.Value, c.Success, errMsg, c.Timestamp.UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetCommands retrieves the latest command outcomes
func (db *DB) GetCommands(limit int) ([]*CommandRecord, error) {
	query := `SELECT id, notice_id, kind, value, success, error, timestamp
		FROM command_log ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CommandRecord
	for rows.Next() {
		c := &CommandRecord{}
		var value, errMsg sql.NullString
		if err := rows.Scan(&c.ID, &c.NoticeID, &c.Kind, &value, &c.Success, &errMsg, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Value = value.String
		c.Error = errMsg.String
		records = append(records, c)
	}
	return records, rows.Err()
}

// PruneHistory deletes history rows older than the cutoff
func (db *DB) PruneHistory(before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"sensor_readings", "liveness_checks", "command_log"} {
		result, err := db.conn.Exec("DELETE FROM "+table+" WHERE timestamp < ?", before.UTC())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

// GetStats returns row counts per table
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		table string
		dst   *int64
	}{
		{"kv", &s.Entries},
		{"sensor_readings", &s.Readings},
		{"liveness_checks", &s.Liveness},
		{"command_log", &s.Commands},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM " + c.table).Scan(c.dst); err != nil {
			return nil, err
		}
	}
	return s, nil
}
