// SPDX-License-Identifier: MIT

// Package store is the authoritative domain store. All entity writes go
// through its transactional API; other components hold read snapshots.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

const schemaVersion = 1

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended pool configuration.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Store is the SQLite-backed domain store.
type Store struct {
	DB *sql.DB
}

// Open initialises a connection pool with mandatory PRAGMAs (WAL,
// busy_timeout, foreign keys) applied to every pooled connection, and runs
// migrations.
func Open(dbPath string, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

// OpenMemory opens an isolated in-memory store for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	// A memory database exists per connection; the pool must stay at one.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) migrate() error {
	var current int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS trains (
		train_id INTEGER PRIMARY KEY,
		train_number TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		max_speed REAL NOT NULL,
		capacity INTEGER NOT NULL,
		length REAL NOT NULL,
		weight REAL NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		current_load INTEGER NOT NULL DEFAULT 0,
		current_section_id INTEGER,
		current_speed REAL NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL DEFAULT 0,
		route_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS sections (
		section_id INTEGER PRIMARY KEY,
		section_code TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		length REAL NOT NULL,
		max_speed REAL NOT NULL,
		capacity INTEGER NOT NULL,
		adjacent_json TEXT NOT NULL DEFAULT '[]',
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS positions (
		position_id INTEGER PRIMARY KEY AUTOINCREMENT,
		train_id INTEGER NOT NULL REFERENCES trains(train_id),
		section_id INTEGER NOT NULL REFERENCES sections(section_id),
		ts_ms INTEGER NOT NULL,
		lat REAL, lon REAL,
		speed REAL NOT NULL,
		heading REAL NOT NULL,
		distance_from_start REAL,
		signal_strength REAL,
		gps_accuracy REAL,
		UNIQUE(train_id, ts_ms)
	);
	CREATE INDEX IF NOT EXISTS idx_positions_train_ts ON positions(train_id, ts_ms DESC);
	CREATE INDEX IF NOT EXISTS idx_positions_ts ON positions(ts_ms);

	CREATE TABLE IF NOT EXISTS occupancies (
		occupancy_id INTEGER PRIMARY KEY AUTOINCREMENT,
		section_id INTEGER NOT NULL REFERENCES sections(section_id),
		train_id INTEGER NOT NULL REFERENCES trains(train_id),
		entry_ms INTEGER NOT NULL,
		expected_exit_ms INTEGER,
		exit_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_occupancies_live ON occupancies(section_id) WHERE exit_ms IS NULL;
	CREATE INDEX IF NOT EXISTS idx_occupancies_train_live ON occupancies(train_id) WHERE exit_ms IS NULL;

	CREATE TABLE IF NOT EXISTS conflicts (
		conflict_id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity_key TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		severity_score INTEGER NOT NULL,
		trains_json TEXT NOT NULL,
		sections_json TEXT NOT NULL,
		detection_ms INTEGER NOT NULL,
		expected_impact_ms INTEGER,
		description TEXT NOT NULL,
		suggestions_json TEXT NOT NULL DEFAULT '[]',
		resolution_ms INTEGER,
		resolved_by INTEGER,
		auto_resolved INTEGER NOT NULL DEFAULT 0,
		ai_analyzed INTEGER NOT NULL DEFAULT 0,
		ai_confidence REAL,
		ai_solution_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(detection_ms) WHERE resolution_ms IS NULL;

	CREATE TABLE IF NOT EXISTS decisions (
		decision_id INTEGER PRIMARY KEY AUTOINCREMENT,
		controller_id INTEGER NOT NULL REFERENCES controllers(controller_id),
		conflict_id INTEGER REFERENCES conflicts(conflict_id),
		train_id INTEGER,
		section_id INTEGER,
		action TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		rationale TEXT NOT NULL,
		parameters_json TEXT NOT NULL DEFAULT '{}',
		executed INTEGER NOT NULL DEFAULT 0,
		execution_ms INTEGER,
		execution_result TEXT,
		approval_required INTEGER NOT NULL DEFAULT 0,
		approved_by INTEGER,
		approval_ms INTEGER,
		ai_generated INTEGER NOT NULL DEFAULT 0,
		ai_solver_method TEXT,
		ai_score REAL,
		ai_confidence REAL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_controller_ts ON decisions(controller_id, ts_ms DESC);
	CREATE INDEX IF NOT EXISTS idx_decisions_unexecuted ON decisions(ts_ms) WHERE executed = 0;

	CREATE TABLE IF NOT EXISTS controllers (
		controller_id INTEGER PRIMARY KEY,
		employee_id TEXT NOT NULL UNIQUE,
		auth_level TEXT NOT NULL,
		sections_json TEXT NOT NULL DEFAULT '[]',
		active INTEGER NOT NULL DEFAULT 1,
		token TEXT UNIQUE
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Helpers shared by the entity files ---

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMS(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeOfNull(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}

func jsonText(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func ids(jsonStr string) []int64 {
	var out []int64
	_ = json.Unmarshal([]byte(jsonStr), &out)
	return out
}
