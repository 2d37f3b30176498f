// Package runlog keeps a history of training runs and their loss curves in
// postgres. The store is optional: when disabled every write is a no-op so
// the runners never have to care.
package runlog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/speechlab/upstream/pkg/config"
)

var DebugLog func(string, ...interface{})

type DB struct {
	conn    *sql.DB
	enabled bool
}

type RunRecord struct {
	Name      string
	Mode      string
	Seed      int
	StartedAt time.Time
	LastStep  int
	LastLoss  float64
}

const DBName = "upstream_runs"

func New(cfg *config.Database) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		return db, nil
	}

	postgresConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password)

	postgresConn, err := sql.Open("postgres", postgresConnStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		_, err = postgresConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName))
		if err != nil {
			return db, fmt.Errorf("failed to create database: %w", err)
		}
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, DBName)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	db.conn = conn

	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	if !db.enabled || db.conn == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		mode VARCHAR(32) NOT NULL,
		seed INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE(name, started_at)
	);

	CREATE TABLE IF NOT EXISTS metrics (
		id SERIAL PRIMARY KEY,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		step INTEGER NOT NULL,
		loss DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_runs_name ON runs(name);
	CREATE INDEX IF NOT EXISTS idx_metrics_run ON metrics(run_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db != nil && db.enabled && db.conn != nil
}

// StartRun registers a run and returns its id for subsequent RecordStep
// calls. Disabled stores return 0 and nil.
func (db *DB) StartRun(name, mode string, seed int) (int64, error) {
	if !db.IsEnabled() {
		return 0, nil
	}

	var id int64
	err := db.conn.QueryRow(`
		INSERT INTO runs (name, mode, seed, started_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id
	`, name, mode, seed).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to register run: %w", err)
	}

	if DebugLog != nil {
		DebugLog("registered run %s (%s) as id %d", name, mode, id)
	}
	return id, nil
}

// RecordStep appends one loss sample for a run.
func (db *DB) RecordStep(runID int64, step int, loss float64) error {
	if !db.IsEnabled() || runID == 0 {
		return nil
	}

	_, err := db.conn.Exec(`
		INSERT INTO metrics (run_id, step, loss)
		VALUES ($1, $2, $3)
	`, runID, step, loss)
	return err
}

// QueryRuns lists run history, optionally filtered by run name, newest
// first, with the latest recorded step and loss joined in.
func (db *DB) QueryRuns(name string) ([]RunRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT r.name, r.mode, r.seed, r.started_at,
		       COALESCE(m.step, 0), COALESCE(m.loss, 0)
		FROM runs r
		LEFT JOIN LATERAL (
			SELECT step, loss FROM metrics
			WHERE run_id = r.id
			ORDER BY step DESC LIMIT 1
		) m ON TRUE
	`
	var args []interface{}
	if name != "" {
		query += " WHERE r.name = $1"
		args = append(args, name)
	}
	query += " ORDER BY r.started_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.Name, &r.Mode, &r.Seed, &r.StartedAt, &r.LastStep, &r.LastLoss); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, nil
}
