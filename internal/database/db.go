// internal/database/db.go
package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Setting keys
const (
	settingLastRoot = "last_root"
)

// ErrRunNotFound is returned by GetExportRun for an unknown ID
var ErrRunNotFound = errors.New("export run not found")

// DefaultRunLimit applies when ListExportRuns gets a non-positive limit
const DefaultRunLimit = 50

// Database wraps the SQLite database connection
type Database struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS export_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		root TEXT NOT NULL,
		destination TEXT,
		format TEXT,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		failures TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_export_runs_created ON export_runs(created_at);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// SaveSetting saves or updates a setting
func (d *Database) SaveSetting(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)`, key, value, time.Now())
	return err
}

// GetSetting retrieves a setting by key
func (d *Database) GetSetting(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	return value, err
}

// SetLastRoot remembers the history root the user last opened
func (d *Database) SetLastRoot(root string) error {
	return d.SaveSetting(settingLastRoot, root)
}

// GetLastRoot returns the remembered root, or "" if none was saved
func (d *Database) GetLastRoot() (string, error) {
	root, err := d.GetSetting(settingLastRoot)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return root, err
}

// RecordExportRun stores a finished run. CreatedAt is set when zero.
func (d *Database) RecordExportRun(run *ExportRun) error {
	if run.ID == "" {
		return fmt.Errorf("export run has no id")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Failures == nil {
		run.Failures = []RunFailure{}
	}

	failures, err := json.Marshal(run.Failures)
	if err != nil {
		return err
	}

	_, err = d.db.Exec(`
		INSERT INTO export_runs (id, kind, root, destination, format, succeeded, failed, failures, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Root, run.Destination, run.Format,
		run.Succeeded, run.Failed, string(failures), run.CreatedAt.UnixMilli())
	return err
}

// GetExportRun retrieves a run by ID
func (d *Database) GetExportRun(id string) (*ExportRun, error) {
	row := d.db.QueryRow(`
		SELECT id, kind, root, destination, format, succeeded, failed, failures, created_at
		FROM export_runs WHERE id = ?`, id)
	run, err := scanExportRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %w", ErrRunNotFound, err)
	}
	return run, err
}

// ListExportRuns returns the most recent runs, newest first
func (d *Database) ListExportRuns(limit int) ([]*ExportRun, error) {
	if limit <= 0 {
		limit = DefaultRunLimit
	}

	rows, err := d.db.Query(`
		SELECT id, kind, root, destination, format, succeeded, failed, failures, created_at
		FROM export_runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*ExportRun{}
	for rows.Next() {
		run, err := scanExportRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteExportRunsBefore prunes runs older than t and returns how many went
func (d *Database) DeleteExportRunsBefore(t time.Time) (int64, error) {
	result, err := d.db.Exec(`DELETE FROM export_runs WHERE created_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExportRun(row scanner) (*ExportRun, error) {
	var (
		run         ExportRun
		destination sql.NullString
		format      sql.NullString
		failures    string
		createdAt   int64
	)
	err := row.Scan(&run.ID, &run.Kind, &run.Root, &destination, &format,
		&run.Succeeded, &run.Failed, &failures, &createdAt)
	if err != nil {
		return nil, err
	}

	run.Destination = destination.String
	run.Format = format.String
	run.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(failures), &run.Failures); err != nil {
		return nil, fmt.Errorf("decode failures for run %s: %w", run.ID, err)
	}
	if run.Failures == nil {
		run.Failures = []RunFailure{}
	}
	return &run, nil
}
