package recorder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/caseiter/driver/internal/caseiter"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cases (
	uuid        TEXT PRIMARY KEY,
	parent_uuid TEXT,
	label       TEXT,
	retries     INTEGER,
	msg         TEXT,
	timestamp   TEXT,
	items_json  TEXT
);`

// SQLiteRecorder appends cases to a local SQLite file — the default
// backend for single-host runs and demos.
type SQLiteRecorder struct {
	db *sql.DB
}

// NewSQLiteRecorder opens (creating if needed) the SQLite file at
// path and migrates the cases table.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: opening sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: migrating sqlite schema: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

// Append implements caseiter.Recorder.
func (r *SQLiteRecorder) Append(c *caseiter.Case) error {
	items, err := flattenItems(c)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("recorder: encoding case %s: %w", c.UUID, err)
	}
	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO cases (uuid, parent_uuid, label, retries, msg, timestamp, items_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.UUID.String(), c.ParentUUID.String(), c.Label, c.Retries, c.Msg,
		c.Timestamp.Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("recorder: inserting case %s: %w", c.UUID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *SQLiteRecorder) Close() error { return r.db.Close() }
