package recorder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caseiter/driver/internal/caseiter"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cases (
	uuid        TEXT PRIMARY KEY,
	parent_uuid TEXT,
	label       TEXT,
	retries     INT,
	msg         TEXT,
	timestamp   TIMESTAMPTZ,
	items_json  JSONB
);`

// PostgresRecorder appends cases to a shared Postgres database — the
// backend for multi-host or long-lived concurrent runs where a local
// SQLite file isn't shareable.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder connects to dsn and migrates the cases table.
func NewPostgresRecorder(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("recorder: connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recorder: migrating postgres schema: %w", err)
	}
	return &PostgresRecorder{pool: pool}, nil
}

// Append implements caseiter.Recorder.
func (r *PostgresRecorder) Append(c *caseiter.Case) error {
	items, err := flattenItems(c)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("recorder: encoding case %s: %w", c.UUID, err)
	}
	_, err = r.pool.Exec(context.Background(),
		`INSERT INTO cases (uuid, parent_uuid, label, retries, msg, timestamp, items_json)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (uuid) DO UPDATE SET
		   retries = EXCLUDED.retries, msg = EXCLUDED.msg,
		   timestamp = EXCLUDED.timestamp, items_json = EXCLUDED.items_json`,
		c.UUID.String(), c.ParentUUID.String(), c.Label, c.Retries, c.Msg, c.Timestamp, payload,
	)
	if err != nil {
		return fmt.Errorf("recorder: inserting case %s: %w", c.UUID, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRecorder) Close() { r.pool.Close() }
