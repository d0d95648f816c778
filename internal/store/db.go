package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection and ensures the schema. The composite
// primary keys on roster and attendance are what make duplicate check-ins a
// storage-level conflict instead of an application-level race.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS roster (
		event_id    TEXT NOT NULL,
		roll_number TEXT NOT NULL,
		name        TEXT NOT NULL,
		branch      TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (event_id, roll_number)
	);

	CREATE TABLE IF NOT EXISTS attendance (
		event_id    TEXT NOT NULL,
		roll_number TEXT NOT NULL,
		name        TEXT NOT NULL,
		branch      TEXT NOT NULL DEFAULT '',
		day         TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (event_id, roll_number)
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_event  ON attendance(event_id);
	CREATE INDEX IF NOT EXISTS idx_attendance_branch ON attendance(event_id, branch);

	CREATE TABLE IF NOT EXISTS admins (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		super         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
