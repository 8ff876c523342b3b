// Package database provides the Postgres connection and schema management
// for the Brain's persisted state. The relational store is the arbiter of
// persisted truth; in-memory module state is a cache rebuilt from it.
package database

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver
)

// DB wraps the sqlx connection with lifecycle helpers.
type DB struct {
	*sqlx.DB
}

// New opens a Postgres connection and verifies it with a ping.
func New(dsn string) (*DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &DB{DB: db}, nil
}

// Migrate applies the schema. Statements are idempotent so startup can run
// them unconditionally.
func (d *DB) Migrate() error {
	for _, stmt := range schema {
		if _, err := d.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS config_overrides (
		id             TEXT PRIMARY KEY,
		key            TEXT NOT NULL,
		value          JSONB NOT NULL,
		previous_value JSONB,
		operator_id    TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		expires_at     TIMESTAMPTZ,
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		deactivated_at TIMESTAMPTZ,
		deactivated_by TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS config_overrides_active_key
		ON config_overrides (key) WHERE active`,

	`CREATE TABLE IF NOT EXISTS config_receipts (
		id             TEXT PRIMARY KEY,
		key            TEXT NOT NULL,
		action         TEXT NOT NULL,
		previous_value JSONB,
		new_value      JSONB,
		operator_id    TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		expires_at     TIMESTAMPTZ,
		signature      TEXT NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS decisions (
		signal_id           TEXT PRIMARY KEY,
		phase_id            TEXT NOT NULL,
		approved            BOOLEAN NOT NULL,
		requested_notional  DOUBLE PRECISION NOT NULL,
		authorized_notional DOUBLE PRECISION NOT NULL,
		reason              TEXT NOT NULL,
		snapshot            JSONB NOT NULL,
		t_decided           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS decisions_t_decided ON decisions (t_decided)`,

	`CREATE TABLE IF NOT EXISTS phase_trades (
		phase_id  TEXT NOT NULL,
		signal_id TEXT NOT NULL,
		pnl_usd   DOUBLE PRECISION NOT NULL,
		t_fill    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (phase_id, signal_id)
	)`,
	`CREATE INDEX IF NOT EXISTS phase_trades_t_fill ON phase_trades (t_fill)`,

	`CREATE TABLE IF NOT EXISTS breaker_events (
		id          BIGSERIAL PRIMARY KEY,
		prev        TEXT NOT NULL,
		next        TEXT NOT NULL,
		reason      TEXT NOT NULL,
		equity      DOUBLE PRECISION NOT NULL,
		operator_id TEXT,
		timestamp   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS treasury_state (
		id             INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		futures_wallet DOUBLE PRECISION NOT NULL,
		spot_wallet    DOUBLE PRECISION NOT NULL,
		high_watermark DOUBLE PRECISION NOT NULL,
		total_swept    DOUBLE PRECISION NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sweep_records (
		id          TEXT PRIMARY KEY,
		amount      DOUBLE PRECISION NOT NULL,
		t_requested TIMESTAMPTZ NOT NULL,
		t_completed TIMESTAMPTZ,
		status      TEXT NOT NULL,
		error       TEXT
	)`,
}
