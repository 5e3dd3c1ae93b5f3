package monitor

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// currentSchemaVersion is incremented when the schema changes in a way that
// requires data migration (not just adding columns).
const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	key       TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	hostname  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS machines (
	id        TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	hostname  TEXT NOT NULL,
	os        TEXT NOT NULL DEFAULT '',
	tags      TEXT NOT NULL DEFAULT '',
	status    TEXT NOT NULL DEFAULT 'NO_DATA',
	last_seen INTEGER,
	UNIQUE(tenant_id, hostname)
);

CREATE TABLE IF NOT EXISTS metric_instances (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	machine_id          TEXT NOT NULL,
	name_effective      TEXT NOT NULL,
	metric_type         TEXT NOT NULL DEFAULT 'numeric',
	dimension           TEXT NOT NULL DEFAULT '',
	unit                TEXT NOT NULL DEFAULT '',
	is_alerting_enabled INTEGER NOT NULL DEFAULT 1,
	is_paused           INTEGER NOT NULL DEFAULT 0,
	needs_threshold     INTEGER NOT NULL DEFAULT 0,
	last_num            REAL,
	last_bool           INTEGER,
	last_str            TEXT,
	updated_at          INTEGER,
	UNIQUE(machine_id, name_effective, dimension)
);
CREATE INDEX IF NOT EXISTS idx_metric_instances_machine ON metric_instances(machine_id);

CREATE TABLE IF NOT EXISTS samples (
	metric_instance_id TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	num_value  REAL,
	bool_value INTEGER,
	str_value  TEXT
);
CREATE INDEX IF NOT EXISTS idx_samples_latest ON samples(metric_instance_id, ts DESC, seq DESC);

CREATE TABLE IF NOT EXISTS thresholds (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	metric_instance_id   TEXT NOT NULL,
	condition            TEXT NOT NULL,
	value_num            REAL,
	value_bool           INTEGER,
	value_str            TEXT,
	severity             TEXT NOT NULL DEFAULT 'warning',
	min_duration_sec     INTEGER NOT NULL DEFAULT 0,
	cooldown_sec         INTEGER NOT NULL DEFAULT 0,
	consecutive_breaches INTEGER NOT NULL DEFAULT 1,
	is_active            INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_thresholds_active ON thresholds(metric_instance_id) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS http_targets (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	name                 TEXT NOT NULL,
	url                  TEXT NOT NULL,
	method               TEXT NOT NULL DEFAULT 'GET',
	accepted_status      TEXT NOT NULL DEFAULT '',
	check_interval_sec   INTEGER NOT NULL DEFAULT 300,
	timeout_sec          INTEGER NOT NULL DEFAULT 30,
	is_active            INTEGER NOT NULL DEFAULT 1,
	last_check_at        INTEGER,
	last_status          INTEGER,
	last_latency_ms      INTEGER,
	last_error           TEXT NOT NULL DEFAULT '',
	last_ok              INTEGER,
	last_state_change_at INTEGER,
	UNIQUE(tenant_id, url)
);

CREATE TABLE IF NOT EXISTS incidents (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	scope_id        TEXT NOT NULL,
	dedup_key       TEXT NOT NULL,
	incident_number INTEGER NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	severity        TEXT NOT NULL DEFAULT 'warning',
	status          TEXT NOT NULL DEFAULT 'OPEN',
	created_at      INTEGER NOT NULL,
	resolved_at     INTEGER,
	updated_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_one_open ON incidents(tenant_id, kind, scope_id) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_incidents_tenant_created ON incidents(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS notification_log (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	incident_id TEXT,
	alert_id    TEXT,
	provider    TEXT NOT NULL,
	recipient   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	sent_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_notification_log_incident ON notification_log(incident_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_notification_log_tenant ON notification_log(tenant_id, sent_at);

CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id                   TEXT PRIMARY KEY,
	reminder_seconds            INTEGER,
	grace_period_seconds        INTEGER,
	grouping_enabled            INTEGER,
	grouping_window_seconds     INTEGER,
	notify_on_resolve           INTEGER,
	heartbeat_threshold_seconds INTEGER,
	slack_webhook               TEXT,
	notification_email          TEXT
);

CREATE TABLE IF NOT EXISTS outbox_events (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	incident_id      TEXT,
	kind             TEXT NOT NULL,
	payload          TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PENDING',
	attempts         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  INTEGER NOT NULL,
	delivery_receipt TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_events(next_attempt_at) WHERE status IN ('PENDING', 'DELIVERING');

CREATE TABLE IF NOT EXISTS ingests (
	tenant_id  TEXT NOT NULL,
	ingest_id  TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	sent_at    INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(tenant_id, ingest_id)
);
`

// Store manages SQLite persistence for the monitoring backend. The single
// connection serializes writers; the partial unique index on open incidents
// is the only cross-worker mutual-exclusion primitive.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time

	// incidentHook observes incident lifecycle changes ("opened",
	// "resolved"). Set once at startup, before workers run.
	incidentHook func(action string, inc *Incident)
}

// OnIncidentChange registers the lifecycle observer. Must be called before
// any worker touches the store.
func (s *Store) OnIncidentChange(fn func(action string, inc *Incident)) {
	s.incidentHook = fn
}

func (s *Store) fireIncidentHook(action string, inc *Incident) {
	if s.incidentHook != nil {
		s.incidentHook(action, inc)
	}
}

// OpenStore opens or creates a SQLite database at the given path with WAL mode.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Limit SQLite page cache to ~2MB (negative = KB).
	if _, err := db.Exec("PRAGMA cache_size = -2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	// Restrict database file permissions to owner-only.
	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate handles schema migrations using PRAGMA user_version for tracking.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version >= currentSchemaVersion {
		return nil
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// truncate bounds a string for storage in log-like columns.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
