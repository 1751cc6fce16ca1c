package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 3

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return execAll(db, migrateToVersion2)
	case 3:
		return execAll(db, migrateToVersion3)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds declared step dependencies.
var migrateToVersion2 = []string{
	"ALTER TABLE flow_steps ADD COLUMN depends_on TEXT NOT NULL DEFAULT '[]'",
}

// migrateToVersion3 adds retrieval routing for permanent feedback and output versioning.
var migrateToVersion3 = []string{
	"ALTER TABLE stage_feedback ADD COLUMN processed_for_rag INTEGER NOT NULL DEFAULT 0",
	"ALTER TABLE brief_outputs ADD COLUMN content_format TEXT NOT NULL DEFAULT 'json'",
	"CREATE INDEX IF NOT EXISTS idx_feedback_permanent ON stage_feedback(is_permanent, processed_for_rag)",
}

func execAll(db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return nil
}

// schemaTables is the version 1 layout plus every later migration.
var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS briefs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		objectives TEXT NOT NULL DEFAULT '',
		target_audience TEXT NOT NULL DEFAULT '',
		budget TEXT NOT NULL DEFAULT '',
		timeline TEXT NOT NULL DEFAULT '',
		brand TEXT NOT NULL DEFAULT '',
		website TEXT NOT NULL DEFAULT '',
		current_stage TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'not_started' CHECK (status IN ('not_started','in_progress','completed')),
		owner_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,

	`CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS stages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		order_index INTEGER NOT NULL DEFAULT 0,
		flow_id TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS flow_steps (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		order_index INTEGER NOT NULL DEFAULT 0,
		outputs TEXT NOT NULL DEFAULT '[]',
		requirements TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		depends_on TEXT NOT NULL DEFAULT '[]'
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		temperature REAL NOT NULL DEFAULT 0.7,
		prompt_template TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS skills (
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (agent_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS stage_feedback (
		id TEXT PRIMARY KEY,
		brief_id TEXT NOT NULL REFERENCES briefs(id),
		stage_id TEXT NOT NULL,
		content TEXT NOT NULL,
		rating INTEGER NOT NULL DEFAULT 0,
		requires_revision INTEGER NOT NULL DEFAULT 0,
		is_permanent INTEGER NOT NULL DEFAULT 0,
		processed_for_rag INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_conversations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		brief_id TEXT NOT NULL REFERENCES briefs(id),
		stage_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		flow_step_id TEXT NOT NULL,
		content TEXT NOT NULL,
		output_type TEXT NOT NULL CHECK (output_type IN ('conversational','structured','summary')),
		feedback_id TEXT,
		reprocessing INTEGER NOT NULL DEFAULT 0,
		reprocessed_at TEXT,
		original_conversation_id TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS brief_outputs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		brief_id TEXT NOT NULL REFERENCES briefs(id),
		stage_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		content TEXT NOT NULL,
		content_format TEXT NOT NULL DEFAULT 'json',
		feedback_id TEXT,
		is_reprocessed INTEGER NOT NULL DEFAULT 0,
		original_output_id TEXT,
		reprocessed_at TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

var schemaIndices = []string{
	"CREATE INDEX IF NOT EXISTS idx_stages_order ON stages(order_index)",
	"CREATE INDEX IF NOT EXISTS idx_flow_steps_flow ON flow_steps(flow_id, order_index)",
	"CREATE INDEX IF NOT EXISTS idx_feedback_brief_stage ON stage_feedback(brief_id, stage_id)",
	"CREATE INDEX IF NOT EXISTS idx_feedback_permanent ON stage_feedback(is_permanent, processed_for_rag)",
	"CREATE INDEX IF NOT EXISTS idx_conversations_brief_stage ON workflow_conversations(brief_id, stage_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_conversations_step ON workflow_conversations(brief_id, flow_step_id, version)",
	"CREATE INDEX IF NOT EXISTS idx_outputs_brief_stage ON brief_outputs(brief_id, stage_id, created_at)",
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	for _, ddl := range schemaTables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range schemaIndices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
