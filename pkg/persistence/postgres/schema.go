package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stageengine/pkg/persistence"
)

var schemaStatements = []string{
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
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
		outputs JSONB NOT NULL DEFAULT '[]',
		requirements TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		depends_on JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		temperature DOUBLE PRECISION NOT NULL DEFAULT 0.7,
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
		requires_revision BOOLEAN NOT NULL DEFAULT false,
		is_permanent BOOLEAN NOT NULL DEFAULT false,
		processed_for_rag BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_conversations (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		brief_id TEXT NOT NULL REFERENCES briefs(id),
		stage_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		flow_step_id TEXT NOT NULL,
		content TEXT NOT NULL,
		output_type TEXT NOT NULL CHECK (output_type IN ('conversational','structured','summary')),
		feedback_id TEXT,
		reprocessing BOOLEAN NOT NULL DEFAULT false,
		reprocessed_at TIMESTAMPTZ,
		original_conversation_id TEXT,
		version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (brief_id, flow_step_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS brief_outputs (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		brief_id TEXT NOT NULL REFERENCES briefs(id),
		stage_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		content JSONB NOT NULL,
		content_format TEXT NOT NULL DEFAULT 'json',
		feedback_id TEXT,
		is_reprocessed BOOLEAN NOT NULL DEFAULT false,
		original_output_id TEXT,
		reprocessed_at TIMESTAMPTZ,
		version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (brief_id, stage_id, version)
	)`,
	"CREATE INDEX IF NOT EXISTS idx_stages_order ON stages(order_index)",
	"CREATE INDEX IF NOT EXISTS idx_flow_steps_flow ON flow_steps(flow_id, order_index)",
	"CREATE INDEX IF NOT EXISTS idx_feedback_brief_stage ON stage_feedback(brief_id, stage_id)",
	"CREATE INDEX IF NOT EXISTS idx_conversations_brief_stage ON workflow_conversations(brief_id, stage_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_outputs_brief_stage ON brief_outputs(brief_id, stage_id, created_at)",
}

// Migrate brings the database schema to persistence.CurrentSchemaVersion.
// Postgres deployments start at the current layout, so there is no step-wise history.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	version, err := schemaVersion(ctx, pool)
	if err != nil {
		return err
	}
	if version == persistence.CurrentSchemaVersion {
		return nil
	}
	if version > persistence.CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, persistence.CurrentSchemaVersion)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING`,
		persistence.CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

func schemaVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var version int
	err := pool.QueryRow(ctx, `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
