// Package postgres implements persistence.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
)

// Store is a PostgreSQL implementation of persistence.Store.
type Store struct {
	db     *pgxpool.Pool
	logger *logx.Logger
}

var _ persistence.Store = (*Store)(nil)

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	store := NewStore(pool)
	store.logger.Info("📦 Connected to postgres (schema v%d)", persistence.CurrentSchemaVersion)
	return store, nil
}

// NewStore wraps an existing pool. The schema must already be migrated.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db, logger: logx.NewLogger("persistence/postgres")}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// SchemaVersion implements persistence.Store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, persistence.ErrNotFound)...)
	}
	return nil
}

const briefColumns = `id, title, description, objectives, target_audience, budget, timeline,
	brand, website, current_stage, status, owner_id, created_at, updated_at`

func scanBrief(row pgx.Row) (*persistence.Brief, error) {
	var b persistence.Brief
	var status string
	if err := row.Scan(&b.ID, &b.Title, &b.Description, &b.Objectives, &b.TargetAudience,
		&b.Budget, &b.Timeline, &b.Brand, &b.Website, &b.CurrentStage, &status, &b.OwnerID,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = persistence.BriefStatus(status)
	return &b, nil
}

// GetBrief implements persistence.Store.
func (s *Store) GetBrief(ctx context.Context, id string) (*persistence.Brief, error) {
	brief, err := scanBrief(s.db.QueryRow(ctx, `SELECT `+briefColumns+` FROM briefs WHERE id = $1`, id))
	if nf := notFound(err, "brief %s", id); nf != nil {
		return nil, nf
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get brief %s: %w", id, err)
	}
	return brief, nil
}

// ListBriefs implements persistence.Store.
func (s *Store) ListBriefs(ctx context.Context) ([]*persistence.Brief, error) {
	rows, err := s.db.Query(ctx, `SELECT `+briefColumns+` FROM briefs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list briefs: %w", err)
	}
	defer rows.Close()

	var briefs []*persistence.Brief
	for rows.Next() {
		brief, err := scanBrief(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan brief: %w", err)
		}
		briefs = append(briefs, brief)
	}
	return briefs, rows.Err()
}

// UpsertBrief implements persistence.Store.
func (s *Store) UpsertBrief(ctx context.Context, brief *persistence.Brief) error {
	now := time.Now().UTC()
	if brief.CreatedAt.IsZero() {
		brief.CreatedAt = now
	}
	brief.UpdatedAt = now
	if brief.Status == "" {
		brief.Status = persistence.BriefNotStarted
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO briefs (`+briefColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			objectives = EXCLUDED.objectives,
			target_audience = EXCLUDED.target_audience,
			budget = EXCLUDED.budget,
			timeline = EXCLUDED.timeline,
			brand = EXCLUDED.brand,
			website = EXCLUDED.website,
			current_stage = EXCLUDED.current_stage,
			status = EXCLUDED.status,
			owner_id = EXCLUDED.owner_id,
			updated_at = EXCLUDED.updated_at`,
		brief.ID, brief.Title, brief.Description, brief.Objectives, brief.TargetAudience,
		brief.Budget, brief.Timeline, brief.Brand, brief.Website, brief.CurrentStage,
		string(brief.Status), brief.OwnerID, brief.CreatedAt, brief.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert brief %s: %w", brief.ID, err)
	}
	return nil
}

// UpdateBriefProgress implements persistence.Store.
func (s *Store) UpdateBriefProgress(ctx context.Context, briefID, currentStage string, status persistence.BriefStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE briefs SET current_stage = $1, status = $2, updated_at = now() WHERE id = $3`,
		currentStage, string(status), briefID)
	if err != nil {
		return fmt.Errorf("failed to update brief %s: %w", briefID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("brief %s: %w", briefID, persistence.ErrNotFound)
	}
	return nil
}

// GetStage implements persistence.Store.
func (s *Store) GetStage(ctx context.Context, id string) (*persistence.Stage, error) {
	var st persistence.Stage
	err := s.db.QueryRow(ctx, `SELECT id, name, order_index, flow_id FROM stages WHERE id = $1`, id).
		Scan(&st.ID, &st.Name, &st.OrderIndex, &st.FlowID)
	if nf := notFound(err, "stage %s", id); nf != nil {
		return nil, nf
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage %s: %w", id, err)
	}
	return &st, nil
}

// ListStages implements persistence.Store.
func (s *Store) ListStages(ctx context.Context) ([]*persistence.Stage, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, order_index, flow_id FROM stages ORDER BY order_index, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer rows.Close()

	var stages []*persistence.Stage
	for rows.Next() {
		var st persistence.Stage
		if err := rows.Scan(&st.ID, &st.Name, &st.OrderIndex, &st.FlowID); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		stages = append(stages, &st)
	}
	return stages, rows.Err()
}

// UpsertStage implements persistence.Store.
func (s *Store) UpsertStage(ctx context.Context, stage *persistence.Stage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO stages (id, name, order_index, flow_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			order_index = EXCLUDED.order_index,
			flow_id = EXCLUDED.flow_id`,
		stage.ID, stage.Name, stage.OrderIndex, stage.FlowID)
	if err != nil {
		return fmt.Errorf("failed to upsert stage %s: %w", stage.ID, err)
	}
	return nil
}

// GetFlowSteps implements persistence.Store.
func (s *Store) GetFlowSteps(ctx context.Context, flowID string) ([]*persistence.FlowStep, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, flow_id, agent_id, order_index, outputs, requirements, description, depends_on
		FROM flow_steps WHERE flow_id = $1 ORDER BY order_index, id`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow steps for %s: %w", flowID, err)
	}
	defer rows.Close()

	var steps []*persistence.FlowStep
	for rows.Next() {
		var step persistence.FlowStep
		if err := rows.Scan(&step.ID, &step.FlowID, &step.AgentID, &step.OrderIndex,
			&step.Outputs, &step.Requirements, &step.Description, &step.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to scan flow step: %w", err)
		}
		if len(step.Outputs) == 0 {
			step.Outputs = nil
		}
		if len(step.DependsOn) == 0 {
			step.DependsOn = nil
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// UpsertFlow implements persistence.Store. The flow's steps replace any previously stored ones.
func (s *Store) UpsertFlow(ctx context.Context, flow *persistence.Flow) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO flows (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, flow.ID, flow.Name); err != nil {
			return fmt.Errorf("failed to upsert flow %s: %w", flow.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM flow_steps WHERE flow_id = $1`, flow.ID); err != nil {
			return fmt.Errorf("failed to clear steps of flow %s: %w", flow.ID, err)
		}
		for _, step := range flow.Steps {
			step.FlowID = flow.ID
			if _, err := tx.Exec(ctx, `
				INSERT INTO flow_steps (id, flow_id, agent_id, order_index, outputs, requirements, description, depends_on)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				step.ID, flow.ID, step.AgentID, step.OrderIndex, nonNil(step.Outputs),
				step.Requirements, step.Description, nonNil(step.DependsOn)); err != nil {
				return fmt.Errorf("failed to insert flow step %s: %w", step.ID, err)
			}
		}
		return nil
	})
}

// GetAgent implements persistence.Store.
func (s *Store) GetAgent(ctx context.Context, id string) (*persistence.Agent, error) {
	var a persistence.Agent
	err := s.db.QueryRow(ctx,
		`SELECT id, name, description, temperature, prompt_template FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Description, &a.Temperature, &a.PromptTemplate)
	if nf := notFound(err, "agent %s", id); nf != nil {
		return nil, nf
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT name, type, content, description FROM skills WHERE agent_id = $1 ORDER BY position, name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query skills for agent %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var sk persistence.Skill
		if err := rows.Scan(&sk.Name, &sk.Type, &sk.Content, &sk.Description); err != nil {
			return nil, fmt.Errorf("failed to scan skill: %w", err)
		}
		a.Skills = append(a.Skills, sk)
	}
	return &a, rows.Err()
}

// UpsertAgent implements persistence.Store. The agent's skills replace any previously stored ones.
func (s *Store) UpsertAgent(ctx context.Context, agent *persistence.Agent) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agents (id, name, description, temperature, prompt_template) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				temperature = EXCLUDED.temperature,
				prompt_template = EXCLUDED.prompt_template`,
			agent.ID, agent.Name, agent.Description, agent.Temperature, agent.PromptTemplate); err != nil {
			return fmt.Errorf("failed to upsert agent %s: %w", agent.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM skills WHERE agent_id = $1`, agent.ID); err != nil {
			return fmt.Errorf("failed to clear skills of agent %s: %w", agent.ID, err)
		}
		for i := range agent.Skills {
			sk := &agent.Skills[i]
			if _, err := tx.Exec(ctx, `
				INSERT INTO skills (agent_id, name, type, content, description, position) VALUES ($1, $2, $3, $4, $5, $6)`,
				agent.ID, sk.Name, sk.Type, sk.Content, sk.Description, i); err != nil {
				return fmt.Errorf("failed to insert skill %s: %w", sk.Name, err)
			}
		}
		return nil
	})
}

// GetFeedback implements persistence.Store.
func (s *Store) GetFeedback(ctx context.Context, id string) (*persistence.StageFeedback, error) {
	var fb persistence.StageFeedback
	err := s.db.QueryRow(ctx, `
		SELECT id, brief_id, stage_id, content, rating, requires_revision, is_permanent, processed_for_rag, created_at
		FROM stage_feedback WHERE id = $1`, id,
	).Scan(&fb.ID, &fb.BriefID, &fb.StageID, &fb.Content, &fb.Rating, &fb.RequiresRevision,
		&fb.IsPermanent, &fb.ProcessedForRAG, &fb.CreatedAt)
	if nf := notFound(err, "feedback %s", id); nf != nil {
		return nil, nf
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback %s: %w", id, err)
	}
	return &fb, nil
}

// InsertFeedback implements persistence.Store.
func (s *Store) InsertFeedback(ctx context.Context, fb *persistence.StageFeedback) error {
	if fb.ID == "" {
		fb.ID = persistence.NewID()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO stage_feedback (id, brief_id, stage_id, content, rating, requires_revision, is_permanent, processed_for_rag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		fb.ID, fb.BriefID, fb.StageID, fb.Content, fb.Rating, fb.RequiresRevision, fb.IsPermanent,
		fb.ProcessedForRAG, fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback %s: %w", fb.ID, err)
	}
	return nil
}

// MarkFeedbackProcessed implements persistence.Store.
func (s *Store) MarkFeedbackProcessed(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE stage_feedback SET processed_for_rag = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark feedback %s processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("feedback %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}

// InsertConversation implements persistence.Store.
func (s *Store) InsertConversation(ctx context.Context, conv *persistence.WorkflowConversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var latestID string
		var latestVersion int
		err := tx.QueryRow(ctx, `
			SELECT id, version FROM workflow_conversations
			WHERE brief_id = $1 AND flow_step_id = $2
			ORDER BY version DESC LIMIT 1 FOR UPDATE`, conv.BriefID, conv.FlowStepID,
		).Scan(&latestID, &latestVersion)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read latest conversation version: %w", err)
		}

		conv.Version = latestVersion + 1
		if conv.Reprocessing && conv.OriginalConversationID == "" {
			conv.OriginalConversationID = latestID
		}
		if conv.ID == "" {
			conv.ID = persistence.NewID()
		}
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = time.Now().UTC()
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_conversations (
				id, brief_id, stage_id, agent_id, flow_step_id, content, output_type, feedback_id,
				reprocessing, reprocessed_at, original_conversation_id, version, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			conv.ID, conv.BriefID, conv.StageID, conv.AgentID, conv.FlowStepID, conv.Content,
			string(conv.OutputType), optional(conv.FeedbackID), conv.Reprocessing, conv.ReprocessedAt,
			optional(conv.OriginalConversationID), conv.Version, conv.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert conversation for step %s: %w", conv.FlowStepID, err)
		}
		return nil
	})
}

// InsertBriefOutput implements persistence.Store.
func (s *Store) InsertBriefOutput(ctx context.Context, out *persistence.BriefOutput) error {
	content, err := persistence.MarshalStageOutput(&out.Content)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var latestID string
		var latestVersion int
		err := tx.QueryRow(ctx, `
			SELECT id, version FROM brief_outputs
			WHERE brief_id = $1 AND stage_id = $2
			ORDER BY created_at DESC, seq DESC LIMIT 1 FOR UPDATE`, out.BriefID, out.StageID,
		).Scan(&latestID, &latestVersion)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read latest brief output: %w", err)
		}

		out.Version = latestVersion + 1
		if out.IsReprocessed && out.OriginalOutputID == "" {
			out.OriginalOutputID = latestID
		}
		if out.ID == "" {
			out.ID = persistence.NewID()
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = time.Now().UTC()
		}
		if out.ContentFormat == "" {
			out.ContentFormat = persistence.ContentFormatJSON
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO brief_outputs (
				id, brief_id, stage_id, stage, content, content_format, feedback_id,
				is_reprocessed, original_output_id, reprocessed_at, version, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			out.ID, out.BriefID, out.StageID, out.Stage, content, out.ContentFormat,
			optional(out.FeedbackID), out.IsReprocessed, optional(out.OriginalOutputID),
			out.ReprocessedAt, out.Version, out.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert brief output for stage %s: %w", out.StageID, err)
		}
		return nil
	})
}

// StampFeedback implements persistence.Store.
func (s *Store) StampFeedback(ctx context.Context, briefID, stageID, feedbackID string, at time.Time) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, table := range []string{"workflow_conversations", "brief_outputs"} {
			tag, err := tx.Exec(ctx, `UPDATE `+table+`
				SET feedback_id = $1, reprocessed_at = $2
				WHERE brief_id = $3 AND stage_id = $4 AND feedback_id IS NULL`,
				feedbackID, at, briefID, stageID)
			if err != nil {
				return fmt.Errorf("failed to stamp %s: %w", table, err)
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

const conversationColumns = `id, brief_id, stage_id, agent_id, flow_step_id, content, output_type, feedback_id,
	reprocessing, reprocessed_at, original_conversation_id, version, created_at`

// ListConversations implements persistence.Store.
func (s *Store) ListConversations(ctx context.Context, briefID, stageID string) ([]*persistence.WorkflowConversation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+conversationColumns+`
		FROM workflow_conversations
		WHERE brief_id = $1 AND ($2 = '' OR stage_id = $2)
		ORDER BY created_at DESC, seq DESC`, briefID, stageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*persistence.WorkflowConversation
	for rows.Next() {
		var c persistence.WorkflowConversation
		var outputType string
		var feedbackID, originalID *string
		if err := rows.Scan(&c.ID, &c.BriefID, &c.StageID, &c.AgentID, &c.FlowStepID, &c.Content,
			&outputType, &feedbackID, &c.Reprocessing, &c.ReprocessedAt, &originalID, &c.Version, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.OutputType = persistence.OutputType(outputType)
		c.FeedbackID = deref(feedbackID)
		c.OriginalConversationID = deref(originalID)
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

const outputColumns = `id, brief_id, stage_id, stage, content, content_format, feedback_id,
	is_reprocessed, original_output_id, reprocessed_at, version, created_at`

func scanBriefOutput(row pgx.Row) (*persistence.BriefOutput, error) {
	var o persistence.BriefOutput
	var content []byte
	var feedbackID, originalID *string
	if err := row.Scan(&o.ID, &o.BriefID, &o.StageID, &o.Stage, &content, &o.ContentFormat,
		&feedbackID, &o.IsReprocessed, &originalID, &o.ReprocessedAt, &o.Version, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.FeedbackID = deref(feedbackID)
	o.OriginalOutputID = deref(originalID)

	parsed, err := persistence.ParseStageOutput(content)
	if err != nil {
		return nil, fmt.Errorf("brief output %s: %w", o.ID, err)
	}
	o.Content = parsed
	return &o, nil
}

// ListBriefOutputs implements persistence.Store.
func (s *Store) ListBriefOutputs(ctx context.Context, briefID, stageID string) ([]*persistence.BriefOutput, error) {
	rows, err := s.db.Query(ctx, `SELECT `+outputColumns+`
		FROM brief_outputs
		WHERE brief_id = $1 AND ($2 = '' OR stage_id = $2)
		ORDER BY created_at DESC, seq DESC`, briefID, stageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list brief outputs: %w", err)
	}
	defer rows.Close()

	var outputs []*persistence.BriefOutput
	for rows.Next() {
		out, err := scanBriefOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan brief output: %w", err)
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// CurrentBriefOutput implements persistence.Store.
func (s *Store) CurrentBriefOutput(ctx context.Context, briefID, stageID string) (*persistence.BriefOutput, error) {
	out, err := scanBriefOutput(s.db.QueryRow(ctx, `SELECT `+outputColumns+`
		FROM brief_outputs
		WHERE brief_id = $1 AND stage_id = $2
		ORDER BY created_at DESC, seq DESC LIMIT 1`, briefID, stageID))
	if nf := notFound(err, "output for brief %s stage %s", briefID, stageID); nf != nil {
		return nil, nf
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current output: %w", err)
	}
	return out, nil
}
