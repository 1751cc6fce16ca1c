package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"stageengine/pkg/logx"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Open creates or opens the database at dbPath and brings its schema up to date.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer; a single connection also serializes version
	// assignment across concurrent steps.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store := NewSQLiteStore(db)
	store.logger.Info("📦 Database initialized: %s", dbPath)
	return store, nil
}

// NewSQLiteStore wraps an already initialized database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logx.NewLogger("persistence")}
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SchemaVersion implements Store.
func (s *SQLiteStore) SchemaVersion(_ context.Context) (int, error) {
	return GetSchemaVersion(s.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil //nolint:nilnil // absent timestamp
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

// GetBrief implements Store.
func (s *SQLiteStore) GetBrief(ctx context.Context, id string) (*Brief, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, objectives, target_audience, budget, timeline,
			brand, website, current_stage, status, owner_id, created_at, updated_at
		FROM briefs WHERE id = ?`, id)
	brief, err := scanBrief(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("brief %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get brief %s: %w", id, err)
	}
	return brief, nil
}

// ListBriefs implements Store.
func (s *SQLiteStore) ListBriefs(ctx context.Context) ([]*Brief, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, objectives, target_audience, budget, timeline,
			brand, website, current_stage, status, owner_id, created_at, updated_at
		FROM briefs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list briefs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var briefs []*Brief
	for rows.Next() {
		brief, err := scanBrief(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan brief: %w", err)
		}
		briefs = append(briefs, brief)
	}
	return briefs, rows.Err()
}

func scanBrief(row rowScanner) (*Brief, error) {
	var b Brief
	var status, created, updated string
	if err := row.Scan(&b.ID, &b.Title, &b.Description, &b.Objectives, &b.TargetAudience,
		&b.Budget, &b.Timeline, &b.Brand, &b.Website, &b.CurrentStage, &status, &b.OwnerID,
		&created, &updated); err != nil {
		return nil, err
	}
	b.Status = BriefStatus(status)
	var err error
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	return &b, nil
}

// UpsertBrief implements Store.
func (s *SQLiteStore) UpsertBrief(ctx context.Context, brief *Brief) error {
	now := time.Now().UTC()
	if brief.CreatedAt.IsZero() {
		brief.CreatedAt = now
	}
	brief.UpdatedAt = now
	if brief.Status == "" {
		brief.Status = BriefNotStarted
	}

	query := `
		INSERT INTO briefs (
			id, title, description, objectives, target_audience, budget, timeline,
			brand, website, current_stage, status, owner_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			objectives = excluded.objectives,
			target_audience = excluded.target_audience,
			budget = excluded.budget,
			timeline = excluded.timeline,
			brand = excluded.brand,
			website = excluded.website,
			current_stage = excluded.current_stage,
			status = excluded.status,
			owner_id = excluded.owner_id,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		brief.ID, brief.Title, brief.Description, brief.Objectives, brief.TargetAudience,
		brief.Budget, brief.Timeline, brief.Brand, brief.Website, brief.CurrentStage,
		string(brief.Status), brief.OwnerID, formatTime(brief.CreatedAt), formatTime(brief.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert brief %s: %w", brief.ID, err)
	}
	return nil
}

// UpdateBriefProgress implements Store.
func (s *SQLiteStore) UpdateBriefProgress(ctx context.Context, briefID, currentStage string, status BriefStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE briefs SET current_stage = ?, status = ?, updated_at = ? WHERE id = ?`,
		currentStage, string(status), formatTime(time.Now()), briefID)
	if err != nil {
		return fmt.Errorf("failed to update brief %s: %w", briefID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("brief %s: %w", briefID, ErrNotFound)
	}
	return nil
}

// GetStage implements Store.
func (s *SQLiteStore) GetStage(ctx context.Context, id string) (*Stage, error) {
	var st Stage
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, order_index, flow_id FROM stages WHERE id = ?`, id,
	).Scan(&st.ID, &st.Name, &st.OrderIndex, &st.FlowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage %s: %w", id, err)
	}
	return &st, nil
}

// ListStages implements Store.
func (s *SQLiteStore) ListStages(ctx context.Context) ([]*Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, order_index, flow_id FROM stages ORDER BY order_index, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stages []*Stage
	for rows.Next() {
		var st Stage
		if err := rows.Scan(&st.ID, &st.Name, &st.OrderIndex, &st.FlowID); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		stages = append(stages, &st)
	}
	return stages, rows.Err()
}

// UpsertStage implements Store.
func (s *SQLiteStore) UpsertStage(ctx context.Context, stage *Stage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stages (id, name, order_index, flow_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			order_index = excluded.order_index,
			flow_id = excluded.flow_id`,
		stage.ID, stage.Name, stage.OrderIndex, stage.FlowID)
	if err != nil {
		return fmt.Errorf("failed to upsert stage %s: %w", stage.ID, err)
	}
	return nil
}

// GetFlowSteps implements Store.
func (s *SQLiteStore) GetFlowSteps(ctx context.Context, flowID string) ([]*FlowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_id, agent_id, order_index, outputs, requirements, description, depends_on
		FROM flow_steps WHERE flow_id = ? ORDER BY order_index, id`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow steps for %s: %w", flowID, err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*FlowStep
	for rows.Next() {
		var step FlowStep
		var outputs, deps string
		if err := rows.Scan(&step.ID, &step.FlowID, &step.AgentID, &step.OrderIndex,
			&outputs, &step.Requirements, &step.Description, &deps); err != nil {
			return nil, fmt.Errorf("failed to scan flow step: %w", err)
		}
		if step.Outputs, err = decodeList(outputs); err != nil {
			return nil, fmt.Errorf("flow step %s has malformed outputs: %w", step.ID, err)
		}
		if step.DependsOn, err = decodeList(deps); err != nil {
			return nil, fmt.Errorf("flow step %s has malformed depends_on: %w", step.ID, err)
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// UpsertFlow implements Store. The flow's steps replace any previously stored ones.
func (s *SQLiteStore) UpsertFlow(ctx context.Context, flow *Flow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO flows (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, flow.ID, flow.Name); err != nil {
		return fmt.Errorf("failed to upsert flow %s: %w", flow.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM flow_steps WHERE flow_id = ?`, flow.ID); err != nil {
		return fmt.Errorf("failed to clear steps of flow %s: %w", flow.ID, err)
	}

	for _, step := range flow.Steps {
		step.FlowID = flow.ID
		outputs, err := encodeList(step.Outputs)
		if err != nil {
			return fmt.Errorf("failed to encode outputs of step %s: %w", step.ID, err)
		}
		deps, err := encodeList(step.DependsOn)
		if err != nil {
			return fmt.Errorf("failed to encode depends_on of step %s: %w", step.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO flow_steps (id, flow_id, agent_id, order_index, outputs, requirements, description, depends_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, flow.ID, step.AgentID, step.OrderIndex, outputs, step.Requirements, step.Description, deps); err != nil {
			return fmt.Errorf("failed to insert flow step %s: %w", step.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow %s: %w", flow.ID, err)
	}
	return nil
}

// GetAgent implements Store.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, temperature, prompt_template FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Description, &a.Temperature, &a.PromptTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, type, content, description FROM skills WHERE agent_id = ? ORDER BY position, name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query skills for agent %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sk Skill
		if err := rows.Scan(&sk.Name, &sk.Type, &sk.Content, &sk.Description); err != nil {
			return nil, fmt.Errorf("failed to scan skill: %w", err)
		}
		a.Skills = append(a.Skills, sk)
	}
	return &a, rows.Err()
}

// UpsertAgent implements Store. The agent's skills replace any previously stored ones.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, name, description, temperature, prompt_template) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			temperature = excluded.temperature,
			prompt_template = excluded.prompt_template`,
		agent.ID, agent.Name, agent.Description, agent.Temperature, agent.PromptTemplate); err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", agent.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM skills WHERE agent_id = ?`, agent.ID); err != nil {
		return fmt.Errorf("failed to clear skills of agent %s: %w", agent.ID, err)
	}
	for i := range agent.Skills {
		sk := &agent.Skills[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO skills (agent_id, name, type, content, description, position) VALUES (?, ?, ?, ?, ?, ?)`,
			agent.ID, sk.Name, sk.Type, sk.Content, sk.Description, i); err != nil {
			return fmt.Errorf("failed to insert skill %s: %w", sk.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit agent %s: %w", agent.ID, err)
	}
	return nil
}

// GetFeedback implements Store.
func (s *SQLiteStore) GetFeedback(ctx context.Context, id string) (*StageFeedback, error) {
	var fb StageFeedback
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, brief_id, stage_id, content, rating, requires_revision, is_permanent, processed_for_rag, created_at
		FROM stage_feedback WHERE id = ?`, id,
	).Scan(&fb.ID, &fb.BriefID, &fb.StageID, &fb.Content, &fb.Rating, &fb.RequiresRevision,
		&fb.IsPermanent, &fb.ProcessedForRAG, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feedback %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback %s: %w", id, err)
	}
	if fb.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("feedback %s has bad created_at: %w", id, err)
	}
	return &fb, nil
}

// InsertFeedback implements Store.
func (s *SQLiteStore) InsertFeedback(ctx context.Context, fb *StageFeedback) error {
	if fb.ID == "" {
		fb.ID = NewID()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_feedback (id, brief_id, stage_id, content, rating, requires_revision, is_permanent, processed_for_rag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.BriefID, fb.StageID, fb.Content, fb.Rating, fb.RequiresRevision, fb.IsPermanent,
		fb.ProcessedForRAG, formatTime(fb.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert feedback %s: %w", fb.ID, err)
	}
	return nil
}

// MarkFeedbackProcessed implements Store.
func (s *SQLiteStore) MarkFeedbackProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stage_feedback SET processed_for_rag = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark feedback %s processed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("feedback %s: %w", id, ErrNotFound)
	}
	return nil
}

// InsertConversation implements Store.
func (s *SQLiteStore) InsertConversation(ctx context.Context, conv *WorkflowConversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latestID string
	var latestVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT id, version FROM workflow_conversations
		WHERE brief_id = ? AND flow_step_id = ?
		ORDER BY version DESC LIMIT 1`, conv.BriefID, conv.FlowStepID,
	).Scan(&latestID, &latestVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read latest conversation version: %w", err)
	}

	conv.Version = latestVersion + 1
	if conv.Reprocessing && conv.OriginalConversationID == "" {
		conv.OriginalConversationID = latestID
	}
	if conv.ID == "" {
		conv.ID = NewID()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_conversations (
			id, brief_id, stage_id, agent_id, flow_step_id, content, output_type, feedback_id,
			reprocessing, reprocessed_at, original_conversation_id, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.BriefID, conv.StageID, conv.AgentID, conv.FlowStepID, conv.Content,
		string(conv.OutputType), nullString(conv.FeedbackID), conv.Reprocessing, nullTime(conv.ReprocessedAt),
		nullString(conv.OriginalConversationID), conv.Version, formatTime(conv.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert conversation for step %s: %w", conv.FlowStepID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation: %w", err)
	}
	return nil
}

// InsertBriefOutput implements Store.
func (s *SQLiteStore) InsertBriefOutput(ctx context.Context, out *BriefOutput) error {
	content, err := MarshalStageOutput(&out.Content)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latestID string
	var latestVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT id, version FROM brief_outputs
		WHERE brief_id = ? AND stage_id = ?
		ORDER BY created_at DESC, seq DESC LIMIT 1`, out.BriefID, out.StageID,
	).Scan(&latestID, &latestVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read latest brief output: %w", err)
	}

	out.Version = latestVersion + 1
	if out.IsReprocessed && out.OriginalOutputID == "" {
		out.OriginalOutputID = latestID
	}
	if out.ID == "" {
		out.ID = NewID()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	if out.ContentFormat == "" {
		out.ContentFormat = ContentFormatJSON
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO brief_outputs (
			id, brief_id, stage_id, stage, content, content_format, feedback_id,
			is_reprocessed, original_output_id, reprocessed_at, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.BriefID, out.StageID, out.Stage, string(content), out.ContentFormat,
		nullString(out.FeedbackID), out.IsReprocessed, nullString(out.OriginalOutputID),
		nullTime(out.ReprocessedAt), out.Version, formatTime(out.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert brief output for stage %s: %w", out.StageID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit brief output: %w", err)
	}
	return nil
}

// StampFeedback implements Store.
func (s *SQLiteStore) StampFeedback(ctx context.Context, briefID, stageID, feedbackID string, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, table := range []string{"workflow_conversations", "brief_outputs"} {
		res, err := tx.ExecContext(ctx, `UPDATE `+table+`
			SET feedback_id = ?, reprocessed_at = ?
			WHERE brief_id = ? AND stage_id = ? AND feedback_id IS NULL`,
			feedbackID, formatTime(at), briefID, stageID)
		if err != nil {
			return 0, fmt.Errorf("failed to stamp %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit feedback stamp: %w", err)
	}
	return total, nil
}

const conversationColumns = `id, brief_id, stage_id, agent_id, flow_step_id, content, output_type, feedback_id,
	reprocessing, reprocessed_at, original_conversation_id, version, created_at`

// ListConversations implements Store.
func (s *SQLiteStore) ListConversations(ctx context.Context, briefID, stageID string) ([]*WorkflowConversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+`
		FROM workflow_conversations
		WHERE brief_id = ? AND (? = '' OR stage_id = ?)
		ORDER BY created_at DESC, seq DESC`, briefID, stageID, stageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*WorkflowConversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func scanConversation(row rowScanner) (*WorkflowConversation, error) {
	var c WorkflowConversation
	var outputType, created string
	var feedbackID, reprocessedAt, originalID sql.NullString
	if err := row.Scan(&c.ID, &c.BriefID, &c.StageID, &c.AgentID, &c.FlowStepID, &c.Content,
		&outputType, &feedbackID, &c.Reprocessing, &reprocessedAt, &originalID, &c.Version, &created); err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	c.OutputType = OutputType(outputType)
	c.FeedbackID = feedbackID.String
	c.OriginalConversationID = originalID.String

	var err error
	if c.ReprocessedAt, err = scanNullTime(reprocessedAt); err != nil {
		return nil, fmt.Errorf("conversation %s has bad reprocessed_at: %w", c.ID, err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("conversation %s has bad created_at: %w", c.ID, err)
	}
	return &c, nil
}

const outputColumns = `id, brief_id, stage_id, stage, content, content_format, feedback_id,
	is_reprocessed, original_output_id, reprocessed_at, version, created_at`

// ListBriefOutputs implements Store.
func (s *SQLiteStore) ListBriefOutputs(ctx context.Context, briefID, stageID string) ([]*BriefOutput, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outputColumns+`
		FROM brief_outputs
		WHERE brief_id = ? AND (? = '' OR stage_id = ?)
		ORDER BY created_at DESC, seq DESC`, briefID, stageID, stageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list brief outputs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outputs []*BriefOutput
	for rows.Next() {
		out, err := scanBriefOutput(rows)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// CurrentBriefOutput implements Store.
func (s *SQLiteStore) CurrentBriefOutput(ctx context.Context, briefID, stageID string) (*BriefOutput, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outputColumns+`
		FROM brief_outputs
		WHERE brief_id = ? AND stage_id = ?
		ORDER BY created_at DESC, seq DESC LIMIT 1`, briefID, stageID)
	out, err := scanBriefOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("output for brief %s stage %s: %w", briefID, stageID, ErrNotFound)
	}
	return out, err
}

func scanBriefOutput(row rowScanner) (*BriefOutput, error) {
	var o BriefOutput
	var content, created string
	var feedbackID, originalID, reprocessedAt sql.NullString
	if err := row.Scan(&o.ID, &o.BriefID, &o.StageID, &o.Stage, &content, &o.ContentFormat,
		&feedbackID, &o.IsReprocessed, &originalID, &reprocessedAt, &o.Version, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan brief output: %w", err)
	}
	o.FeedbackID = feedbackID.String
	o.OriginalOutputID = originalID.String

	var err error
	if o.Content, err = ParseStageOutput([]byte(content)); err != nil {
		return nil, fmt.Errorf("brief output %s: %w", o.ID, err)
	}
	if o.ReprocessedAt, err = scanNullTime(reprocessedAt); err != nil {
		return nil, fmt.Errorf("brief output %s has bad reprocessed_at: %w", o.ID, err)
	}
	if o.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("brief output %s has bad created_at: %w", o.ID, err)
	}
	return &o, nil
}
