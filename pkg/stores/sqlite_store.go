package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/scenepilot/scenepilot/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// SQLiteStore is the session journal. It implements engine.Journal.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Init opens it.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, engine.NewPermanentError("database path is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: is a separate database
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.cfg.Path
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// times are written in UTC with the sqlite layout so they sort as text
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	if s.cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	var dirty bool
	err := s.db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordGoal inserts a goal or updates its mutable fields.
func (s *SQLiteStore) RecordGoal(ctx context.Context, goal *engine.Goal) error {
	params, err := json.Marshal(orEmptyMap(goal.Parameters))
	if err != nil {
		return fmt.Errorf("failed to encode goal parameters: %w", err)
	}
	reasons, err := json.Marshal(orEmptySlice(goal.FailureReasons))
	if err != nil {
		return fmt.Errorf("failed to encode failure reasons: %w", err)
	}

	query := `
		INSERT INTO goals (
			id, description, original_request, status, priority, parent_id,
			attempt_count, max_attempts, parameters, failure_reasons,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			attempt_count = excluded.attempt_count,
			max_attempts = excluded.max_attempts,
			parameters = excluded.parameters,
			failure_reasons = excluded.failure_reasons,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		goal.ID,
		goal.Description,
		goal.OriginalRequest,
		string(goal.Status),
		goal.Priority,
		nullString(goal.ParentID),
		goal.AttemptCount,
		goal.MaxAttempts,
		string(params),
		string(reasons),
		goal.CreatedAt.UTC(),
		utcPtr(goal.StartedAt),
		utcPtr(goal.CompletedAt),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record goal: %w", err)
	}
	return nil
}

// RecordPlan inserts a plan or updates its status and document.
func (s *SQLiteStore) RecordPlan(ctx context.Context, plan *engine.Plan) error {
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	query := `
		INSERT INTO plans (id, goal_id, status, step_count, rationale, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			step_count = excluded.step_count,
			rationale = excluded.rationale,
			document = excluded.document,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		plan.ID,
		plan.GoalID,
		string(plan.Status),
		len(plan.Steps),
		plan.Rationale,
		string(doc),
		plan.CreatedAt.UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record plan: %w", err)
	}
	return nil
}

// RecordStepResult appends one step execution.
func (s *SQLiteStore) RecordStepResult(ctx context.Context, planID string, step *engine.PlanStep, result *engine.StepResult) error {
	query := `
		INSERT INTO step_results (
			plan_id, step_id, description, tool, status, summary, error,
			retry_count, duration_ms, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	completedAt := result.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		planID,
		step.ID,
		step.Description,
		step.ToolName,
		string(result.Status),
		result.Summary,
		result.Error,
		step.RetryCount,
		result.Duration.Milliseconds(),
		completedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record step result: %w", err)
	}
	return nil
}

// RecordModification appends one entity modification.
func (s *SQLiteStore) RecordModification(ctx context.Context, entityID, modType, goalID, stepID string, at time.Time) error {
	query := `
		INSERT INTO modifications (entity_id, type, goal_id, step_id, modified_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, entityID, modType, nullString(goalID), stepID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record modification: %w", err)
	}
	return nil
}

// RecordEvent appends one controller event. goalID may be empty.
func (s *SQLiteStore) RecordEvent(ctx context.Context, goalID, level, message string) error {
	query := `
		INSERT INTO events (goal_id, level, message, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, nullString(goalID), level, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

const goalColumns = `
	id, description, original_request, status, priority, parent_id,
	attempt_count, max_attempts, parameters, failure_reasons,
	created_at, started_at, completed_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGoal(row scanner) (*GoalRecord, error) {
	g := &GoalRecord{}
	var params, reasons string
	var started, completed sql.NullTime
	err := row.Scan(
		&g.ID,
		&g.Description,
		&g.OriginalRequest,
		&g.Status,
		&g.Priority,
		&g.ParentID,
		&g.AttemptCount,
		&g.MaxAttempts,
		&params,
		&reasons,
		&g.CreatedAt,
		&started,
		&completed,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &g.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode goal parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &g.FailureReasons); err != nil {
		return nil, fmt.Errorf("failed to decode failure reasons: %w", err)
	}
	g.StartedAt = timePtr(started)
	g.CompletedAt = timePtr(completed)
	return g, nil
}

// GetGoal retrieves a goal by ID
func (s *SQLiteStore) GetGoal(ctx context.Context, id string) (*GoalRecord, error) {
	g, err := scanGoal(s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("goal not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	return g, nil
}

// ListGoals lists goals, newest first.
func (s *SQLiteStore) ListGoals(ctx context.Context, filter GoalFilter) ([]*GoalRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	var status *string
	if filter.Status != "" {
		status = &filter.Status
	}
	var since *time.Time
	if !filter.Since.IsZero() {
		t := filter.Since.UTC()
		since = &t
	}

	query := `SELECT ` + goalColumns + `
		FROM goals
		WHERE (? IS NULL OR status = ?)
		  AND (? IS NULL OR created_at >= ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, status, status, since, since, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	defer rows.Close()

	goals := []*GoalRecord{}
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating goals: %w", err)
	}
	return goals, nil
}

// ListPlans lists the plans recorded for a goal, oldest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, goalID string) ([]*PlanRecord, error) {
	query := `
		SELECT id, goal_id, status, step_count, rationale, document, created_at, updated_at
		FROM plans
		WHERE goal_id = ?
		ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*PlanRecord{}
	for rows.Next() {
		p := &PlanRecord{}
		err := rows.Scan(&p.ID, &p.GoalID, &p.Status, &p.StepCount, &p.Rationale, &p.Document, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}

// LoadPlan decodes the recorded plan document.
func (s *SQLiteStore) LoadPlan(ctx context.Context, planID string) (*engine.Plan, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM plans WHERE id = ?`, planID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("plan not found: %s", planID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	plan := &engine.Plan{}
	if err := json.Unmarshal([]byte(doc), plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return plan, nil
}

// ListStepResults lists the step executions of every plan of a goal, in
// execution order.
func (s *SQLiteStore) ListStepResults(ctx context.Context, goalID string) ([]*StepRecord, error) {
	query := `
		SELECT r.id, r.plan_id, r.step_id, r.description, r.tool, r.status, r.summary,
		       r.error, r.retry_count, r.duration_ms, r.completed_at
		FROM step_results r
		JOIN plans p ON p.id = r.plan_id
		WHERE p.goal_id = ?
		ORDER BY r.id
	`

	rows, err := s.db.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	steps := []*StepRecord{}
	for rows.Next() {
		r := &StepRecord{}
		var durationMS int64
		err := rows.Scan(
			&r.ID,
			&r.PlanID,
			&r.StepID,
			&r.Description,
			&r.Tool,
			&r.Status,
			&r.Summary,
			&r.Error,
			&r.RetryCount,
			&durationMS,
			&r.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		steps = append(steps, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}
	return steps, nil
}

// ListModifications lists modifications made for a goal, in order.
func (s *SQLiteStore) ListModifications(ctx context.Context, goalID string) ([]*ModificationRecord, error) {
	query := `
		SELECT id, entity_id, type, goal_id, step_id, modified_at
		FROM modifications
		WHERE goal_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modifications: %w", err)
	}
	defer rows.Close()

	mods := []*ModificationRecord{}
	for rows.Next() {
		m := &ModificationRecord{}
		if err := rows.Scan(&m.ID, &m.EntityID, &m.Type, &m.GoalID, &m.StepID, &m.ModifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan modification: %w", err)
		}
		mods = append(mods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating modifications: %w", err)
	}
	return mods, nil
}

// ListEvents lists events, oldest first. An empty goalID lists events of
// every goal. A limit of zero or less means no limit.
func (s *SQLiteStore) ListEvents(ctx context.Context, goalID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	goal := nullString(goalID)

	query := `
		SELECT id, goal_id, level, message, created_at
		FROM events
		WHERE (? IS NULL OR goal_id = ?)
		ORDER BY id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, goal, goal, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		e := &EventRecord{}
		if err := rows.Scan(&e.ID, &e.GoalID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// History gathers everything recorded for a goal.
func (s *SQLiteStore) History(ctx context.Context, goalID string) (*GoalHistory, error) {
	goal, err := s.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	h := &GoalHistory{Goal: goal}
	if h.Plans, err = s.ListPlans(ctx, goalID); err != nil {
		return nil, err
	}
	if h.Steps, err = s.ListStepResults(ctx, goalID); err != nil {
		return nil, err
	}
	if h.Modifications, err = s.ListModifications(ctx, goalID); err != nil {
		return nil, err
	}
	if h.Events, err = s.ListEvents(ctx, goalID, 0); err != nil {
		return nil, err
	}
	return h, nil
}

// Stats counts goals by status, step executions and modifications.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{GoalsByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM goals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count goals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan goal count: %w", err)
		}
		stats.GoalsByStatus[status] = n
		stats.Goals += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating goal counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM step_results`).Scan(&stats.Steps); err != nil {
		return nil, fmt.Errorf("failed to count step results: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM modifications`).Scan(&stats.Modifications); err != nil {
		return nil, fmt.Errorf("failed to count modifications: %w", err)
	}
	return stats, nil
}

// PruneBefore deletes goals created before cutoff together with their plans,
// steps, modifications and events. It returns the number of goals deleted.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM goals WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune goals: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE goal_id IS NULL AND created_at < ?`, cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ engine.Journal = (*SQLiteStore)(nil)
