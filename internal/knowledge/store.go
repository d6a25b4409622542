package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

// Store defines the interface for learned-fix persistence
type Store interface {
	// FindSolution returns the knowledge recorded for an exact (platform, error) pair, or nil
	FindSolution(ctx context.Context, platform, errorMessage string) (*model.Knowledge, error)

	// FindSolutionForTask returns the most successful knowledge for a platform task type, or nil
	FindSolutionForTask(ctx context.Context, platform string, taskType model.TaskType) (*model.Knowledge, error)

	// SaveKnowledge inserts an entry or merges it into the existing (platform, error) entry
	SaveKnowledge(ctx context.Context, k *model.Knowledge) error

	// RecordOutcome counts a confirmed success or failure of a replayed entry
	RecordOutcome(ctx context.Context, id string, success bool) error

	// GetActiveWorkflow returns the workflow currently used for a platform task type, or nil
	GetActiveWorkflow(ctx context.Context, platform string, taskType model.TaskType) (*model.Workflow, error)

	// FindSimilarWorkflow returns the best inactive workflow for a platform task type, or nil
	FindSimilarWorkflow(ctx context.Context, platform string, taskType model.TaskType) (*model.Workflow, error)

	// SaveWorkflow stores a workflow; an active workflow deactivates its siblings
	SaveWorkflow(ctx context.Context, wf *model.Workflow) error

	// SaveAssistanceRequest inserts or updates a human assistance request
	SaveAssistanceRequest(ctx context.Context, req *model.HumanAssistanceRequest) error

	// ListAssistanceRequests lists requests with the given status, or all when status is empty
	ListAssistanceRequests(ctx context.Context, status model.AssistanceStatus) ([]*model.HumanAssistanceRequest, error)

	// DeleteBefore deletes knowledge not used since before
	DeleteBefore(ctx context.Context, before time.Time) error

	Close() error
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the knowledge database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("knowledge-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			task_type TEXT NOT NULL,
			error_pattern TEXT NOT NULL,
			original_error TEXT NOT NULL,
			solution TEXT NOT NULL,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_used_at DATETIME NOT NULL,
			UNIQUE (platform, original_error)
		);
		CREATE INDEX IF NOT EXISTS idx_knowledge_task ON knowledge(platform, task_type);
		CREATE INDEX IF NOT EXISTS idx_knowledge_last_used_at ON knowledge(last_used_at);

		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			task_type TEXT NOT NULL,
			steps TEXT NOT NULL,
			success_count INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflows_task ON workflows(platform, task_type, active);

		CREATE TABLE IF NOT EXISTS assistance_requests (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			worker_name TEXT,
			platform TEXT NOT NULL,
			task_type TEXT NOT NULL,
			error_message TEXT,
			requested_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			resolution TEXT,
			resolved_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_assistance_status ON assistance_requests(status);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

const knowledgeColumns = `id, platform, task_type, error_pattern, original_error, solution,
	success_count, failure_count, created_at, last_used_at`

func scanKnowledge(row interface{ Scan(...interface{}) error }) (*model.Knowledge, error) {
	var k model.Knowledge
	err := row.Scan(
		&k.ID,
		&k.Platform,
		&k.TaskType,
		&k.ErrorPattern,
		&k.OriginalError,
		&k.Solution,
		&k.SuccessCount,
		&k.FailureCount,
		&k.CreatedAt,
		&k.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// FindSolution implements Store.FindSolution. Entries that fail more often than they succeed are skipped.
func (s *SQLiteStore) FindSolution(ctx context.Context, platform, errorMessage string) (*model.Knowledge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+knowledgeColumns+`
		FROM knowledge
		WHERE platform = ? AND original_error = ? AND failure_count <= success_count`,
		platform, errorMessage)

	k, err := scanKnowledge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find solution: %w", err)
	}
	return k, nil
}

// FindSolutionForTask implements Store.FindSolutionForTask
func (s *SQLiteStore) FindSolutionForTask(ctx context.Context, platform string, taskType model.TaskType) (*model.Knowledge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+knowledgeColumns+`
		FROM knowledge
		WHERE platform = ? AND task_type = ? AND success_count > failure_count
		ORDER BY success_count DESC, last_used_at DESC
		LIMIT 1`,
		platform, taskType)

	k, err := scanKnowledge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find task solution: %w", err)
	}
	return k, nil
}

// SaveKnowledge implements Store.SaveKnowledge. Counters of an existing entry are added to, never reset.
func (s *SQLiteStore) SaveKnowledge(ctx context.Context, k *model.Knowledge) error {
	now := time.Now().UTC()
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	if k.LastUsedAt.IsZero() {
		k.LastUsedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge (
			id, platform, task_type, error_pattern, original_error, solution,
			success_count, failure_count, created_at, last_used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, original_error) DO UPDATE SET
			task_type = excluded.task_type,
			error_pattern = excluded.error_pattern,
			solution = excluded.solution,
			success_count = knowledge.success_count + excluded.success_count,
			failure_count = knowledge.failure_count + excluded.failure_count,
			last_used_at = excluded.last_used_at`,
		k.ID,
		k.Platform,
		k.TaskType,
		k.ErrorPattern,
		k.OriginalError,
		k.Solution,
		k.SuccessCount,
		k.FailureCount,
		k.CreatedAt.UTC(),
		k.LastUsedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save knowledge: %w", err)
	}

	// an upsert keeps the original id
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM knowledge WHERE platform = ? AND original_error = ?",
		k.Platform, k.OriginalError).Scan(&k.ID); err != nil {
		return fmt.Errorf("failed to read knowledge id: %w", err)
	}

	s.logger.Debug("Knowledge saved",
		zap.String("id", k.ID),
		zap.String("platform", k.Platform),
		zap.String("error_pattern", k.ErrorPattern))
	return nil
}

// RecordOutcome implements Store.RecordOutcome
func (s *SQLiteStore) RecordOutcome(ctx context.Context, id string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE knowledge SET %s = %s + 1, last_used_at = ? WHERE id = ?", column, column),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const workflowColumns = "id, platform, task_type, steps, success_count, active, updated_at"

func scanWorkflow(row interface{ Scan(...interface{}) error }) (*model.Workflow, error) {
	var wf model.Workflow
	var steps string
	if err := row.Scan(&wf.ID, &wf.Platform, &wf.TaskType, &steps, &wf.SuccessCount, &wf.Active, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode workflow steps: %w", err)
	}
	return &wf, nil
}

func (s *SQLiteStore) queryWorkflow(ctx context.Context, query string, args ...interface{}) (*model.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return wf, nil
}

// GetActiveWorkflow implements Store.GetActiveWorkflow
func (s *SQLiteStore) GetActiveWorkflow(ctx context.Context, platform string, taskType model.TaskType) (*model.Workflow, error) {
	return s.queryWorkflow(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE platform = ? AND task_type = ? AND active = 1
		ORDER BY updated_at DESC
		LIMIT 1`,
		platform, taskType)
}

// FindSimilarWorkflow implements Store.FindSimilarWorkflow
func (s *SQLiteStore) FindSimilarWorkflow(ctx context.Context, platform string, taskType model.TaskType) (*model.Workflow, error) {
	return s.queryWorkflow(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE platform = ? AND task_type = ? AND active = 0
		ORDER BY success_count DESC, updated_at DESC
		LIMIT 1`,
		platform, taskType)
}

// SaveWorkflow implements Store.SaveWorkflow
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	wf.UpdatedAt = time.Now().UTC()

	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode workflow steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if wf.Active {
		if _, err := tx.ExecContext(ctx,
			"UPDATE workflows SET active = 0 WHERE platform = ? AND task_type = ? AND id != ?",
			wf.Platform, wf.TaskType, wf.ID); err != nil {
			return fmt.Errorf("failed to deactivate workflows: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			platform = excluded.platform,
			task_type = excluded.task_type,
			steps = excluded.steps,
			success_count = excluded.success_count,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		wf.ID, wf.Platform, wf.TaskType, string(steps), wf.SuccessCount, wf.Active, wf.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}

	s.logger.Info("Workflow saved",
		zap.String("id", wf.ID),
		zap.String("platform", wf.Platform),
		zap.String("task_type", string(wf.TaskType)),
		zap.Bool("active", wf.Active))
	return nil
}

// SaveAssistanceRequest implements Store.SaveAssistanceRequest
func (s *SQLiteStore) SaveAssistanceRequest(ctx context.Context, req *model.HumanAssistanceRequest) error {
	var resolvedAt sql.NullTime
	if req.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: req.ResolvedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assistance_requests (
			id, worker_id, worker_name, platform, task_type, error_message,
			requested_at, status, resolution, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			resolution = excluded.resolution,
			resolved_at = excluded.resolved_at`,
		req.ID,
		req.WorkerID,
		req.WorkerName,
		req.Platform,
		req.TaskType,
		req.ErrorMessage,
		req.RequestedAt.UTC(),
		req.Status,
		sql.NullString{String: req.Resolution, Valid: req.Resolution != ""},
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save assistance request: %w", err)
	}
	return nil
}

// ListAssistanceRequests implements Store.ListAssistanceRequests
func (s *SQLiteStore) ListAssistanceRequests(ctx context.Context, status model.AssistanceStatus) ([]*model.HumanAssistanceRequest, error) {
	query := `SELECT id, worker_id, worker_name, platform, task_type, error_message,
		requested_at, status, resolution, resolved_at FROM assistance_requests`
	args := make([]interface{}, 0)

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY requested_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assistance requests: %w", err)
	}
	defer rows.Close()

	var requests []*model.HumanAssistanceRequest
	for rows.Next() {
		req := &model.HumanAssistanceRequest{}
		var workerName, errorMessage, resolution sql.NullString
		var resolvedAt sql.NullTime

		err := rows.Scan(
			&req.ID,
			&req.WorkerID,
			&workerName,
			&req.Platform,
			&req.TaskType,
			&errorMessage,
			&req.RequestedAt,
			&req.Status,
			&resolution,
			&resolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assistance request: %w", err)
		}

		req.WorkerName = workerName.String
		req.ErrorMessage = errorMessage.String
		req.Resolution = resolution.String
		if resolvedAt.Valid {
			req.ResolvedAt = &resolvedAt.Time
		}

		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return requests, nil
}

// DeleteBefore implements Store.DeleteBefore
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM knowledge WHERE last_used_at < ?", before.UTC())
	if err != nil {
		return fmt.Errorf("failed to delete knowledge: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted stale knowledge",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
