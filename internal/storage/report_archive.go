package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/model"
)

// ArchivedReport is a worker report persisted beyond the in-memory history
type ArchivedReport struct {
	ID string `json:"id"`
	model.WorkerReport
}

// ReportFilter narrows List and Count; zero fields match everything
type ReportFilter struct {
	WorkerID string
	Platform string
	TaskType model.TaskType
	Success  *bool
}

func (f ReportFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.Platform != "" {
		clauses = append(clauses, "platform = ?")
		args = append(args, f.Platform)
	}
	if f.TaskType != "" {
		clauses = append(clauses, "task_type = ?")
		args = append(args, string(f.TaskType))
	}
	if f.Success != nil {
		clauses = append(clauses, "success = ?")
		args = append(args, *f.Success)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ReportArchive stores worker reports in SQLite
type ReportArchive struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewReportArchive opens or creates the archive database
func NewReportArchive(logger *zap.Logger, dbPath string) (*ReportArchive, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	archive := &ReportArchive{
		logger: logger.Named("report-archive"),
		db:     db,
	}

	if err := archive.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return archive, nil
}

// initialize creates the necessary tables if they don't exist
func (a *ReportArchive) initialize() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS worker_reports (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			worker_name TEXT NOT NULL,
			platform TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			message TEXT,
			processing_time INTEGER NOT NULL,
			metadata TEXT,
			reported_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_worker_reports_worker_id ON worker_reports(worker_id);
		CREATE INDEX IF NOT EXISTS idx_worker_reports_platform ON worker_reports(platform);
		CREATE INDEX IF NOT EXISTS idx_worker_reports_reported_at ON worker_reports(reported_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store persists a report and returns its archive id
func (a *ReportArchive) Store(ctx context.Context, report model.WorkerReport) (string, error) {
	var metadata sql.NullString
	if len(report.Metadata) > 0 {
		data, err := json.Marshal(report.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now()
	}

	id := uuid.New().String()
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO worker_reports (
			id, worker_id, worker_name, platform, task_id, task_type,
			success, message, processing_time, metadata, reported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		report.WorkerID,
		report.WorkerName,
		report.Platform,
		report.TaskID,
		string(report.TaskType),
		report.Success,
		sql.NullString{String: report.Message, Valid: report.Message != ""},
		int64(report.ProcessingTime),
		metadata,
		report.ReportedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store report: %w", err)
	}
	return id, nil
}

// List returns matching reports, newest first
func (a *ReportArchive) List(ctx context.Context, filter ReportFilter, offset, limit int) ([]*ArchivedReport, error) {
	where, args := filter.where()
	query := `SELECT id, worker_id, worker_name, platform, task_id, task_type,
		success, message, processing_time, metadata, reported_at
		FROM worker_reports` + where + " ORDER BY reported_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []*ArchivedReport
	for rows.Next() {
		r := &ArchivedReport{}
		var taskType string
		var message, metadata sql.NullString
		var processing int64

		if err := rows.Scan(
			&r.ID,
			&r.WorkerID,
			&r.WorkerName,
			&r.Platform,
			&r.TaskID,
			&taskType,
			&r.Success,
			&message,
			&processing,
			&metadata,
			&r.ReportedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}

		r.TaskType = model.TaskType(taskType)
		r.ProcessingTime = time.Duration(processing)
		if message.Valid {
			r.Message = message.String
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		reports = append(reports, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return reports, nil
}

// Count returns the number of matching reports
func (a *ReportArchive) Count(ctx context.Context, filter ReportFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM worker_reports"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reports: %w", err)
	}
	return count, nil
}

// DeleteBefore deletes reports older than the specified time
func (a *ReportArchive) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := a.db.ExecContext(ctx, "DELETE FROM worker_reports WHERE reported_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete reports: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	a.logger.Info("Deleted old report records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Run archives every report published on the bus until the context is cancelled
func (a *ReportArchive) Run(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe(1024, events.TypeReport)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			report, ok := event.Payload.(model.WorkerReport)
			if !ok {
				continue
			}
			if _, err := a.Store(ctx, report); err != nil {
				a.logger.Error("Failed to archive report",
					zap.String("worker_id", report.WorkerID),
					zap.String("task_id", report.TaskID),
					zap.Error(err))
			}
		}
	}
}

// Close closes the database connection
func (a *ReportArchive) Close() error {
	return a.db.Close()
}
