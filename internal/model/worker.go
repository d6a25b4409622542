package model

import "time"

// WorkerState represents the execution state of a managed worker
type WorkerState string

const (
	WorkerStateCreated WorkerState = "created"
	WorkerStateRunning WorkerState = "running"
	WorkerStatePaused  WorkerState = "paused"
	WorkerStateStopped WorkerState = "stopped"
	WorkerStateError   WorkerState = "error"
)

// WorkerViewMode represents the operator-facing visibility of a worker.
// It is independent of WorkerState: a paused worker may still need help.
type WorkerViewMode string

const (
	ViewModeHeadless     WorkerViewMode = "headless"
	ViewModeViewing      WorkerViewMode = "viewing"
	ViewModeNeedsHelp    WorkerViewMode = "needs_help"
	ViewModeHumanControl WorkerViewMode = "human_control"
	ViewModeLearning     WorkerViewMode = "learning"
	ViewModeResuming     WorkerViewMode = "resuming"
)

// WorkerProgress describes what a worker is currently doing
type WorkerProgress struct {
	Description string            `json:"description"`
	Percent     int               `json:"percent"`
	Details     map[string]string `json:"details,omitempty"`
}

// WorkerCounters holds per-worker processing statistics
type WorkerCounters struct {
	TasksProcessed      int64         `json:"tasks_processed"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	Errors              int64         `json:"errors"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
}

// WorkerInfo is a point-in-time snapshot of a managed worker
type WorkerInfo struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Platform       string         `json:"platform"`
	State          WorkerState    `json:"state"`
	ViewMode       WorkerViewMode `json:"view_mode"`
	PreferredCore  int            `json:"preferred_core"`
	Progress       WorkerProgress `json:"progress"`
	Counters       WorkerCounters `json:"counters"`
	QueueLength    int            `json:"queue_length"`
	HelpURL        string         `json:"help_url,omitempty"`
	HelpReason     string         `json:"help_reason,omitempty"`
	PauseRequested bool           `json:"pause_requested"`
	StopRequested  bool           `json:"stop_requested"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	ResumedAt      *time.Time `json:"resumed_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// WorkerReport is the outcome of a single task processed by a worker
type WorkerReport struct {
	WorkerID       string            `json:"worker_id"`
	WorkerName     string            `json:"worker_name"`
	Platform       string            `json:"platform"`
	TaskID         string            `json:"task_id"`
	TaskType       TaskType          `json:"task_type"`
	Success        bool              `json:"success"`
	Message        string            `json:"message"`
	ProcessingTime time.Duration     `json:"processing_time"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ReportedAt     time.Time         `json:"reported_at"`
}
