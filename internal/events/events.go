package events

import (
	"time"

	"github.com/t77yq/postpilot/internal/model"
)

// Type identifies the kind of event published on the bus
type Type string

const (
	TypeStateChanged  Type = "state_changed"
	TypeProgress      Type = "progress"
	TypeReport        Type = "report"
	TypeHelpRequested Type = "help_requested"
	TypeViewMode      Type = "view_mode_changed"
	TypeSystemStats   Type = "system_stats"
)

// Event is an envelope for everything the core publishes
type Event struct {
	Type      Type        `json:"type"`
	WorkerID  string      `json:"worker_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// StateChanged is published on every worker state transition
type StateChanged struct {
	WorkerID      string            `json:"worker_id"`
	WorkerName    string            `json:"worker_name"`
	PreviousState model.WorkerState `json:"previous_state"`
	State         model.WorkerState `json:"state"`
	Reason        string            `json:"reason"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Progress is published when a worker updates its progress
type Progress struct {
	WorkerID string               `json:"worker_id"`
	Progress model.WorkerProgress `json:"progress"`
}

// HelpRequested is published when a worker escalates to a human operator
type HelpRequested struct {
	Request *model.HumanAssistanceRequest `json:"request"`
	URL     string                        `json:"url,omitempty"`
	Reason  string                        `json:"reason"`
}

// ViewModeChanged is published when a worker's view mode changes
type ViewModeChanged struct {
	WorkerID string               `json:"worker_id"`
	Previous model.WorkerViewMode `json:"previous"`
	ViewMode model.WorkerViewMode `json:"view_mode"`
	URL      string               `json:"url,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}
