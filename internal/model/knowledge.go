package model

import (
	"encoding/json"
	"time"
)

// Knowledge is a persisted (platform, error) -> solution record used for exact-match replay
type Knowledge struct {
	ID            string    `json:"id"`
	Platform      string    `json:"platform"`
	TaskType      TaskType  `json:"task_type"`
	ErrorPattern  string    `json:"error_pattern"`
	OriginalError string    `json:"original_error"`
	Solution      string    `json:"solution"`
	SuccessCount  int64     `json:"success_count"`
	FailureCount  int64     `json:"failure_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// Solution is the replayable remediation stored in Knowledge.Solution
type Solution struct {
	Method   string        `json:"method"`
	Workflow *Workflow     `json:"workflow,omitempty"`
	Wait     time.Duration `json:"wait,omitempty"`
	Code     string        `json:"code,omitempty"`
}

// EncodeSolution serializes a solution for storage
func EncodeSolution(s *Solution) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeSolution parses a stored solution
func DecodeSolution(raw string) (*Solution, error) {
	var s Solution
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WorkflowStep is a single browser action in a learned workflow
type WorkflowStep struct {
	Action      string `json:"action"`
	Selector    string `json:"selector,omitempty"`
	Value       string `json:"value,omitempty"`
	Text        string `json:"text,omitempty"`
	Description string `json:"description,omitempty"`
}

// Workflow is a learned sequence of browser steps for a platform task
type Workflow struct {
	ID           string         `json:"id"`
	Platform     string         `json:"platform"`
	TaskType     TaskType       `json:"task_type"`
	Steps        []WorkflowStep `json:"steps"`
	SuccessCount int64          `json:"success_count"`
	Active       bool           `json:"active"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the workflow
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Steps = append([]WorkflowStep(nil), w.Steps...)
	return &c
}

// AssistanceStatus represents the lifecycle of a human assistance request
type AssistanceStatus string

const (
	AssistanceStatusPending    AssistanceStatus = "pending"
	AssistanceStatusInProgress AssistanceStatus = "in_progress"
	AssistanceStatusResolved   AssistanceStatus = "resolved"
	AssistanceStatusCancelled  AssistanceStatus = "cancelled"
)

// HumanAssistanceRequest records an escalation to a human operator
type HumanAssistanceRequest struct {
	ID           string           `json:"id"`
	WorkerID     string           `json:"worker_id"`
	WorkerName   string           `json:"worker_name"`
	Platform     string           `json:"platform"`
	TaskType     TaskType         `json:"task_type"`
	ErrorMessage string           `json:"error_message"`
	RequestedAt  time.Time        `json:"requested_at"`
	Status       AssistanceStatus `json:"status"`
	Resolution   string           `json:"resolution,omitempty"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}
