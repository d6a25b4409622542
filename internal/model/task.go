package model

import (
	"time"
)

// TaskType identifies the platform action a task asks for
type TaskType string

const (
	TaskTypeGenerateContent TaskType = "generate_content"
	TaskTypeGenerateImage   TaskType = "generate_image"
	TaskTypePostContent     TaskType = "post_content"
	TaskTypeAnalyzeMetrics  TaskType = "analyze_metrics"
	TaskTypeDeletePost      TaskType = "delete_post"
	TaskTypeSchedulePost    TaskType = "schedule_post"
)

// TaskTypes lists every supported task type
var TaskTypes = []TaskType{
	TaskTypeGenerateContent,
	TaskTypeGenerateImage,
	TaskTypePostContent,
	TaskTypeAnalyzeMetrics,
	TaskTypeDeletePost,
	TaskTypeSchedulePost,
}

// Task represents a unit of work for a platform worker
type Task struct {
	ID         string            `json:"id" validate:"required"`
	Type       TaskType          `json:"type" validate:"required,oneof=generate_content generate_image post_content analyze_metrics delete_post schedule_post"`
	Platform   string            `json:"platform" validate:"required"`
	Content    string            `json:"content,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
	MediaURLs  []string          `json:"media_urls,omitempty" validate:"omitempty,dive,url"`
	PostID     string            `json:"post_id,omitempty"`
	ScheduleAt *time.Time        `json:"schedule_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	c := *t
	if t.MediaURLs != nil {
		c.MediaURLs = append([]string(nil), t.MediaURLs...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.ScheduleAt != nil {
		at := *t.ScheduleAt
		c.ScheduleAt = &at
	}
	return &c
}

// TaskResult is what a platform worker returns for one execution attempt
type TaskResult struct {
	Success          bool                   `json:"success"`
	Error            string                 `json:"error,omitempty"`
	Data             map[string]interface{} `json:"data,omitempty"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
}

// HealingResult is the structured outcome of a task run through the recovery ladder
type HealingResult struct {
	TaskID              string                 `json:"task_id"`
	Success             bool                   `json:"success"`
	Error               string                 `json:"error,omitempty"`
	Data                map[string]interface{} `json:"data,omitempty"`
	Attempts            int                    `json:"attempts"`
	HealingAttempts     int                    `json:"healing_attempts"`
	SelfHealed          bool                   `json:"self_healed"`
	HealingMethod       string                 `json:"healing_method,omitempty"`
	NeedsHumanHelp      bool                   `json:"needs_human_help"`
	NeedsHumanTraining  bool                   `json:"needs_human_training"`
	AssistanceRequestID string                 `json:"assistance_request_id,omitempty"`
	LearnedKnowledge    *Knowledge             `json:"learned_knowledge,omitempty"`
	ProcessingTime      time.Duration          `json:"processing_time"`
}
