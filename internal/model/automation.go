package model

// CodeRequest asks the code generator for fresh browser automation for a failing task
type CodeRequest struct {
	Platform      string    `json:"platform"`
	TaskType      TaskType  `json:"task_type"`
	ErrorMessage  string    `json:"error_message"`
	HTML          string    `json:"html"`
	URL           string    `json:"url"`
	PriorWorkflow *Workflow `json:"prior_workflow,omitempty"`
}

// GeneratedCode is the code generator's answer
type GeneratedCode struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ScriptResult is the outcome of running generated code in the live browser
type ScriptResult struct {
	Success bool   `json:"success"`
	PostID  string `json:"postId,omitempty"`
	PostURL string `json:"postUrl,omitempty"`
	Error   string `json:"error,omitempty"`
}
