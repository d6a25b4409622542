package model

import "time"

// SystemStats represents process resource usage
type SystemStats struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryRSS   uint64    `json:"memory_rss"`
	NumCores    int       `json:"num_cores"`
	Goroutines  int       `json:"goroutines"`
	CollectedAt time.Time `json:"collected_at"`
}

// PlatformStats aggregates worker counters for one platform
type PlatformStats struct {
	Workers        int   `json:"workers"`
	ActiveWorkers  int   `json:"active_workers"`
	TasksProcessed int64 `json:"tasks_processed"`
	Successes      int64 `json:"successes"`
	Failures       int64 `json:"failures"`
	Errors         int64 `json:"errors"`
}

// ManagerStats is a point-in-time snapshot across all workers
type ManagerStats struct {
	TotalWorkers        int                      `json:"total_workers"`
	WorkersByState      map[WorkerState]int      `json:"workers_by_state"`
	WorkersNeedingHelp  int                      `json:"workers_needing_help"`
	TasksProcessed      int64                    `json:"tasks_processed"`
	Successes           int64                    `json:"successes"`
	Failures            int64                    `json:"failures"`
	Errors              int64                    `json:"errors"`
	TotalProcessingTime time.Duration            `json:"total_processing_time"`
	Platforms           map[string]PlatformStats `json:"platforms"`
	ReportHistorySize   int                      `json:"report_history_size"`
	System              SystemStats              `json:"system"`
	CollectedAt         time.Time                `json:"collected_at"`
}
