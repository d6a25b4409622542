package manager

import (
	"sync"
	"time"

	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/model"
)

// reportHistory is a FIFO ring of reports; the oldest entry is evicted first
type reportHistory struct {
	mu    sync.Mutex
	buf   []model.WorkerReport
	start int
	size  int
}

func newReportHistory(limit int) *reportHistory {
	return &reportHistory{buf: make([]model.WorkerReport, limit)}
}

func (h *reportHistory) add(r model.WorkerReport) {
	h.mu.Lock()
	defer h.mu.Unlock()

	limit := len(h.buf)
	if h.size < limit {
		h.buf[(h.start+h.size)%limit] = r
		h.size++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % limit
}

func (h *reportHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// list returns up to n of the newest reports, oldest first. n <= 0 returns all.
func (h *reportHistory) list(n int) []model.WorkerReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]model.WorkerReport, 0, n)
	limit := len(h.buf)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%limit])
	}
	return out
}

// ReportWorkResult updates the worker's counters, appends to the history and publishes a report event
func (m *WorkerManager) ReportWorkResult(id string, report model.WorkerReport) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	report.WorkerID = w.id
	report.WorkerName = w.name
	report.Platform = w.platform
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now()
	}

	w.tasksProcessed.Add(1)
	if report.Success {
		w.successes.Add(1)
	} else {
		w.failures.Add(1)
	}
	w.totalTime.Add(int64(report.ProcessingTime))
	w.touch()

	m.history.add(report)

	m.bus.Publish(events.Event{
		Type:      events.TypeReport,
		WorkerID:  id,
		Timestamp: report.ReportedAt,
		Payload:   report,
	})
	return nil
}

// Reports returns up to limit of the most recent reports, oldest first
func (m *WorkerManager) Reports(limit int) []model.WorkerReport {
	return m.history.list(limit)
}

// GetStats returns a point-in-time snapshot. Each worker is read under its own lock only.
func (m *WorkerManager) GetStats() model.ManagerStats {
	stats := model.ManagerStats{
		WorkersByState: make(map[model.WorkerState]int),
		Platforms:      make(map[string]model.PlatformStats),
		CollectedAt:    time.Now(),
	}

	m.workers.Range(func(_, value interface{}) bool {
		info := value.(*ManagedWorker).snapshot()

		stats.TotalWorkers++
		stats.WorkersByState[info.State]++
		if info.ViewMode == model.ViewModeNeedsHelp {
			stats.WorkersNeedingHelp++
		}
		stats.TasksProcessed += info.Counters.TasksProcessed
		stats.Successes += info.Counters.Successes
		stats.Failures += info.Counters.Failures
		stats.Errors += info.Counters.Errors
		stats.TotalProcessingTime += info.Counters.TotalProcessingTime

		p := stats.Platforms[info.Platform]
		p.Workers++
		if info.State == model.WorkerStateRunning || info.State == model.WorkerStateError {
			p.ActiveWorkers++
		}
		p.TasksProcessed += info.Counters.TasksProcessed
		p.Successes += info.Counters.Successes
		p.Failures += info.Counters.Failures
		p.Errors += info.Counters.Errors
		stats.Platforms[info.Platform] = p
		return true
	})

	stats.ReportHistorySize = m.history.len()
	if m.sampler != nil {
		stats.System = m.sampler.Latest()
	}
	return stats
}
