package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

// Submitter queues a task on a worker. *manager.WorkerManager satisfies it.
type Submitter interface {
	SubmitTask(workerID string, task *model.Task) error
}

// Schedule fires a copy of Task on WorkerID whenever Expression matches.
// An empty WorkerID leaves the choice to the submitter.
type Schedule struct {
	ID          string      `json:"id"`
	Expression  string      `json:"expression"`
	WorkerID    string      `json:"worker_id"`
	Task        *model.Task `json:"task"`
	Runs        int64       `json:"runs"`
	CreatedAt   time.Time   `json:"created_at"`
	LastRunTime *time.Time  `json:"last_run_time,omitempty"`
	NextRunTime *time.Time  `json:"next_run_time,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

func (s *Schedule) clone() *Schedule {
	c := *s
	if s.Task != nil {
		c.Task = s.Task.Clone()
	}
	c.LastRunTime = copyTime(s.LastRunTime)
	c.NextRunTime = copyTime(s.NextRunTime)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// CronScheduler submits recurring posting tasks to workers
type CronScheduler struct {
	logger    *zap.Logger
	submitter Submitter
	cron      *cron.Cron

	mu        sync.Mutex
	schedules map[string]*Schedule
	entryIDs  map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// cronParser accepts five or six fields (optional seconds) and descriptors like @every 1h
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewCronScheduler creates a new scheduler
func NewCronScheduler(submitter Submitter, logger *zap.Logger) *CronScheduler {
	logger = logger.Named("cron")
	cronOptions := []cron.Option{
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(&cronLogger{logger: logger})),
	}

	return &CronScheduler{
		logger:    logger,
		submitter: submitter,
		cron:      cron.New(cronOptions...),
		schedules: make(map[string]*Schedule),
		entryIDs:  make(map[string]cron.EntryID),
	}
}

// Start starts the scheduler
func (s *CronScheduler) Start() {
	s.cron.Start()
	s.logger.Info("Cron scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron scheduler stopped")
}

// AddSchedule registers a recurring submission of task to the worker and returns its id
func (s *CronScheduler) AddSchedule(expression, workerID string, task *model.Task) (string, error) {
	if task == nil || (workerID == "" && task.Platform == "") {
		return "", ErrInvalidSchedule
	}

	spec, err := cronParser.Parse(expression)
	if err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	now := time.Now()
	next := spec.Next(now)
	schedule := &Schedule{
		ID:          uuid.New().String(),
		Expression:  expression,
		WorkerID:    workerID,
		Task:        task.Clone(),
		CreatedAt:   now,
		NextRunTime: &next,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := s.cron.Schedule(spec, &cronJob{scheduler: s, id: schedule.ID, spec: spec})
	s.schedules[schedule.ID] = schedule
	s.entryIDs[schedule.ID] = entryID

	s.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("worker_id", workerID),
		zap.String("task_type", string(task.Type)),
		zap.String("expression", expression),
		zap.Time("next_run", next))

	return schedule.ID, nil
}

// RemoveSchedule removes a schedule
func (s *CronScheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	s.cron.Remove(entryID)
	delete(s.entryIDs, id)
	delete(s.schedules, id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule gets a schedule by ID
func (s *CronScheduler) GetSchedule(id string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return schedule.clone(), nil
}

// ListSchedules lists all schedules ordered by creation time
func (s *CronScheduler) ListSchedules() []*Schedule {
	s.mu.Lock()
	schedules := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		schedules = append(schedules, schedule.clone())
	}
	s.mu.Unlock()

	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
	return schedules
}

// fire submits a fresh copy of the schedule's task
func (s *CronScheduler) fire(id string, spec cron.Schedule) {
	now := time.Now()
	next := spec.Next(now)

	s.mu.Lock()
	schedule, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	schedule.Runs++
	schedule.LastRunTime = &now
	schedule.NextRunTime = &next
	workerID := schedule.WorkerID
	task := schedule.Task.Clone()
	s.mu.Unlock()

	task.ID = uuid.New().String()
	task.CreatedAt = now
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	}
	task.Metadata["schedule_id"] = id

	err := s.submitter.SubmitTask(workerID, task)

	s.mu.Lock()
	if schedule, ok := s.schedules[id]; ok {
		schedule.LastError = ""
		if err != nil {
			schedule.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Failed to submit scheduled task",
			zap.String("id", id),
			zap.String("worker_id", workerID),
			zap.Error(err))
		return
	}

	s.logger.Info("Executed schedule",
		zap.String("id", id),
		zap.String("worker_id", workerID),
		zap.String("task_id", task.ID),
		zap.Time("next_run", next))
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *CronScheduler
	id        string
	spec      cron.Schedule
}

// Run implements cron.Job
func (j *cronJob) Run() {
	j.scheduler.fire(j.id, j.spec)
}
