package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/model"
)

const (
	alertStreamName    = "ALERTS"
	evaluationInterval = 30 * time.Second
)

// ErrRuleNotFound is returned for unknown rule ids
var ErrRuleNotFound = errors.New("alert rule not found")

// AlertType represents the condition a rule watches
type AlertType string

const (
	AlertTypeWorkerError   AlertType = "worker_error"
	AlertTypeHelpRequested AlertType = "help_requested"
	AlertTypeHelpTimeout   AlertType = "help_timeout"
	AlertTypeFailureStreak AlertType = "failure_streak"
	AlertTypeResourceUsage AlertType = "resource_usage"
	AlertTypeMemoryUsage   AlertType = "memory_usage"
)

// AlertSeverity represents alert severity
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertRule configures when an alert fires. Threshold is CPU percent for resource_usage,
// RSS bytes for memory_usage and consecutive failures for failure_streak.
// Duration applies to help_timeout.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Threshold float64       `json:"threshold,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert is a fired rule
type Alert struct {
	ID         string                 `json:"id"`
	RuleID     string                 `json:"rule_id"`
	Type       AlertType              `json:"type"`
	Severity   AlertSeverity          `json:"severity"`
	WorkerID   string                 `json:"worker_id,omitempty"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(alert *Alert) error
}

// LogChannel writes alerts to a logger
type LogChannel struct {
	Logger *zap.Logger
}

// Send implements NotificationChannel
func (c LogChannel) Send(alert *Alert) error {
	c.Logger.Warn("Alert",
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("worker_id", alert.WorkerID),
		zap.String("message", alert.Message))
	return nil
}

// AlertManager evaluates alert rules against worker events
type AlertManager struct {
	logger *zap.Logger
	bus    *events.Bus
	js     nats.JetStreamContext

	rules    sync.Map
	channels sync.Map

	mu      sync.Mutex
	alerts  map[string]*Alert
	streaks map[string]int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewAlertManager creates a new alert manager. js may be nil, in which case alerts
// are only delivered to notification channels.
func NewAlertManager(bus *events.Bus, js nats.JetStreamContext, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:  logger.Named("alert-manager"),
		bus:     bus,
		js:      js,
		alerts:  make(map[string]*Alert),
		streaks: make(map[string]int),
		stop:    make(chan struct{}),
	}
}

// Start ensures the alert stream and begins evaluating events
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js != nil {
		stream, err := m.js.StreamInfo(alertStreamName)
		if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		if stream == nil {
			_, err = m.js.AddStream(&nats.StreamConfig{
				Name:     alertStreamName,
				Subjects: []string{"alert.*"},
				Storage:  nats.FileStorage,
				MaxAge:   7 * 24 * time.Hour,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream: %w", err)
			}
		}
	}

	ch, unsubscribe := m.bus.Subscribe(256,
		events.TypeStateChanged, events.TypeReport, events.TypeHelpRequested,
		events.TypeViewMode, events.TypeSystemStats)

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				m.handleEvent(event)
			}
		}
	}()

	go m.evaluationLoop(ctx)

	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops the alert manager
func (m *AlertManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// AddChannel registers a notification channel
func (m *AlertManager) AddChannel(name string, channel NotificationChannel) {
	m.channels.Store(name, channel)
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule := *value.(*AlertRule)
	return &rule, nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.UpdatedAt = time.Now()
	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	m.rules.Delete(id)
	return nil
}

// Alerts returns all alerts, newest first. Resolved alerts are included when all is true.
func (m *AlertManager) Alerts(all bool) []Alert {
	m.mu.Lock()
	var out []Alert
	for _, alert := range m.alerts {
		if all || alert.ResolvedAt == nil {
			out = append(out, *alert)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Resolve marks an alert resolved
func (m *AlertManager) Resolve(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alert, ok := m.alerts[id]; ok && alert.ResolvedAt == nil {
		now := time.Now()
		alert.ResolvedAt = &now
	}
}

// resolveWorker resolves open alerts of the given type for a worker
func (m *AlertManager) resolveWorker(workerID string, alertType AlertType) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range m.alerts {
		if alert.WorkerID == workerID && alert.Type == alertType && alert.ResolvedAt == nil {
			alert.ResolvedAt = &now
		}
	}
}

func (m *AlertManager) forEachRule(alertType AlertType, fn func(rule *AlertRule)) {
	m.rules.Range(func(_, value interface{}) bool {
		rule := value.(*AlertRule)
		if rule.Type == alertType {
			fn(rule)
		}
		return true
	})
}

func (m *AlertManager) handleEvent(event events.Event) {
	switch payload := event.Payload.(type) {
	case events.StateChanged:
		if payload.State == model.WorkerStateError {
			m.forEachRule(AlertTypeWorkerError, func(rule *AlertRule) {
				m.createAlert(rule, payload.WorkerID, fmt.Sprintf("worker %s entered error state", payload.WorkerName),
					map[string]interface{}{"reason": payload.Reason})
			})
		} else if payload.PreviousState == model.WorkerStateError {
			m.resolveWorker(payload.WorkerID, AlertTypeWorkerError)
		}

	case events.HelpRequested:
		data := map[string]interface{}{"reason": payload.Reason, "url": payload.URL}
		workerID := event.WorkerID
		if payload.Request != nil {
			data["request_id"] = payload.Request.ID
			data["error"] = payload.Request.ErrorMessage
			workerID = payload.Request.WorkerID
		}
		m.forEachRule(AlertTypeHelpRequested, func(rule *AlertRule) {
			m.createAlert(rule, workerID, "worker needs human assistance", data)
		})

	case events.ViewModeChanged:
		if payload.Previous == model.ViewModeNeedsHelp && payload.ViewMode != model.ViewModeNeedsHelp {
			m.resolveWorker(payload.WorkerID, AlertTypeHelpRequested)
		}

	case model.WorkerReport:
		if payload.Metadata["cancelled"] == "true" {
			return
		}
		m.mu.Lock()
		if payload.Success {
			delete(m.streaks, payload.WorkerID)
			m.mu.Unlock()
			return
		}
		m.streaks[payload.WorkerID]++
		streak := m.streaks[payload.WorkerID]
		m.mu.Unlock()

		m.forEachRule(AlertTypeFailureStreak, func(rule *AlertRule) {
			if rule.Threshold > 0 && float64(streak) == rule.Threshold {
				m.createAlert(rule, payload.WorkerID,
					fmt.Sprintf("%d consecutive failed tasks", streak),
					map[string]interface{}{"task_id": payload.TaskID, "error": payload.Message})
			}
		})

	case model.SystemStats:
		m.forEachRule(AlertTypeResourceUsage, func(rule *AlertRule) {
			if rule.Threshold > 0 && payload.CPUPercent > rule.Threshold {
				m.createAlert(rule, "", fmt.Sprintf("cpu usage %.1f%% above %.1f%%", payload.CPUPercent, rule.Threshold),
					map[string]interface{}{"cpu_percent": payload.CPUPercent})
			}
		})
		m.forEachRule(AlertTypeMemoryUsage, func(rule *AlertRule) {
			if rule.Threshold > 0 && float64(payload.MemoryRSS) > rule.Threshold {
				m.createAlert(rule, "", fmt.Sprintf("rss %d bytes above threshold", payload.MemoryRSS),
					map[string]interface{}{"memory_rss": payload.MemoryRSS})
			}
		})
	}
}

// createAlert stores, notifies and publishes a new alert
func (m *AlertManager) createAlert(rule *AlertRule, workerID, message string, data map[string]interface{}) *Alert {
	alert := &Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		WorkerID:  workerID,
		Message:   fmt.Sprintf("%s: %s", rule.Name, message),
		Data:      data,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.alerts[alert.ID] = alert
	m.mu.Unlock()

	m.channels.Range(func(key, value interface{}) bool {
		if err := value.(NotificationChannel).Send(alert); err != nil {
			m.logger.Error("Failed to send alert notification",
				zap.String("channel", key.(string)),
				zap.Error(err))
		}
		return true
	})

	if m.js != nil {
		if err := m.publish(alert); err != nil {
			m.logger.Error("Failed to publish alert", zap.String("id", alert.ID), zap.Error(err))
		}
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))
	return alert
}

func (m *AlertManager) publish(alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := m.js.Publish("alert."+string(alert.Type), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// evaluationLoop periodically evaluates time-based conditions
func (m *AlertManager) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(evaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.evaluateHelpTimeouts(time.Now())
		}
	}
}

// evaluateHelpTimeouts escalates help requests left unresolved longer than the rule duration
func (m *AlertManager) evaluateHelpTimeouts(now time.Time) {
	m.forEachRule(AlertTypeHelpTimeout, func(rule *AlertRule) {
		if rule.Duration <= 0 {
			return
		}
		var overdue []Alert
		m.mu.Lock()
		for _, alert := range m.alerts {
			if alert.Type == AlertTypeHelpRequested && alert.ResolvedAt == nil && now.Sub(alert.CreatedAt) > rule.Duration {
				overdue = append(overdue, *alert)
			}
		}
		m.mu.Unlock()

		for _, alert := range overdue {
			m.createAlert(rule, alert.WorkerID, "help request unanswered",
				map[string]interface{}{
					"alert_id":     alert.ID,
					"elapsed_time": now.Sub(alert.CreatedAt).String(),
				})
			// escalate once per request
			m.Resolve(alert.ID)
		}
	})
}
