package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/postpilot/internal/ai"
	"github.com/t77yq/postpilot/internal/browser"
	"github.com/t77yq/postpilot/internal/healing"
	"github.com/t77yq/postpilot/internal/manager"
	"github.com/t77yq/postpilot/internal/monitor"
	"github.com/t77yq/postpilot/internal/platform"
	"github.com/t77yq/postpilot/internal/scheduler"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. POSTPILOT_MANAGER_QUEUE_SIZE
	EnvPrefix = "POSTPILOT"
	// ConfigFileName is the config file name without extension
	ConfigFileName = "config"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the server configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Healing   HealingConfig   `mapstructure:"healing"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	AI        AIConfig        `mapstructure:"ai"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Workers   []WorkerConfig  `mapstructure:"workers"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type ManagerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	GraceTimeout  time.Duration `mapstructure:"grace_timeout"`
	HistoryLimit  int           `mapstructure:"history_limit"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
	PinWorkers    bool          `mapstructure:"pin_workers"`
}

type HealingConfig struct {
	MaxRetryAttempts       int           `mapstructure:"max_retry_attempts"`
	MaxHealingAttempts     int           `mapstructure:"max_healing_attempts"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
	RateLimitWait          time.Duration `mapstructure:"rate_limit_wait"`
	NetworkWait            time.Duration `mapstructure:"network_wait"`
	EnableAICodeGeneration bool          `mapstructure:"enable_ai_code_generation"`
	EnableHumanTraining    bool          `mapstructure:"enable_human_training"`
	HumanPollInterval      time.Duration `mapstructure:"human_poll_interval"`
	HumanWaitTimeout       time.Duration `mapstructure:"human_wait_timeout"`
}

type KnowledgeConfig struct {
	DBPath string `mapstructure:"db_path"`
	// Retention removes knowledge unused for longer than this; zero keeps everything
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig selects how tasks without a worker are routed: least_load or round_robin
type SchedulerConfig struct {
	Balancing string `mapstructure:"balancing"`
}

// ReportsConfig controls the persistent report archive
type ReportsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	DBPath    string        `mapstructure:"db_path"`
	Retention time.Duration `mapstructure:"retention"`
}

type AIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxFailures int           `mapstructure:"max_failures"`
}

type BrowserConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Headless  bool          `mapstructure:"headless"`
	NoSandbox bool          `mapstructure:"no_sandbox"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ExecPath  string        `mapstructure:"exec_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AlertsConfig holds thresholds for the built-in alert rules; zero disables a rule
type AlertsConfig struct {
	CPUPercent    float64       `mapstructure:"cpu_percent"`
	MemoryRSS     uint64        `mapstructure:"memory_rss"`
	FailureStreak int           `mapstructure:"failure_streak"`
	HelpTimeout   time.Duration `mapstructure:"help_timeout"`
	Email         EmailConfig   `mapstructure:"email"`
}

// EmailConfig enables SMTP alert delivery when Host is set
type EmailConfig struct {
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// ToBalancing returns the worker selection strategy for unrouted tasks
func (c *Config) ToBalancing() scheduler.BalancingStrategy {
	if c.Scheduler.Balancing == "round_robin" {
		return &scheduler.RoundRobinStrategy{}
	}
	return &scheduler.LeastLoadStrategy{}
}

// ToEmail converts alert email settings into a monitor channel config
func (c *Config) ToEmail() monitor.EmailConfig {
	e := c.Alerts.Email
	return monitor.EmailConfig{
		Host:       e.Host,
		Port:       e.Port,
		Username:   e.Username,
		Password:   e.Password,
		From:       e.From,
		Recipients: e.Recipients,
	}
}

// WorkerConfig describes one platform worker
type WorkerConfig struct {
	Name      string           `mapstructure:"name"`
	Platform  string           `mapstructure:"platform"`
	Adapter   string           `mapstructure:"adapter"`
	BaseURL   string           `mapstructure:"base_url"`
	Token     string           `mapstructure:"token"`
	Timeout   time.Duration    `mapstructure:"timeout"`
	PerMinute float64          `mapstructure:"per_minute"`
	Burst     int              `mapstructure:"burst"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig is a recurring task template for a worker
type ScheduleConfig struct {
	Expression string            `mapstructure:"expression"`
	Type       string            `mapstructure:"type"`
	Content    string            `mapstructure:"content"`
	Prompt     string            `mapstructure:"prompt"`
	MediaURLs  []string          `mapstructure:"media_urls"`
	Metadata   map[string]string `mapstructure:"metadata"`
}

// Load reads configuration from path, or from ./config/config.yaml when path is empty.
// A missing default file is not an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("ai.api_key", EnvPrefix+"_AI_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "postpilot")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.development", false)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	m := manager.DefaultConfig()
	v.SetDefault("manager.poll_interval", m.PollInterval)
	v.SetDefault("manager.grace_timeout", m.GraceTimeout)
	v.SetDefault("manager.history_limit", m.HistoryLimit)
	v.SetDefault("manager.stats_interval", m.StatsInterval)
	v.SetDefault("manager.queue_size", m.QueueSize)
	v.SetDefault("manager.pin_workers", m.PinWorkers)

	h := healing.DefaultConfig()
	v.SetDefault("healing.max_retry_attempts", h.MaxRetryAttempts)
	v.SetDefault("healing.max_healing_attempts", h.MaxHealingAttempts)
	v.SetDefault("healing.retry_delay", h.RetryDelay)
	v.SetDefault("healing.rate_limit_wait", h.RateLimitWait)
	v.SetDefault("healing.network_wait", h.NetworkWait)
	v.SetDefault("healing.enable_ai_code_generation", h.EnableAICodeGeneration)
	v.SetDefault("healing.enable_human_training", h.EnableHumanTraining)
	v.SetDefault("healing.human_poll_interval", h.HumanPollInterval)
	v.SetDefault("healing.human_wait_timeout", h.HumanWaitTimeout)

	v.SetDefault("knowledge.db_path", "postpilot.db")
	v.SetDefault("knowledge.retention", 0)

	v.SetDefault("scheduler.balancing", "least_load")

	v.SetDefault("reports.enabled", true)
	v.SetDefault("reports.db_path", "reports.db")
	v.SetDefault("reports.retention", 30*24*time.Hour)

	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.model", ai.DefaultModel)
	v.SetDefault("ai.max_tokens", ai.DefaultMaxTokens)
	v.SetDefault("ai.timeout", ai.DefaultTimeout)
	v.SetDefault("ai.max_failures", ai.DefaultMaxFailures)

	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.timeout", 30*time.Second)
	v.SetDefault("browser.exec_path", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("alerts.cpu_percent", 90.0)
	v.SetDefault("alerts.memory_rss", 0)
	v.SetDefault("alerts.failure_streak", 5)
	v.SetDefault("alerts.help_timeout", 15*time.Minute)
	v.SetDefault("alerts.email.host", "")
	v.SetDefault("alerts.email.port", 587)
	v.SetDefault("alerts.email.username", "")
	v.SetDefault("alerts.email.password", "")
	v.SetDefault("alerts.email.from", "")
	v.SetDefault("alerts.email.recipients", []string{})
}

// Validate rejects non-positive budgets and intervals and incomplete worker entries
func (c *Config) Validate() error {
	var problems []string
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}

	positive("manager.poll_interval", c.Manager.PollInterval)
	positive("manager.grace_timeout", c.Manager.GraceTimeout)
	positive("manager.stats_interval", c.Manager.StatsInterval)
	if c.Manager.HistoryLimit <= 0 {
		problems = append(problems, "manager.history_limit must be positive")
	}
	if c.Manager.QueueSize <= 0 {
		problems = append(problems, "manager.queue_size must be positive")
	}

	if c.Healing.MaxRetryAttempts <= 0 {
		problems = append(problems, "healing.max_retry_attempts must be positive")
	}
	if c.Healing.MaxHealingAttempts < 0 {
		problems = append(problems, "healing.max_healing_attempts must not be negative")
	}
	if c.Healing.RetryDelay < 0 {
		problems = append(problems, "healing.retry_delay must not be negative")
	}
	positive("healing.rate_limit_wait", c.Healing.RateLimitWait)
	positive("healing.network_wait", c.Healing.NetworkWait)
	positive("healing.human_poll_interval", c.Healing.HumanPollInterval)
	positive("healing.human_wait_timeout", c.Healing.HumanWaitTimeout)

	if c.Knowledge.DBPath == "" {
		problems = append(problems, "knowledge.db_path is required")
	}
	if b := c.Scheduler.Balancing; b != "least_load" && b != "round_robin" {
		problems = append(problems, fmt.Sprintf("scheduler.balancing %q must be least_load or round_robin", b))
	}
	if c.Reports.Enabled && c.Reports.DBPath == "" {
		problems = append(problems, "reports.db_path is required when reports are enabled")
	}
	if e := c.Alerts.Email; e.Host != "" && (e.From == "" || len(e.Recipients) == 0) {
		problems = append(problems, "alerts.email needs from and recipients when host is set")
	}
	if c.NATS.Enabled && len(c.NATS.URLs) == 0 {
		problems = append(problems, "nats.urls is required when nats is enabled")
	}
	if c.AI.Enabled && c.AI.APIKey == "" {
		problems = append(problems, "ai.api_key is required when ai is enabled")
	}

	seen := make(map[string]bool)
	for i, w := range c.Workers {
		if w.Name == "" || w.Platform == "" {
			problems = append(problems, fmt.Sprintf("workers[%d] needs a name and platform", i))
		}
		if seen[w.Name] {
			problems = append(problems, fmt.Sprintf("workers[%d] duplicate name %q", i, w.Name))
		}
		seen[w.Name] = true
		if w.PerMinute < 0 || w.Burst < 0 {
			problems = append(problems, fmt.Sprintf("workers[%d] rate limit must not be negative", i))
		}
		for j, s := range w.Schedules {
			if s.Expression == "" || s.Type == "" {
				problems = append(problems, fmt.Sprintf("workers[%d].schedules[%d] needs an expression and type", i, j))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ToManager converts to the worker manager's configuration
func (c *Config) ToManager() manager.Config {
	return manager.Config{
		PollInterval:  c.Manager.PollInterval,
		GraceTimeout:  c.Manager.GraceTimeout,
		HistoryLimit:  c.Manager.HistoryLimit,
		StatsInterval: c.Manager.StatsInterval,
		QueueSize:     c.Manager.QueueSize,
		PinWorkers:    c.Manager.PinWorkers,
	}
}

// ToHealing converts to the recovery ladder's configuration
func (c *Config) ToHealing() healing.Config {
	return healing.Config{
		MaxRetryAttempts:       c.Healing.MaxRetryAttempts,
		MaxHealingAttempts:     c.Healing.MaxHealingAttempts,
		RetryDelay:             c.Healing.RetryDelay,
		RateLimitWait:          c.Healing.RateLimitWait,
		NetworkWait:            c.Healing.NetworkWait,
		EnableAICodeGeneration: c.Healing.EnableAICodeGeneration && c.AI.Enabled,
		EnableHumanTraining:    c.Healing.EnableHumanTraining,
		HumanPollInterval:      c.Healing.HumanPollInterval,
		HumanWaitTimeout:       c.Healing.HumanWaitTimeout,
	}
}

// ToAI converts to the code generator's configuration
func (c *Config) ToAI() ai.Config {
	return ai.Config{
		APIKey:      c.AI.APIKey,
		BaseURL:     c.AI.BaseURL,
		Model:       c.AI.Model,
		MaxTokens:   c.AI.MaxTokens,
		Timeout:     c.AI.Timeout,
		MaxFailures: c.AI.MaxFailures,
	}
}

// ToBrowser converts to the browser controller's configuration
func (c *Config) ToBrowser() browser.Config {
	return browser.Config{
		Headless:  c.Browser.Headless,
		NoSandbox: c.Browser.NoSandbox,
		UserAgent: c.Browser.UserAgent,
		Timeout:   c.Browser.Timeout,
		ExecPath:  c.Browser.ExecPath,
	}
}

// ToAdapter converts a worker entry to its platform adapter configuration
func (w WorkerConfig) ToAdapter() platform.AdapterConfig {
	return platform.AdapterConfig{
		Platform: w.Platform,
		BaseURL:  w.BaseURL,
		Token:    w.Token,
		Timeout:  w.Timeout,
	}
}
