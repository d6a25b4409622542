package manager

import "time"

// Config defines timing and sizing for the worker manager
type Config struct {
	// PollInterval bounds how quickly pause/stop requests are observed
	PollInterval time.Duration
	// GraceTimeout is how long a graceful stop waits for the driver loop
	GraceTimeout time.Duration
	// HistoryLimit is the maximum number of retained reports
	HistoryLimit int
	// StatsInterval is the resource sampling period
	StatsInterval time.Duration
	// QueueSize is the per-worker task queue capacity
	QueueSize int
	// PinWorkers pins each driver loop's OS thread to its preferred core
	PinWorkers bool
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:  100 * time.Millisecond,
		GraceTimeout:  30 * time.Second,
		HistoryLimit:  1000,
		StatsInterval: time.Second,
		QueueSize:     100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = d.GraceTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}
