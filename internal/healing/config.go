package healing

import "time"

// Config controls the recovery ladder's budgets and waits.
// Execution retries and healing attempts are budgeted separately.
type Config struct {
	MaxRetryAttempts       int
	MaxHealingAttempts     int
	RetryDelay             time.Duration
	RateLimitWait          time.Duration
	NetworkWait            time.Duration
	EnableAICodeGeneration bool
	EnableHumanTraining    bool
	HumanPollInterval      time.Duration
	HumanWaitTimeout       time.Duration
}

// DefaultConfig returns the default healing configuration
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:       3,
		MaxHealingAttempts:     3,
		RetryDelay:             2 * time.Second,
		RateLimitWait:          60 * time.Second,
		NetworkWait:            10 * time.Second,
		EnableAICodeGeneration: true,
		EnableHumanTraining:    true,
		HumanPollInterval:      500 * time.Millisecond,
		HumanWaitTimeout:       30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.MaxHealingAttempts < 0 {
		c.MaxHealingAttempts = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = d.RateLimitWait
	}
	if c.NetworkWait <= 0 {
		c.NetworkWait = d.NetworkWait
	}
	if c.HumanPollInterval <= 0 {
		c.HumanPollInterval = d.HumanPollInterval
	}
	if c.HumanWaitTimeout <= 0 {
		c.HumanWaitTimeout = d.HumanWaitTimeout
	}
	return c
}
