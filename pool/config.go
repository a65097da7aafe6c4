package pool

import (
	"fmt"
	"time"
)

// Config tunes the session pool.
type Config struct {
	// IdleTTL is the maximum idle duration before a pooled session is
	// considered stale. A session whose idle age reaches the TTL is never
	// reused and is reclaimed by the sweeper.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// HealthCheckInterval is how often each connection's liveness probe
	// fires.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// SweepInterval is how often the idle-TTL sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ProbeTimeout bounds one liveness probe round trip.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ResumeTimeout bounds the resume call issued on a suspended event.
	ResumeTimeout time.Duration `yaml:"resume_timeout"`

	// ReconnectBaseDelay is the first reconnect backoff; attempt n sleeps
	// ReconnectBaseDelay * 2^(n-1) before dialing.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`

	// MaxReconnectAttempts bounds one reconnect loop.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// MaxOperationAttempts bounds Do's acquire-run-release cycles for one
	// operation when it keeps failing with transport faults.
	MaxOperationAttempts int `yaml:"max_operation_attempts"`

	// SoftMaxPerResource is the advisory connection cap per resource.
	// Creation past the cap is logged and counted, never refused: the pool
	// never blocks a caller waiting for an in-use connection.
	SoftMaxPerResource int `yaml:"soft_max_per_resource"`

	// WarmUpConcurrency bounds concurrent session creation during WarmUp.
	WarmUpConcurrency int `yaml:"warmup_concurrency"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		IdleTTL:              5 * time.Minute,
		HealthCheckInterval:  30 * time.Second,
		SweepInterval:        time.Minute,
		ProbeTimeout:         5 * time.Second,
		ResumeTimeout:        10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
		MaxOperationAttempts: 3,
		SoftMaxPerResource:   10,
		WarmUpConcurrency:    4,
	}
}

// applyDefaults fills unset fields with the defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.IdleTTL == 0 {
		c.IdleTTL = def.IdleTTL
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.ResumeTimeout == 0 {
		c.ResumeTimeout = def.ResumeTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.MaxOperationAttempts == 0 {
		c.MaxOperationAttempts = def.MaxOperationAttempts
	}
	if c.SoftMaxPerResource == 0 {
		c.SoftMaxPerResource = def.SoftMaxPerResource
	}
	if c.WarmUpConcurrency == 0 {
		c.WarmUpConcurrency = def.WarmUpConcurrency
	}
}

// validate rejects configurations that cannot work.
func (c *Config) validate() error {
	if c.IdleTTL < 0 {
		return fmt.Errorf("idle_ttl must be positive, got %s", c.IdleTTL)
	}
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max_reconnect_attempts must be at least 1, got %d", c.MaxReconnectAttempts)
	}
	if c.MaxOperationAttempts < 1 {
		return fmt.Errorf("max_operation_attempts must be at least 1, got %d", c.MaxOperationAttempts)
	}
	if c.WarmUpConcurrency < 1 {
		return fmt.Errorf("warmup_concurrency must be at least 1, got %d", c.WarmUpConcurrency)
	}
	return nil
}
