package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gifton/pipelinekit/concurrency"
	"github.com/gifton/pipelinekit/resilience"
)

const sampleYAML = `
name: orders-pipeline
max_depth: 10
semaphore:
  max_concurrency: 50
  strategy: suspend
  waiter_timeout: 2s
resilience:
  retry:
    max_attempts: 3
    backoff: fixed
    initial_delay: 50ms
  circuit_breaker:
    name: orders-db
    failure_threshold: 5
    reset_timeout: 100ms
  bulkhead:
    max_concurrency: 10
    isolation: global
  timeout:
    deadline: 250ms
    grace: 50ms
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPipelineConfigRoundTrip(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := LoadPipelineConfig(path)
	require.NoError(t, err)
	require.Equal(t, "orders-pipeline", cfg.Name)
	require.Equal(t, 10, cfg.MaxDepth)
	require.NotNil(t, cfg.Semaphore)
	require.Equal(t, 50, cfg.Semaphore.MaxConcurrency)

	semCfg, err := cfg.Semaphore.ToConcurrencyConfig()
	require.NoError(t, err)
	require.Equal(t, concurrency.StrategySuspend, semCfg.Strategy)
	require.Equal(t, 2*time.Second, semCfg.WaiterTimeout)

	require.NotNil(t, cfg.Resilience.Retry)
	retryCfg, err := cfg.Resilience.Retry.ToResilienceConfig()
	require.NoError(t, err)
	require.Equal(t, 3, retryCfg.MaxAttempts)
	require.Equal(t, resilience.BackoffFixed, retryCfg.Backoff)

	require.NotNil(t, cfg.Resilience.CircuitBreaker)
	cbCfg, err := cfg.Resilience.CircuitBreaker.ToResilienceConfig()
	require.NoError(t, err)
	require.Equal(t, 5, cbCfg.FailureThreshold)
	require.Equal(t, 100*time.Millisecond, cbCfg.ResetTimeout)

	require.NotNil(t, cfg.Resilience.Bulkhead)
	bhCfg, err := cfg.Resilience.Bulkhead.ToResilienceConfig()
	require.NoError(t, err)
	require.Equal(t, resilience.IsolationGlobal, bhCfg.Isolation)

	require.NotNil(t, cfg.Resilience.Timeout)
	toCfg, err := cfg.Resilience.Timeout.ToResilienceConfig()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, toCfg.Deadline)
	require.Equal(t, 50*time.Millisecond, toCfg.Grace)
}

func TestLoadPipelineConfigRejectsWrongExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	_, err := LoadPipelineConfig(path)
	require.Error(t, err)
}

func TestLoadPipelineConfigRejectsMissingName(t *testing.T) {
	path := writeTempConfig(t, "max_depth: 1\n")
	_, err := LoadPipelineConfig(path)
	require.Error(t, err)
}

func TestSemaphoreConfigValidateRejectsZeroConcurrency(t *testing.T) {
	s := SemaphoreConfig{MaxConcurrency: 0}
	require.Error(t, s.Validate())
}

func TestBulkheadConfigRejectsUnknownIsolation(t *testing.T) {
	b := BulkheadConfig{MaxConcurrency: 1, Isolation: "nonsense"}
	_, err := b.ToResilienceConfig()
	require.Error(t, err)
}
