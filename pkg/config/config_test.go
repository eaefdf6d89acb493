package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/logger"
)

func TestDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Queue.MaxQueueSize)
	assert.Equal(t, time.Second, cfg.Queue.DequeueTimeout())
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Queue.MaxEventAge())
	assert.True(t, cfg.Queue.DeadLetterEnabled)
	assert.Equal(t, 1000, cfg.Queue.DeadLetterMaxSize)

	assert.Equal(t, 2, cfg.Instances.MinInstances)
	assert.Equal(t, 8, cfg.Instances.MaxInstances)
	assert.Equal(t, 4, cfg.Instances.DefaultInstances)
	assert.Equal(t, 60*time.Second, cfg.Instances.StartupTimeout())
	assert.Equal(t, 30*time.Second, cfg.Instances.ShutdownTimeout())

	assert.Equal(t, PolicyTargetTracking, cfg.Autoscaler.PolicyType)
	assert.Equal(t, float64(70), cfg.Autoscaler.TargetCPUPercent)
	assert.Equal(t, float64(75), cfg.Autoscaler.TargetMemoryPercent)
	assert.Equal(t, 500, cfg.Autoscaler.TargetQueueDepth)
	assert.Equal(t, 60*time.Second, cfg.Autoscaler.ScaleUpCooldown())
	assert.Equal(t, 300*time.Second, cfg.Autoscaler.ScaleDownCooldown())
	assert.Equal(t, 30*time.Second, cfg.Autoscaler.EvaluationInterval())

	assert.Equal(t, 30*time.Second, cfg.Health.CheckInterval())
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, 2, cfg.Health.SuccessThreshold)
	assert.Equal(t, float64(85), cfg.Health.CPUAlertPercent)
	assert.Equal(t, 0.10, cfg.Health.ErrorRateAlert)
	assert.Equal(t, 5000, cfg.Health.QueueDepthAlert)

	assert.Equal(t, StrategyRoundRobin, cfg.Balancer.Strategy)
	assert.Equal(t, 30*time.Minute, cfg.Balancer.StickyTimeout())

	assert.Equal(t, 10, cfg.HTTPPool.MaxConnections)
	assert.False(t, cfg.HTTPPool.EnableAutoPoolCreation)
}

func TestOptions(t *testing.T) {
	cfg, err := New(
		WithQueueSize(256),
		WithInstanceLimits(1, 4, 2),
		WithScalingPolicy(PolicyStepScaling),
		WithBalancerStrategy(StrategyLeastBusy),
		WithEvaluationInterval(5),
		WithRedis("redis:6379", "secret", 2),
		WithServerAddr(":9090"),
	)
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 1, cfg.Instances.MinInstances)
	assert.Equal(t, PolicyStepScaling, cfg.Autoscaler.PolicyType)
	assert.Equal(t, StrategyLeastBusy, cfg.Balancer.Strategy)
	assert.Equal(t, 5*time.Second, cfg.Autoscaler.EvaluationInterval())
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestOptionRejectsUnknownPolicy(t *testing.T) {
	_, err := New(WithScalingPolicy("aggressive"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidConfig))

	_, err = New(WithBalancerStrategy("random"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"zero queue size", func(c *Config) { c.Queue.MaxQueueSize = 0 }, true},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, true},
		{"max below min", func(c *Config) { c.Instances.MaxInstances = 1 }, true},
		{"default outside bounds", func(c *Config) { c.Instances.DefaultInstances = 20 }, true},
		{"bad policy", func(c *Config) { c.Autoscaler.PolicyType = "nope" }, true},
		{"zero eval interval", func(c *Config) { c.Autoscaler.EvaluationIntervalSeconds = 0 }, true},
		{"cpu target above 100", func(c *Config) { c.Autoscaler.TargetCPUPercent = 150 }, true},
		{"bad strategy", func(c *Config) { c.Balancer.Strategy = "nope" }, true},
		{"zero failure threshold", func(c *Config) { c.Health.FailureThreshold = 0 }, true},
		{"error rate above 1", func(c *Config) { c.Health.ErrorRateAlert = 2 }, true},
		{"zero pool connections", func(c *Config) { c.HTTPPool.MaxConnections = 0 }, true},
		{"disabled server skips addr check", func(c *Config) { c.Server.Enabled = false; c.Server.Addr = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrInvalidConfig), "expected INVALID_CONFIG, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchtower.yaml")
	content := []byte(`
queue:
  max_queue_size: 500
  max_retries: 5
instances:
  min_instances: 3
  max_instances: 6
  default_instances: 3
autoscaler:
  policy_type: predictive
balancer:
  strategy: sticky
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 3, cfg.Instances.MinInstances)
	assert.Equal(t, PolicyPredictive, cfg.Autoscaler.PolicyType)
	assert.Equal(t, StrategySticky, cfg.Balancer.Strategy)

	// Absent keys keep their defaults.
	assert.Equal(t, 1000, cfg.Queue.DequeueTimeoutMs)
	assert.True(t, cfg.Queue.DeadLetterEnabled)
	assert.Equal(t, 30, cfg.Autoscaler.EvaluationIntervalSeconds)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/watchtower.yaml")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidConfig))
}

func TestLoadFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: ["), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidConfig))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WATCHTOWER_LOG_LEVEL", "debug")
	t.Setenv("WATCHTOWER_QUEUE_SIZE", "123")
	t.Setenv("WATCHTOWER_BALANCER_STRATEGY", StrategyWeightedRoundRobin)
	t.Setenv("WATCHTOWER_REDIS_ADDR", "cache:6379")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 123, cfg.Queue.MaxQueueSize)
	assert.Equal(t, StrategyWeightedRoundRobin, cfg.Balancer.Strategy)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
}

func TestBuildLogger(t *testing.T) {
	cfg := Default()
	assert.NotNil(t, cfg.BuildLogger())

	cfg.LoggerInstance = logger.Discard
	assert.Equal(t, logger.Discard, cfg.BuildLogger())
}
