package config

import (
	"fmt"
	"strings"

	"github.com/kart-io/watchtower/pkg/errors"
)

// Validate checks the configuration for consistency. It returns an
// ErrInvalidConfig error naming every violated constraint; a failed
// validation is the only condition that aborts startup.
func (c *Config) Validate() error {
	var problems []string

	problems = append(problems, c.Queue.validate()...)
	problems = append(problems, c.Instances.validate()...)
	problems = append(problems, c.Autoscaler.validate()...)
	problems = append(problems, c.Health.validate()...)
	problems = append(problems, c.Balancer.validate()...)
	problems = append(problems, c.HTTPPool.validate()...)
	problems = append(problems, c.Metrics.validate()...)
	problems = append(problems, c.Server.validate()...)

	if len(problems) > 0 {
		return errors.Newf(errors.ErrInvalidConfig, "invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (q QueueConfig) validate() []string {
	var p []string
	if q.MaxQueueSize <= 0 {
		p = append(p, fmt.Sprintf("queue.max_queue_size must be positive, got %d", q.MaxQueueSize))
	}
	if q.DequeueTimeoutMs < 0 {
		p = append(p, fmt.Sprintf("queue.dequeue_timeout_ms must not be negative, got %d", q.DequeueTimeoutMs))
	}
	if q.MaxRetries < 0 {
		p = append(p, fmt.Sprintf("queue.max_retries must not be negative, got %d", q.MaxRetries))
	}
	if q.MaxEventAgeMinutes <= 0 {
		p = append(p, fmt.Sprintf("queue.max_event_age_minutes must be positive, got %d", q.MaxEventAgeMinutes))
	}
	if q.DeadLetterEnabled && q.DeadLetterMaxSize <= 0 {
		p = append(p, fmt.Sprintf("queue.dead_letter_max_size must be positive when dead-letter is enabled, got %d", q.DeadLetterMaxSize))
	}
	return p
}

func (i InstanceConfig) validate() []string {
	var p []string
	if i.MinInstances < 1 {
		p = append(p, fmt.Sprintf("instances.min_instances must be at least 1, got %d", i.MinInstances))
	}
	if i.MaxInstances < i.MinInstances {
		p = append(p, fmt.Sprintf("instances.max_instances (%d) must be >= min_instances (%d)", i.MaxInstances, i.MinInstances))
	}
	if i.DefaultInstances < i.MinInstances || i.DefaultInstances > i.MaxInstances {
		p = append(p, fmt.Sprintf("instances.default_instances (%d) must be within [%d, %d]", i.DefaultInstances, i.MinInstances, i.MaxInstances))
	}
	if i.StartupTimeoutSeconds < 0 {
		p = append(p, fmt.Sprintf("instances.startup_timeout_seconds must not be negative, got %d", i.StartupTimeoutSeconds))
	}
	if i.ShutdownTimeoutSeconds <= 0 {
		p = append(p, fmt.Sprintf("instances.shutdown_timeout_seconds must be positive, got %d", i.ShutdownTimeoutSeconds))
	}
	if i.DefaultWeight < 1 {
		p = append(p, fmt.Sprintf("instances.default_weight must be at least 1, got %d", i.DefaultWeight))
	}
	return p
}

func (a AutoscalerConfig) validate() []string {
	var p []string
	switch a.PolicyType {
	case PolicyTargetTracking, PolicyStepScaling, PolicyPredictive:
	default:
		p = append(p, fmt.Sprintf("autoscaler.policy_type %q is not one of %s, %s, %s", a.PolicyType, PolicyTargetTracking, PolicyStepScaling, PolicyPredictive))
	}
	if a.TargetCPUPercent <= 0 || a.TargetCPUPercent > 100 {
		p = append(p, fmt.Sprintf("autoscaler.target_cpu_percent must be in (0, 100], got %v", a.TargetCPUPercent))
	}
	if a.TargetMemoryPercent <= 0 || a.TargetMemoryPercent > 100 {
		p = append(p, fmt.Sprintf("autoscaler.target_memory_percent must be in (0, 100], got %v", a.TargetMemoryPercent))
	}
	if a.TargetQueueDepth <= 0 {
		p = append(p, fmt.Sprintf("autoscaler.target_queue_depth must be positive, got %d", a.TargetQueueDepth))
	}
	if a.TargetResponseTimeMs <= 0 {
		p = append(p, fmt.Sprintf("autoscaler.target_response_time_ms must be positive, got %d", a.TargetResponseTimeMs))
	}
	if a.MaxScaleOutStep < 1 {
		p = append(p, fmt.Sprintf("autoscaler.max_scale_out_step must be at least 1, got %d", a.MaxScaleOutStep))
	}
	if a.MaxScaleInStep < 1 {
		p = append(p, fmt.Sprintf("autoscaler.max_scale_in_step must be at least 1, got %d", a.MaxScaleInStep))
	}
	if a.ScaleUpCooldownSeconds < 0 || a.ScaleDownCooldownSeconds < 0 {
		p = append(p, "autoscaler cooldowns must not be negative")
	}
	if a.EvaluationIntervalSeconds <= 0 {
		p = append(p, fmt.Sprintf("autoscaler.evaluation_interval_seconds must be positive, got %d", a.EvaluationIntervalSeconds))
	}
	return p
}

func (h HealthConfig) validate() []string {
	var p []string
	if h.CheckIntervalSeconds <= 0 {
		p = append(p, fmt.Sprintf("health.check_interval_seconds must be positive, got %d", h.CheckIntervalSeconds))
	}
	if h.TimeoutSeconds <= 0 {
		p = append(p, fmt.Sprintf("health.timeout_seconds must be positive, got %d", h.TimeoutSeconds))
	}
	if h.HistoryMinutes <= 0 {
		p = append(p, fmt.Sprintf("health.history_minutes must be positive, got %d", h.HistoryMinutes))
	}
	if h.FailureThreshold < 1 {
		p = append(p, fmt.Sprintf("health.failure_threshold must be at least 1, got %d", h.FailureThreshold))
	}
	if h.SuccessThreshold < 1 {
		p = append(p, fmt.Sprintf("health.success_threshold must be at least 1, got %d", h.SuccessThreshold))
	}
	if h.CPUAlertPercent <= 0 || h.CPUAlertPercent > 100 {
		p = append(p, fmt.Sprintf("health.cpu_alert_percent must be in (0, 100], got %v", h.CPUAlertPercent))
	}
	if h.MemoryAlertPercent <= 0 || h.MemoryAlertPercent > 100 {
		p = append(p, fmt.Sprintf("health.memory_alert_percent must be in (0, 100], got %v", h.MemoryAlertPercent))
	}
	if h.ErrorRateAlert <= 0 || h.ErrorRateAlert > 1 {
		p = append(p, fmt.Sprintf("health.error_rate_alert must be in (0, 1], got %v", h.ErrorRateAlert))
	}
	if h.ResponseTimeAlertMs <= 0 {
		p = append(p, fmt.Sprintf("health.response_time_alert_ms must be positive, got %d", h.ResponseTimeAlertMs))
	}
	if h.QueueDepthAlert <= 0 {
		p = append(p, fmt.Sprintf("health.queue_depth_alert must be positive, got %d", h.QueueDepthAlert))
	}
	return p
}

func (b BalancerConfig) validate() []string {
	var p []string
	switch b.Strategy {
	case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastBusy, StrategySticky:
	default:
		p = append(p, fmt.Sprintf("balancer.strategy %q is not one of %s, %s, %s, %s", b.Strategy, StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastBusy, StrategySticky))
	}
	if b.StickyTimeoutMinutes <= 0 {
		p = append(p, fmt.Sprintf("balancer.sticky_timeout_minutes must be positive, got %d", b.StickyTimeoutMinutes))
	}
	return p
}

func (hp HTTPPoolConfig) validate() []string {
	var p []string
	if hp.MaxConnections < 1 {
		p = append(p, fmt.Sprintf("http_pool.max_connections must be at least 1, got %d", hp.MaxConnections))
	}
	if hp.RequestTimeoutSeconds <= 0 {
		p = append(p, fmt.Sprintf("http_pool.request_timeout_seconds must be positive, got %d", hp.RequestTimeoutSeconds))
	}
	if hp.AcquireTimeoutSeconds <= 0 {
		p = append(p, fmt.Sprintf("http_pool.acquire_timeout_seconds must be positive, got %d", hp.AcquireTimeoutSeconds))
	}
	if hp.MaxRetries < 0 {
		p = append(p, fmt.Sprintf("http_pool.max_retries must not be negative, got %d", hp.MaxRetries))
	}
	if hp.CircuitBreakerThreshold < 1 {
		p = append(p, fmt.Sprintf("http_pool.circuit_breaker_threshold must be at least 1, got %d", hp.CircuitBreakerThreshold))
	}
	if hp.CircuitBreakerTimeoutSeconds <= 0 {
		p = append(p, fmt.Sprintf("http_pool.circuit_breaker_timeout_seconds must be positive, got %d", hp.CircuitBreakerTimeoutSeconds))
	}
	return p
}

func (m MetricsConfig) validate() []string {
	var p []string
	if m.CollectIntervalSeconds <= 0 {
		p = append(p, fmt.Sprintf("metrics.collect_interval_seconds must be positive, got %d", m.CollectIntervalSeconds))
	}
	if m.Namespace == "" {
		p = append(p, "metrics.namespace must not be empty")
	}
	return p
}

func (s ServerConfig) validate() []string {
	var p []string
	if !s.Enabled {
		return p
	}
	if s.Addr == "" {
		p = append(p, "server.addr must not be empty when the server is enabled")
	}
	if s.ReadTimeoutSeconds <= 0 || s.WriteTimeoutSeconds <= 0 {
		p = append(p, "server read/write timeouts must be positive")
	}
	return p
}
