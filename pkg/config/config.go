// Package config provides the unified configuration system for the
// Watchtower runtime. Defaults mirror the platform's enumerated settings;
// every value can be overridden by functional options, a YAML file, or
// WATCHTOWER_* environment variables.
package config

import (
	"time"

	"github.com/kart-io/watchtower/pkg/logger"
)

// Config represents the unified configuration structure.
type Config struct {
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Instances  InstanceConfig   `json:"instances" yaml:"instances"`
	Autoscaler AutoscalerConfig `json:"autoscaler" yaml:"autoscaler"`
	Health     HealthConfig     `json:"health" yaml:"health"`
	Balancer   BalancerConfig   `json:"balancer" yaml:"balancer"`
	HTTPPool   HTTPPoolConfig   `json:"http_pool" yaml:"http_pool"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Logger     LoggerConfig     `json:"logger" yaml:"logger"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Server     ServerConfig     `json:"server" yaml:"server"`

	// LoggerInstance overrides the logger built from the Logger section.
	LoggerInstance logger.Logger `json:"-" yaml:"-"`
}

// QueueConfig configures the bounded priority event queue.
type QueueConfig struct {
	MaxQueueSize       int  `json:"max_queue_size" yaml:"max_queue_size"`
	DequeueTimeoutMs   int  `json:"dequeue_timeout_ms" yaml:"dequeue_timeout_ms"`
	MaxRetries         int  `json:"max_retries" yaml:"max_retries"`
	MaxEventAgeMinutes int  `json:"max_event_age_minutes" yaml:"max_event_age_minutes"`
	DeadLetterEnabled  bool `json:"dead_letter_enabled" yaml:"dead_letter_enabled"`
	DeadLetterMaxSize  int  `json:"dead_letter_max_size" yaml:"dead_letter_max_size"`
}

// DequeueTimeout returns the default dequeue timeout as a duration.
func (q QueueConfig) DequeueTimeout() time.Duration {
	return time.Duration(q.DequeueTimeoutMs) * time.Millisecond
}

// MaxEventAge returns the maximum queue age as a duration.
func (q QueueConfig) MaxEventAge() time.Duration {
	return time.Duration(q.MaxEventAgeMinutes) * time.Minute
}

// InstanceConfig bounds the processing instance pool.
type InstanceConfig struct {
	MinInstances           int `json:"min_instances" yaml:"min_instances"`
	MaxInstances           int `json:"max_instances" yaml:"max_instances"`
	DefaultInstances       int `json:"default_instances" yaml:"default_instances"`
	StartupTimeoutSeconds  int `json:"startup_timeout_seconds" yaml:"startup_timeout_seconds"`
	ShutdownTimeoutSeconds int `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	DefaultWeight          int `json:"default_weight" yaml:"default_weight"`

	// HealthEndpoint, when set, is the HTTP URL template probed for each
	// instance; %s is replaced with the instance id. Empty means instances
	// are judged on live metrics alone.
	HealthEndpoint string `json:"health_endpoint" yaml:"health_endpoint"`
}

// StartupTimeout returns the instance startup budget as a duration.
func (i InstanceConfig) StartupTimeout() time.Duration {
	return time.Duration(i.StartupTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the drain budget as a duration.
func (i InstanceConfig) ShutdownTimeout() time.Duration {
	return time.Duration(i.ShutdownTimeoutSeconds) * time.Second
}

// Scaling policy names accepted by AutoscalerConfig.PolicyType.
const (
	PolicyTargetTracking = "target_tracking"
	PolicyStepScaling    = "step_scaling"
	PolicyPredictive     = "predictive"
)

// AutoscalerConfig configures pool sizing.
//
// EvaluationIntervalSeconds is the single canonical evaluation knob. The
// platform this runtime derives from configured the interval twice with
// incompatible units; only this field is honored here.
type AutoscalerConfig struct {
	Enabled                   bool    `json:"enabled" yaml:"enabled"`
	PolicyType                string  `json:"policy_type" yaml:"policy_type"`
	TargetCPUPercent          float64 `json:"target_cpu_percent" yaml:"target_cpu_percent"`
	TargetMemoryPercent       float64 `json:"target_memory_percent" yaml:"target_memory_percent"`
	TargetQueueDepth          int     `json:"target_queue_depth" yaml:"target_queue_depth"`
	TargetResponseTimeMs      int     `json:"target_response_time_ms" yaml:"target_response_time_ms"`
	MaxScaleOutStep           int     `json:"max_scale_out_step" yaml:"max_scale_out_step"`
	MaxScaleInStep            int     `json:"max_scale_in_step" yaml:"max_scale_in_step"`
	ScaleUpCooldownSeconds    int     `json:"scale_up_cooldown_seconds" yaml:"scale_up_cooldown_seconds"`
	ScaleDownCooldownSeconds  int     `json:"scale_down_cooldown_seconds" yaml:"scale_down_cooldown_seconds"`
	EvaluationIntervalSeconds int     `json:"evaluation_interval_seconds" yaml:"evaluation_interval_seconds"`
}

// ScaleUpCooldown returns the scale-up cooldown as a duration.
func (a AutoscalerConfig) ScaleUpCooldown() time.Duration {
	return time.Duration(a.ScaleUpCooldownSeconds) * time.Second
}

// ScaleDownCooldown returns the scale-down cooldown as a duration.
func (a AutoscalerConfig) ScaleDownCooldown() time.Duration {
	return time.Duration(a.ScaleDownCooldownSeconds) * time.Second
}

// EvaluationInterval returns the evaluation period as a duration.
func (a AutoscalerConfig) EvaluationInterval() time.Duration {
	return time.Duration(a.EvaluationIntervalSeconds) * time.Second
}

// HealthConfig configures the instance health monitor.
type HealthConfig struct {
	CheckIntervalSeconds int `json:"check_interval_seconds" yaml:"check_interval_seconds"`
	TimeoutSeconds       int `json:"timeout_seconds" yaml:"timeout_seconds"`
	HistoryMinutes       int `json:"history_minutes" yaml:"history_minutes"`
	FailureThreshold     int `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold     int `json:"success_threshold" yaml:"success_threshold"`

	// Alert thresholds applied to live instance metrics on every probe.
	CPUAlertPercent     float64 `json:"cpu_alert_percent" yaml:"cpu_alert_percent"`
	MemoryAlertPercent  float64 `json:"memory_alert_percent" yaml:"memory_alert_percent"`
	ErrorRateAlert      float64 `json:"error_rate_alert" yaml:"error_rate_alert"`
	ResponseTimeAlertMs int     `json:"response_time_alert_ms" yaml:"response_time_alert_ms"`
	QueueDepthAlert     int     `json:"queue_depth_alert" yaml:"queue_depth_alert"`
}

// CheckInterval returns the probe period as a duration.
func (h HealthConfig) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe budget as a duration.
func (h HealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// HistoryWindow returns the sample retention window as a duration.
func (h HealthConfig) HistoryWindow() time.Duration {
	return time.Duration(h.HistoryMinutes) * time.Minute
}

// Load-balancing strategy names accepted by BalancerConfig.Strategy.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastBusy          = "least_busy"
	StrategySticky             = "sticky"
)

// BalancerConfig selects and tunes the load-balancing strategy.
type BalancerConfig struct {
	Strategy             string `json:"strategy" yaml:"strategy"`
	StickyTimeoutMinutes int    `json:"sticky_timeout_minutes" yaml:"sticky_timeout_minutes"`
}

// StickyTimeout returns the affinity entry lifetime as a duration.
func (b BalancerConfig) StickyTimeout() time.Duration {
	return time.Duration(b.StickyTimeoutMinutes) * time.Minute
}

// HTTPPoolConfig configures outbound HTTP client pools.
type HTTPPoolConfig struct {
	MaxConnections               int               `json:"max_connections" yaml:"max_connections"`
	RequestTimeoutSeconds        int               `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	AcquireTimeoutSeconds        int               `json:"acquire_timeout_seconds" yaml:"acquire_timeout_seconds"`
	MaxRetries                   int               `json:"max_retries" yaml:"max_retries"`
	CircuitBreakerThreshold      int               `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutSeconds int               `json:"circuit_breaker_timeout_seconds" yaml:"circuit_breaker_timeout_seconds"`
	EnableCompression            bool              `json:"enable_compression" yaml:"enable_compression"`
	DefaultHeaders               map[string]string `json:"default_headers" yaml:"default_headers"`
	EnableAutoPoolCreation       bool              `json:"enable_auto_pool_creation" yaml:"enable_auto_pool_creation"`
}

// RequestTimeout returns the outbound request budget as a duration.
func (p HTTPPoolConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

// AcquireTimeout returns the handle-acquisition budget as a duration.
func (p HTTPPoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(p.AcquireTimeoutSeconds) * time.Second
}

// CircuitBreakerTimeout returns the open-state hold as a duration.
func (p HTTPPoolConfig) CircuitBreakerTimeout() time.Duration {
	return time.Duration(p.CircuitBreakerTimeoutSeconds) * time.Second
}

// MetricsConfig configures snapshot collection and publication.
type MetricsConfig struct {
	CollectIntervalSeconds int    `json:"collect_interval_seconds" yaml:"collect_interval_seconds"`
	Namespace              string `json:"namespace" yaml:"namespace"`
}

// CollectInterval returns the snapshot period as a duration.
func (m MetricsConfig) CollectInterval() time.Duration {
	return time.Duration(m.CollectIntervalSeconds) * time.Second
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string `json:"level" yaml:"level"`
}

// RedisConfig configures the optional Redis broadcast sink.
type RedisConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Addr             string `json:"addr" yaml:"addr"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	MetricsChannel   string `json:"metrics_channel" yaml:"metrics_channel"`
	EventsChannel    string `json:"events_channel" yaml:"events_channel"`
	PublishTimeoutMs int    `json:"publish_timeout_ms" yaml:"publish_timeout_ms"`
}

// PublishTimeout returns the per-publish budget as a duration.
func (r RedisConfig) PublishTimeout() time.Duration {
	return time.Duration(r.PublishTimeoutMs) * time.Millisecond
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" yaml:"environment"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Enabled                bool   `json:"enabled" yaml:"enabled"`
	Addr                   string `json:"addr" yaml:"addr"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// ReadTimeout returns the server read budget as a duration.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the server write budget as a duration.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful stop budget as a duration.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// Option defines a functional option for configuration.
type Option func(*Config) error

// Default returns the configuration with every field at its default value.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxQueueSize:       10000,
			DequeueTimeoutMs:   1000,
			MaxRetries:         3,
			MaxEventAgeMinutes: 30,
			DeadLetterEnabled:  true,
			DeadLetterMaxSize:  1000,
		},
		Instances: InstanceConfig{
			MinInstances:           2,
			MaxInstances:           8,
			DefaultInstances:       4,
			StartupTimeoutSeconds:  60,
			ShutdownTimeoutSeconds: 30,
			DefaultWeight:          1,
		},
		Autoscaler: AutoscalerConfig{
			Enabled:                   true,
			PolicyType:                PolicyTargetTracking,
			TargetCPUPercent:          70,
			TargetMemoryPercent:       75,
			TargetQueueDepth:          500,
			TargetResponseTimeMs:      1000,
			MaxScaleOutStep:           2,
			MaxScaleInStep:            1,
			ScaleUpCooldownSeconds:    60,
			ScaleDownCooldownSeconds:  300,
			EvaluationIntervalSeconds: 30,
		},
		Health: HealthConfig{
			CheckIntervalSeconds: 30,
			TimeoutSeconds:       10,
			HistoryMinutes:       30,
			FailureThreshold:     3,
			SuccessThreshold:     2,
			CPUAlertPercent:      85,
			MemoryAlertPercent:   90,
			ErrorRateAlert:       0.10,
			ResponseTimeAlertMs:  2000,
			QueueDepthAlert:      5000,
		},
		Balancer: BalancerConfig{
			Strategy:             StrategyRoundRobin,
			StickyTimeoutMinutes: 30,
		},
		HTTPPool: HTTPPoolConfig{
			MaxConnections:               10,
			RequestTimeoutSeconds:        30,
			AcquireTimeoutSeconds:        5,
			MaxRetries:                   3,
			CircuitBreakerThreshold:      5,
			CircuitBreakerTimeoutSeconds: 30,
			EnableCompression:            true,
			EnableAutoPoolCreation:       false,
		},
		Metrics: MetricsConfig{
			CollectIntervalSeconds: 10,
			Namespace:              "watchtower",
		},
		Logger: LoggerConfig{
			Level: "info",
		},
		Redis: RedisConfig{
			Enabled:          false,
			Addr:             "localhost:6379",
			MetricsChannel:   "watchtower:metrics",
			EventsChannel:    "watchtower:events",
			PublishTimeoutMs: 500,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "watchtower",
			ServiceVersion: "dev",
			Environment:    "development",
			Endpoint:       "localhost:4318",
			SampleRate:     1.0,
		},
		Server: ServerConfig{
			Enabled:                true,
			Addr:                   ":8085",
			ReadTimeoutSeconds:     15,
			WriteTimeoutSeconds:    15,
			ShutdownTimeoutSeconds: 10,
		},
	}
}

// New creates a new configuration with the given options applied on top of
// the defaults and validates the result.
func New(opts ...Option) (*Config, error) {
	cfg := Default()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// BuildLogger returns the configured logger instance, constructing a
// standard logger from the Logger section when none was injected.
func (c *Config) BuildLogger() logger.Logger {
	if c.LoggerInstance != nil {
		return c.LoggerInstance
	}
	return logger.NewWithLevel(logger.ParseLevel(c.Logger.Level))
}
