package config

import (
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/logger"
)

// WithQueueSize sets the maximum queue size.
func WithQueueSize(size int) Option {
	return func(c *Config) error {
		c.Queue.MaxQueueSize = size
		return nil
	}
}

// WithMaxRetries sets the processing retry budget.
func WithMaxRetries(retries int) Option {
	return func(c *Config) error {
		c.Queue.MaxRetries = retries
		return nil
	}
}

// WithMaxEventAge sets the queue age limit in minutes.
func WithMaxEventAge(minutes int) Option {
	return func(c *Config) error {
		c.Queue.MaxEventAgeMinutes = minutes
		return nil
	}
}

// WithInstanceLimits sets the instance pool bounds.
func WithInstanceLimits(min, max, def int) Option {
	return func(c *Config) error {
		c.Instances.MinInstances = min
		c.Instances.MaxInstances = max
		c.Instances.DefaultInstances = def
		return nil
	}
}

// WithScalingPolicy selects the autoscaler policy.
func WithScalingPolicy(policy string) Option {
	return func(c *Config) error {
		switch policy {
		case PolicyTargetTracking, PolicyStepScaling, PolicyPredictive:
			c.Autoscaler.PolicyType = policy
			return nil
		default:
			return errors.Newf(errors.ErrInvalidConfig, "unknown scaling policy %q", policy)
		}
	}
}

// WithAutoscalerDisabled turns the autoscaler loop off.
func WithAutoscalerDisabled() Option {
	return func(c *Config) error {
		c.Autoscaler.Enabled = false
		return nil
	}
}

// WithBalancerStrategy selects the load-balancing strategy.
func WithBalancerStrategy(strategy string) Option {
	return func(c *Config) error {
		switch strategy {
		case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastBusy, StrategySticky:
			c.Balancer.Strategy = strategy
			return nil
		default:
			return errors.Newf(errors.ErrInvalidConfig, "unknown balancer strategy %q", strategy)
		}
	}
}

// WithLogger sets the logger instance used by every component.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) error {
		c.LoggerInstance = l
		return nil
	}
}

// WithLogLevel sets the level for the built-in logger.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logger.Level = level
		return nil
	}
}

// WithRedis enables the Redis broadcast sink.
func WithRedis(addr, password string, db int) Option {
	return func(c *Config) error {
		c.Redis.Enabled = true
		c.Redis.Addr = addr
		c.Redis.Password = password
		c.Redis.DB = db
		return nil
	}
}

// WithTelemetry enables OpenTelemetry export to the given OTLP endpoint.
func WithTelemetry(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithServerAddr sets the ops HTTP listen address.
func WithServerAddr(addr string) Option {
	return func(c *Config) error {
		c.Server.Addr = addr
		return nil
	}
}

// WithServerDisabled turns the ops HTTP server off.
func WithServerDisabled() Option {
	return func(c *Config) error {
		c.Server.Enabled = false
		return nil
	}
}

// WithEvaluationInterval sets the autoscaler evaluation period in seconds.
func WithEvaluationInterval(seconds int) Option {
	return func(c *Config) error {
		c.Autoscaler.EvaluationIntervalSeconds = seconds
		return nil
	}
}

// WithHealthEndpoint sets the probe URL template for instances.
func WithHealthEndpoint(urlTemplate string) Option {
	return func(c *Config) error {
		c.Instances.HealthEndpoint = urlTemplate
		return nil
	}
}
