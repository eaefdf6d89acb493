package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kart-io/watchtower/pkg/errors"
)

// LoadFile builds a configuration from defaults, the YAML file at path
// (skipped when path is empty), WATCHTOWER_* environment overrides, and
// finally the given options. The result is validated.
func LoadFile(path string, opts ...Option) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrInvalidConfig, "read config file %s", path)
		}
		// Unmarshal over the defaults: absent keys keep their default value.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, errors.ErrInvalidConfig, "parse config file %s", path)
		}
	}

	cfg.applyEnv()

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

// applyEnv overlays the common operational knobs from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("WATCHTOWER_LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	if v := os.Getenv("WATCHTOWER_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("WATCHTOWER_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxQueueSize = n
		}
	}
	if v := os.Getenv("WATCHTOWER_MIN_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Instances.MinInstances = n
		}
	}
	if v := os.Getenv("WATCHTOWER_MAX_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Instances.MaxInstances = n
		}
	}
	if v := os.Getenv("WATCHTOWER_SCALING_POLICY"); v != "" {
		c.Autoscaler.PolicyType = v
	}
	if v := os.Getenv("WATCHTOWER_BALANCER_STRATEGY"); v != "" {
		c.Balancer.Strategy = v
	}
	if v := os.Getenv("WATCHTOWER_REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v := os.Getenv("WATCHTOWER_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("WATCHTOWER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
}
