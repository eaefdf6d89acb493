package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go"
	"github.com/redis/go-redis/v9"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/logger"
	"github.com/kart-io/watchtower/pkg/metrics"
)

const (
	// publishAttempts bounds retries for one Redis publish.
	publishAttempts = 3

	// publishRetryDelay is the base backoff between attempts.
	publishRetryDelay = 50 * time.Millisecond
)

// RedisSink publishes snapshots and broadcast events to Redis pub/sub
// channels. Delivery is best-effort: each publish retries a bounded number
// of times under a short per-attempt timeout and a persistent failure is
// logged, not returned, so a Redis outage never stalls the collector tick.
type RedisSink struct {
	cfg    config.RedisConfig
	client *redis.Client
	logger logger.Logger
}

// NewRedisSink connects to the configured Redis server. The connection is
// verified with a ping so a bad address surfaces at construction rather
// than on the first tick.
func NewRedisSink(cfg config.RedisConfig, log logger.Logger) (*RedisSink, error) {
	if log == nil {
		log = logger.Discard
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PublishTimeout())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, errors.ErrInternal, "redis ping %s failed", cfg.Addr).
			WithComponent("sink")
	}

	log.Info("Redis sink connected",
		"addr", cfg.Addr, "db", cfg.DB,
		"metricsChannel", cfg.MetricsChannel, "eventsChannel", cfg.EventsChannel)
	return &RedisSink{cfg: cfg, client: client, logger: log}, nil
}

// Publish pushes one snapshot to the metrics channel.
func (s *RedisSink) Publish(ctx context.Context, snap *metrics.Snapshot) error {
	return s.publish(ctx, s.cfg.MetricsChannel, snap)
}

// Broadcast pushes one runtime event to the events channel.
func (s *RedisSink) Broadcast(ctx context.Context, ev Event) error {
	return s.publish(ctx, s.cfg.EventsChannel, ev)
}

func (s *RedisSink) publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		// Nothing deliverable; this is a caller bug, not an outage.
		return errors.Wrap(err, errors.ErrInternal, "marshal sink payload").WithComponent("sink")
	}

	err = retry.Do(
		func() error {
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout())
			defer cancel()
			return s.client.Publish(pctx, channel, data).Err()
		},
		retry.Attempts(publishAttempts),
		retry.Delay(publishRetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		s.logger.Warn("Redis publish failed", "channel", channel, "error", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
