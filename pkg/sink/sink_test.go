package sink

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/logger"
	"github.com/kart-io/watchtower/pkg/metrics"
	"github.com/kart-io/watchtower/pkg/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func capturedLogger() (logger.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logger.NewStandardLogger(log.New(&buf, "", 0), logger.Debug, ""), &buf
}

func TestLogSinkPublishDigest(t *testing.T) {
	lg, buf := capturedLogger()
	s := NewLogSink(lg)

	snap := &metrics.Snapshot{
		Timestamp: time.Now(),
		Queue:     queue.Metrics{CurrentSize: 7, UtilizationPercent: 70},
	}
	require.NoError(t, s.Publish(context.Background(), snap))
	assert.Contains(t, buf.String(), "Metrics snapshot")
	assert.Contains(t, buf.String(), "queueSize=7")
}

func TestLogSinkBroadcast(t *testing.T) {
	lg, buf := capturedLogger()
	s := NewLogSink(lg)

	ev := Event{Kind: KindScalingDecision, Timestamp: time.Now(), Payload: "scale_up x1"}
	require.NoError(t, s.Broadcast(context.Background(), ev))
	assert.Contains(t, buf.String(), "kind=scaling_decision")
}

func TestLogSinkNilLogger(t *testing.T) {
	s := NewLogSink(nil)
	require.NoError(t, s.Publish(context.Background(), &metrics.Snapshot{}))
	require.NoError(t, s.Broadcast(context.Background(), Event{Kind: KindQueuePressure}))
}

func TestRedisSinkRejectsUnreachableServer(t *testing.T) {
	cfg := config.Default().Redis
	cfg.Addr = "127.0.0.1:1"
	cfg.PublishTimeoutMs = 100

	_, err := NewRedisSink(cfg, logger.Discard)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInternal))
}

func TestRedisSinkPublishFailsOpen(t *testing.T) {
	cfg := config.Default().Redis
	cfg.Addr = "127.0.0.1:1"
	cfg.PublishTimeoutMs = 100

	lg, buf := capturedLogger()
	s := &RedisSink{
		cfg:    cfg,
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		logger: lg,
	}
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Publish(context.Background(), &metrics.Snapshot{Timestamp: time.Now()}))
	assert.Contains(t, buf.String(), "Redis publish failed")
	assert.Contains(t, buf.String(), cfg.MetricsChannel)

	buf.Reset()
	require.NoError(t, s.Broadcast(context.Background(), Event{Kind: KindDeadLetter, Timestamp: time.Now()}))
	assert.Contains(t, buf.String(), cfg.EventsChannel)
}

func TestRedisSinkRespectsCancelledContext(t *testing.T) {
	cfg := config.Default().Redis
	cfg.Addr = "127.0.0.1:1"
	cfg.PublishTimeoutMs = 100

	lg, buf := capturedLogger()
	s := &RedisSink{
		cfg:    cfg,
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		logger: lg,
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// No retries run against a dead context, but the call still fails open.
	require.NoError(t, s.Publish(ctx, &metrics.Snapshot{}))
	assert.Contains(t, buf.String(), "Redis publish failed")
}
