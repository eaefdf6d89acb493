package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDisabledTelemetryIsNoOp(t *testing.T) {
	tel, err := NewTelemetry(config.Default().Telemetry, logger.Discard)
	require.NoError(t, err)

	ctx, span := tel.TraceOperation(context.Background(), "queue.enqueue")
	assert.NotNil(t, ctx)
	assert.False(t, span.IsRecording())
	span.End()

	// Recording against no-op instruments must not panic.
	tel.RecordProcessed(ctx, "inst-1", 10*time.Millisecond)
	tel.RecordFailed(ctx, "inst-1", 10*time.Millisecond, "timeout")
	tel.RecordDeadLettered(ctx, "max_retries")
	tel.UpdateQueueSize(ctx, 1)
	tel.SetSpanError(span, errors.New(errors.ErrInternal, "boom"))
	tel.SetSpanSuccess(span)

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestEnabledTelemetryBuildsProvider(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.Enabled = true
	// Nothing gets sampled, so Shutdown has no spans to export.
	cfg.SampleRate = 0

	tel, err := NewTelemetry(cfg, logger.Discard)
	require.NoError(t, err)

	ctx, span := tel.TraceSubmit(context.Background(), "ev-1", "auth", "high")
	assert.NotNil(t, ctx)
	assert.False(t, span.IsRecording())
	span.End()

	_, pspan := tel.TraceProcess(ctx, "ev-1", "inst-1")
	pspan.End()

	tel.RecordProcessed(ctx, "inst-1", 25*time.Millisecond)
	tel.UpdateQueueSize(ctx, -1)

	assert.NotNil(t, tel.Tracer())
	assert.NotNil(t, tel.Meter())

	sctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(sctx))
}

func TestSampledSpanRecords(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.Enabled = true
	cfg.SampleRate = 1.0

	tel, err := NewTelemetry(cfg, logger.Discard)
	require.NoError(t, err)

	_, span := tel.TraceOperation(context.Background(), "watchtower.test")
	assert.True(t, span.IsRecording())
	tel.SetSpanSuccess(span)
	span.End()

	// The exporter has a buffered span and no collector to talk to; bound
	// the flush and accept its failure.
	sctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(sctx)
}
