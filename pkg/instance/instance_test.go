package instance

import (
	"sync"
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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRegistry(opts ...RegistryOption) *Registry {
	cfg := config.Default().Instances
	return NewRegistry(cfg, logger.Discard, opts...)
}

func TestRegistryLifecycle(t *testing.T) {
	r := testRegistry()

	inst := r.Create()
	require.NotEmpty(t, inst.ID)
	assert.Equal(t, StatusStarting, inst.Status())
	assert.Equal(t, HealthUnknown, inst.Health())
	assert.Equal(t, 1, inst.Weight)

	require.NoError(t, r.Start(inst.ID))
	assert.Equal(t, StatusRunning, inst.Status())

	require.NoError(t, r.Drain(inst.ID))
	assert.Equal(t, StatusDraining, inst.Status())

	require.NoError(t, r.Stop(inst.ID))
	assert.Equal(t, StatusStopped, inst.Status())

	require.NoError(t, r.Remove(inst.ID))
	assert.Equal(t, 0, r.Count())
	_, ok := r.Get(inst.ID)
	assert.False(t, ok)
}

func TestRegistryTransitionErrors(t *testing.T) {
	r := testRegistry()

	err := r.Start("missing")
	assert.True(t, errors.IsCode(err, errors.ErrInstanceNotFound))

	inst := r.Create()
	require.NoError(t, r.Start(inst.ID))
	// Starting a running instance is a no-op.
	assert.NoError(t, r.Start(inst.ID))

	require.NoError(t, r.Drain(inst.ID))
	err = r.Start(inst.ID)
	assert.True(t, errors.IsCode(err, errors.ErrInstanceDraining))
	// Draining twice is a no-op.
	assert.NoError(t, r.Drain(inst.ID))

	// Removal requires a stopped instance.
	err = r.Remove(inst.ID)
	assert.Error(t, err)

	require.NoError(t, r.Stop(inst.ID))
	err = r.Start(inst.ID)
	assert.Error(t, err)
	assert.NoError(t, r.Remove(inst.ID))
}

func TestRegistryRunningFilter(t *testing.T) {
	r := testRegistry()

	a := r.Create()
	b := r.Create()
	c := r.Create()
	require.NoError(t, r.Start(a.ID))
	require.NoError(t, r.Start(c.ID))

	running := r.Running()
	require.Len(t, running, 2)
	assert.Equal(t, a.ID, running[0].ID)
	assert.Equal(t, c.ID, running[1].ID)

	all := r.List()
	require.Len(t, all, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestRegistryHealthEndpointTemplate(t *testing.T) {
	cfg := config.Default().Instances
	cfg.HealthEndpoint = "http://127.0.0.1:9000/instances/%s/health"
	r := NewRegistry(cfg, logger.Discard)

	inst := r.Create()
	assert.Equal(t, "http://127.0.0.1:9000/instances/"+inst.ID+"/health", inst.HealthEndpoint)
}

func TestRegistryHealthChangeHandlers(t *testing.T) {
	r := testRegistry()
	inst := r.Create()

	var mu sync.Mutex
	var changes []HealthChange
	r.OnHealthChanged(func(ch HealthChange) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	require.NoError(t, r.UpdateHealth(inst.ID, HealthHealthy))
	// Same verdict again must not fire.
	require.NoError(t, r.UpdateHealth(inst.ID, HealthHealthy))
	require.NoError(t, r.UpdateHealth(inst.ID, HealthUnhealthy))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, HealthUnknown, changes[0].From)
	assert.Equal(t, HealthHealthy, changes[0].To)
	assert.Equal(t, HealthHealthy, changes[1].From)
	assert.Equal(t, HealthUnhealthy, changes[1].To)
	assert.Equal(t, inst.ID, changes[0].InstanceID)
}

func TestRegistryHandlerMayCallBack(t *testing.T) {
	// Handlers fire outside the registry mutex, so calling back into the
	// registry from one must not deadlock.
	r := testRegistry()
	inst := r.Create()

	done := make(chan struct{})
	r.OnHealthChanged(func(HealthChange) {
		_, _ = r.Get(inst.ID)
		_ = r.Count()
		close(done)
	})

	require.NoError(t, r.UpdateHealth(inst.ID, HealthDegraded))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not complete")
	}
}

func TestRegistryUpdateMetrics(t *testing.T) {
	r := testRegistry()
	inst := r.Create()

	m := Metrics{
		CPUPercent:      42.5,
		MemoryPercent:   61.0,
		ErrorRate:       0.05,
		AvgResponseTime: 120 * time.Millisecond,
		QueueDepth:      7,
		EventsPerSecond: 3.2,
		Timestamp:       time.Now(),
	}
	require.NoError(t, r.UpdateMetrics(inst.ID, m))

	got := inst.Metrics()
	assert.Equal(t, 42.5, got.CPUPercent)
	assert.Equal(t, 61.0, got.MemoryPercent)
	assert.Equal(t, 0.05, got.ErrorRate)
	assert.Equal(t, 120*time.Millisecond, got.AvgResponseTime)
	assert.Equal(t, 7, got.QueueDepth)
	assert.Equal(t, 3.2, got.EventsPerSecond)

	err := r.UpdateMetrics("missing", m)
	assert.True(t, errors.IsCode(err, errors.ErrInstanceNotFound))
}

func TestInstanceRecordResultWindows(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := testRegistry(WithNowFunc(clock.Now))
	inst := r.Create()

	inst.beginEvent()
	assert.Equal(t, 1, inst.Metrics().QueueDepth)
	inst.recordResult(100*time.Millisecond, true)

	inst.beginEvent()
	inst.recordResult(300*time.Millisecond, false)

	m := inst.Metrics()
	assert.Equal(t, 0, m.QueueDepth)
	assert.Equal(t, 0.5, m.ErrorRate)
	assert.InDelta(t, 2.0/60.0, m.EventsPerSecond, 1e-9)
	assert.Equal(t, int64(1), inst.Processed())

	// Samples older than the window fall out of the derived rates.
	clock.Advance(2 * metricsWindowSpan)
	inst.beginEvent()
	inst.recordResult(50*time.Millisecond, true)

	m = inst.Metrics()
	assert.Equal(t, 0.0, m.ErrorRate)
	assert.InDelta(t, 1.0/60.0, m.EventsPerSecond, 1e-9)
}

func TestInstanceAvailable(t *testing.T) {
	r := testRegistry()
	inst := r.Create()

	assert.False(t, inst.Available())
	require.NoError(t, r.Start(inst.ID))
	assert.False(t, inst.Available())
	require.NoError(t, r.UpdateHealth(inst.ID, HealthHealthy))
	assert.True(t, inst.Available())
	require.NoError(t, r.UpdateHealth(inst.ID, HealthDegraded))
	assert.False(t, inst.Available())
}

func TestStatusAndHealthStrings(t *testing.T) {
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "draining", StatusDraining.String())
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "unknown", Status(99).String())

	assert.Equal(t, "healthy", HealthHealthy.String())
	assert.Equal(t, "degraded", HealthDegraded.String())
	assert.Equal(t, "unhealthy", HealthUnhealthy.String())
	assert.Equal(t, "unknown", HealthUnknown.String())
}
