package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/dreamware/ringshard/internal/hashring"
)

func monitoredRegistry(t *testing.T, ids ...string) *ShardRegistry {
	t.Helper()
	r := NewShardRegistry(hashring.NewRing(10, nil))
	for _, id := range ids {
		require.NoError(t, r.Register(ShardDescriptor{ID: id, Active: true}))
	}
	return r
}

// failing returns a check function that fails for the given ids.
func failing(mu *sync.Mutex, down map[string]bool) func(context.Context, string) error {
	return func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		if down[id] {
			return errors.New("connection refused")
		}
		return nil
	}
}

func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(monitoredRegistry(t), nil, 5*time.Second)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.shards)
	assert.Empty(t, monitor.GetAllShardHealth())

	monitor.SetThresholds(time.Second, 5)
	assert.Equal(t, time.Second, monitor.timeout)
	assert.Equal(t, 5, monitor.maxFailures)

	monitor.SetThresholds(0, -1)
	assert.Equal(t, time.Second, monitor.timeout, "non-positive values keep the setting")
	assert.Equal(t, 5, monitor.maxFailures)
}

func TestHealthMonitorWithoutRouter(t *testing.T) {
	monitor := NewHealthMonitor(monitoredRegistry(t, "shard_0"), nil, time.Hour)
	defer monitor.Stop()
	monitor.SetThresholds(0, 1)

	assert.NotPanics(t, func() { monitor.CheckAll(context.Background()) })
	health := monitor.GetShardHealth("shard_0")
	require.NotNil(t, health)
	assert.Equal(t, HealthUnhealthy, health.Status)
	assert.Equal(t, 1, health.ConsecutiveFails)
}

func TestHealthMonitorStart(t *testing.T) {
	registry := monitoredRegistry(t, "shard_0", "shard_1")
	monitor := NewHealthMonitor(registry, nil, 50*time.Millisecond)

	calls := atomic.NewInt64(0)
	monitor.SetCheckFunction(func(context.Context, string) error {
		calls.Inc()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx)

	assert.Eventually(t, func() bool { return calls.Load() >= 6 }, 2*time.Second, 10*time.Millisecond)
	monitor.Stop()

	assert.True(t, monitor.IsHealthy("shard_0"))
	assert.True(t, monitor.IsHealthy("shard_1"))
}

func TestHealthMonitorStopsOnContext(t *testing.T) {
	monitor := NewHealthMonitor(monitoredRegistry(t, "shard_0"), nil, 10*time.Millisecond)
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after context cancellation")
	}
}

func TestHealthMonitorFailureThreshold(t *testing.T) {
	registry := monitoredRegistry(t, "shard_0", "shard_1")
	monitor := NewHealthMonitor(registry, nil, time.Hour)
	defer monitor.Stop()

	var mu sync.Mutex
	down := map[string]bool{"shard_1": true}
	monitor.SetCheckFunction(failing(&mu, down))

	unhealthy := make(chan string, 1)
	monitor.SetOnUnhealthy(func(id string) { unhealthy <- id })

	ctx := context.Background()
	for i := 1; i < 3; i++ {
		monitor.CheckAll(ctx)
		h := monitor.GetShardHealth("shard_1")
		require.NotNil(t, h)
		assert.Equal(t, i, h.ConsecutiveFails)
		assert.NotEqual(t, HealthUnhealthy, h.Status, "not unhealthy before the threshold")

		d, err := registry.Get("shard_1")
		require.NoError(t, err)
		assert.True(t, d.Active)
	}

	monitor.CheckAll(ctx)
	assert.Equal(t, HealthUnhealthy, monitor.GetShardHealth("shard_1").Status)
	assert.False(t, monitor.IsHealthy("shard_1"))
	assert.True(t, monitor.IsHealthy("shard_0"))

	d, err := registry.Get("shard_1")
	require.NoError(t, err)
	assert.False(t, d.Active)
	assert.False(t, d.LastHealthCheck.IsZero())
	assert.True(t, registry.Ring().Has("shard_1"), "unhealthy shards stay on the ring")

	select {
	case id := <-unhealthy:
		assert.Equal(t, "shard_1", id)
	case <-time.After(time.Second):
		t.Fatal("unhealthy callback not called")
	}

	// Further failures do not fire the callback again.
	monitor.CheckAll(ctx)
	select {
	case id := <-unhealthy:
		t.Fatalf("callback fired twice for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHealthMonitorRecovery(t *testing.T) {
	registry := monitoredRegistry(t, "shard_0")
	monitor := NewHealthMonitor(registry, nil, time.Hour)
	defer monitor.Stop()
	monitor.SetThresholds(0, 1)

	var mu sync.Mutex
	down := map[string]bool{"shard_0": true}
	monitor.SetCheckFunction(failing(&mu, down))

	ctx := context.Background()
	monitor.CheckAll(ctx)
	d, _ := registry.Get("shard_0")
	require.False(t, d.Active)

	mu.Lock()
	down["shard_0"] = false
	mu.Unlock()

	monitor.CheckAll(ctx)
	h := monitor.GetShardHealth("shard_0")
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Zero(t, h.ConsecutiveFails)

	d, _ = registry.Get("shard_0")
	assert.True(t, d.Active)
}

func TestHealthMonitorForgetsDeregistered(t *testing.T) {
	registry := monitoredRegistry(t, "shard_0", "shard_1")
	monitor := NewHealthMonitor(registry, nil, time.Hour)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	ctx := context.Background()
	monitor.CheckAll(ctx)
	assert.Len(t, monitor.GetAllShardHealth(), 2)

	require.NoError(t, registry.Deregister("shard_1"))
	monitor.CheckAll(ctx)

	all := monitor.GetAllShardHealth()
	assert.Len(t, all, 1)
	assert.Contains(t, all, "shard_0")
	assert.Nil(t, monitor.GetShardHealth("shard_1"))
	assert.False(t, monitor.IsHealthy("shard_1"))
}

func TestHealthMonitorReturnsCopies(t *testing.T) {
	monitor := NewHealthMonitor(monitoredRegistry(t, "shard_0"), nil, time.Hour)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })
	monitor.CheckAll(context.Background())

	h := monitor.GetShardHealth("shard_0")
	h.Status = HealthUnhealthy
	assert.True(t, monitor.IsHealthy("shard_0"))

	all := monitor.GetAllShardHealth()
	all["shard_0"].ConsecutiveFails = 99
	assert.Zero(t, monitor.GetShardHealth("shard_0").ConsecutiveFails)
}

func TestHealthMonitorCheckTimeout(t *testing.T) {
	monitor := NewHealthMonitor(monitoredRegistry(t, "shard_0"), nil, time.Hour)
	defer monitor.Stop()
	monitor.SetThresholds(20*time.Millisecond, 1)

	monitor.SetCheckFunction(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	monitor.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, monitor.IsHealthy("shard_0"))
}
