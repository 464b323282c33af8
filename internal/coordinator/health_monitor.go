// Package coordinator implements the orchestration layer of ringshard.
// This file implements periodic health monitoring of registered shards.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/ringshard/internal/ringlog"
)

// ErrNoHealthCheck is reported by a monitor created without a router and
// without a check function.
var ErrNoHealthCheck = errors.New("coordinator: no health check configured")

// Health status values.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ShardHealth tracks the health status of a single shard.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type ShardHealth struct {
	LastCheck        time.Time `json:"last_check"`        // Timestamp of the last health check attempt
	LastHealthy      time.Time `json:"last_healthy"`      // Timestamp of the last successful health check
	ShardID          string    `json:"shard_id"`          // Unique identifier of the shard
	Status           string    `json:"status"`            // Current status: "healthy", "unhealthy", "unknown"
	ConsecutiveFails int       `json:"consecutive_fails"` // Number of consecutive failed health checks
}

// HealthMonitor probes every registered shard periodically and records the
// outcome in the registry.
//
// A shard is marked inactive only after maxFailures consecutive failed
// probes; a single successful probe marks it active again. Probes of
// different shards run concurrently and never block each other.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	shards      map[string]*ShardHealth                   // Current health status per shard
	registry    *ShardRegistry                            // Source of shards and sink of results
	checkFunc   func(ctx context.Context, id string) error // Function to perform health check
	onUnhealthy func(shardID string)                      // Callback when shard becomes unhealthy
	ctx         context.Context                           // Context for cancellation
	cancel      context.CancelFunc                        // Cancel function for shutdown
	interval    time.Duration                             // How often to check shard health
	timeout     time.Duration                             // Timeout for a single check
	mu          sync.RWMutex                              // Protects shards map
	wg          sync.WaitGroup                            // Wait group for graceful shutdown
	maxFailures int                                       // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that checks the shards of registry
// every interval using router.Probe.
//
// Defaults: 2 second check timeout, unhealthy after 3 consecutive failures.
// With a nil router every check fails with ErrNoHealthCheck until
// SetCheckFunction is called.
//
// Example:
//
//	monitor := NewHealthMonitor(registry, router, 10*time.Second)
//	go monitor.Start(ctx)
//	defer monitor.Stop()
func NewHealthMonitor(registry *ShardRegistry, router *ShardRouter, interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		shards:      make(map[string]*ShardHealth),
		registry:    registry,
		ctx:         ctx,
		cancel:      cancel,
	}
	if router != nil {
		h.checkFunc = router.Probe
	} else {
		h.checkFunc = func(context.Context, string) error { return ErrNoHealthCheck }
	}
	return h
}

// SetOnUnhealthy sets the callback invoked when a shard becomes unhealthy.
// The callback runs in its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(shardID string)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// SetCheckFunction overrides the probe. It must be called before Start.
//
// Example:
//
//	monitor.SetCheckFunction(func(ctx context.Context, id string) error {
//	    return nil // every shard healthy
//	})
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, id string) error) {
	h.checkFunc = checkFunc
}

// SetThresholds overrides the check timeout and failure threshold.
// Non-positive values keep the current setting. It must be called before Start.
func (h *HealthMonitor) SetThresholds(timeout time.Duration, maxFailures int) {
	if timeout > 0 {
		h.timeout = timeout
	}
	if maxFailures > 0 {
		h.maxFailures = maxFailures
	}
}

// Start runs the monitoring loop in the current goroutine until ctx is
// done or Stop is called. The first round of checks runs immediately.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	ringlog.Zero.Info().Dur("interval", h.interval).Msg("health monitor started")

	h.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			ringlog.Zero.Info().Msg("health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			ringlog.Zero.Info().Msg("health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop shuts down the monitor and waits for the loop to exit.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	ringlog.Zero.Info().Msg("health monitor stopped")
}

// CheckAll runs one round of checks over every registered shard and forgets
// shards that are no longer registered.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	descs := h.registry.All()
	current := make(map[string]bool, len(descs))

	var g errgroup.Group
	for _, d := range descs {
		current[d.ID] = true
		g.Go(func() error {
			h.checkShard(ctx, d.ID)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	for id := range h.shards {
		if !current[id] {
			delete(h.shards, id)
			ringlog.Zero.Info().Str("shard", id).Msg("removed shard from health monitoring")
		}
	}
	h.mu.Unlock()
}

// checkShard probes one shard and updates its record and descriptor.
func (h *HealthMonitor) checkShard(ctx context.Context, id string) {
	h.mu.Lock()
	health, exists := h.shards[id]
	if !exists {
		health = &ShardHealth{
			ShardID:     id,
			Status:      HealthUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.shards[id] = health
	}
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(checkCtx, id)
	cancel()

	h.mu.Lock()
	health.LastCheck = time.Now()

	var markUnhealthy, markHealthy bool
	if err != nil {
		health.ConsecutiveFails++
		ringlog.Zero.Warn().
			Err(err).
			Str("shard", id).
			Int("attempt", health.ConsecutiveFails).
			Int("max", h.maxFailures).
			Msg("health check failed")

		if health.ConsecutiveFails >= h.maxFailures && health.Status != HealthUnhealthy {
			health.Status = HealthUnhealthy
			markUnhealthy = true
		}
	} else {
		if health.Status == HealthUnhealthy {
			ringlog.Zero.Info().Str("shard", id).Msg("shard recovered and is now healthy")
		}
		health.Status = HealthHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = time.Now()
		markHealthy = true
	}
	callback := h.onUnhealthy
	h.mu.Unlock()

	// Registry updates happen outside h.mu; the shard may have been
	// deregistered meanwhile, which is harmless.
	switch {
	case markUnhealthy:
		ringlog.Zero.Error().Str("shard", id).Int("failures", h.maxFailures).Msg("shard marked unhealthy")
		_ = h.registry.SetHealth(id, false)
		if callback != nil {
			go callback(id)
		}
	case markHealthy:
		_ = h.registry.SetHealth(id, true)
	}
}

// GetShardHealth returns a copy of the shard's health record, or nil if the
// shard is not being monitored.
func (h *HealthMonitor) GetShardHealth(id string) *ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.shards[id]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllShardHealth returns copies of every health record keyed by shard id.
func (h *HealthMonitor) GetAllShardHealth() map[string]*ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*ShardHealth, len(h.shards))
	for id, health := range h.shards {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether the last checks found the shard healthy.
// Unmonitored shards are not healthy.
func (h *HealthMonitor) IsHealthy(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.shards[id]
	return exists && health.Status == HealthHealthy
}
