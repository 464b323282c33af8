package coordinator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/ringshard/internal/metrics"
	"github.com/dreamware/ringshard/internal/ringlog"
	"github.com/dreamware/ringshard/internal/shard"
	"github.com/dreamware/ringshard/internal/storage"
)

// DefaultProbeTimeout bounds a single connectivity probe.
const DefaultProbeTimeout = 2 * time.Second

// System status values reported by ShardRouter.Status.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// ConnectionProvider hands out shard store handles. shard.Pool implements it.
type ConnectionProvider interface {
	Connect(ctx context.Context, id, connString string) (*shard.Shard, error)
	Release(id string) error
	Open(id string) (storage.Store, error)
	OpenForKey(key string) (storage.Store, error)
	ListAll(ctx context.Context) []*shard.Shard
	CanConnect(ctx context.Context, store storage.Store) bool
}

// ShardStatus is a descriptor snapshot merged with a live probe result.
type ShardStatus struct {
	ShardDescriptor
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// ShardStats is the record count of one shard.
type ShardStats struct {
	ID      string `json:"id"`
	Records int    `json:"records"`
	Bytes   int    `json:"bytes"`
	Error   string `json:"error,omitempty"`
}

// ShardRouter answers which shard owns a key and whether shards are usable.
//
// ShardFor never checks health: write paths combine it with IsHealthy, while
// fan-out reads query every shard and tolerate individual failures.
type ShardRouter struct {
	registry     *ShardRegistry
	provider     ConnectionProvider
	probeTimeout time.Duration
	metrics      *metrics.Metrics
}

// NewShardRouter creates a router. A non-positive probeTimeout selects
// DefaultProbeTimeout; a nil m records nothing.
func NewShardRouter(registry *ShardRegistry, provider ConnectionProvider, probeTimeout time.Duration, m *metrics.Metrics) *ShardRouter {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &ShardRouter{
		registry:     registry,
		provider:     provider,
		probeTimeout: probeTimeout,
		metrics:      m,
	}
}

// ShardFor returns the id of the shard owning key.
// It fails with hashring.ErrNoShardsAvailable on an empty ring.
func (r *ShardRouter) ShardFor(key string) (string, error) {
	return r.registry.Ring().Resolve(key)
}

// StoreFor returns the owning shard id and its store.
func (r *ShardRouter) StoreFor(key string) (string, storage.Store, error) {
	id, err := r.ShardFor(key)
	if err != nil {
		return "", nil, err
	}
	store, err := r.provider.Open(id)
	if err != nil {
		return id, nil, &ConnectivityError{ShardID: id, Err: err}
	}
	return id, store, nil
}

// Probe checks connectivity to the shard now. Results are never cached.
func (r *ShardRouter) Probe(ctx context.Context, id string) error {
	if _, err := r.registry.Get(id); err != nil {
		return err
	}
	store, err := r.provider.Open(id)
	if err != nil {
		r.metrics.ProbeFailed(id)
		return &ConnectivityError{ShardID: id, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	if !r.provider.CanConnect(ctx, store) {
		cause := ctx.Err()
		if cause == nil {
			cause = errors.New("store did not answer ping")
		}
		r.metrics.ProbeFailed(id)
		return &ConnectivityError{ShardID: id, Err: cause}
	}
	return nil
}

// IsHealthy reports whether a live probe of the shard succeeds.
func (r *ShardRouter) IsHealthy(ctx context.Context, id string) bool {
	return r.Probe(ctx, id) == nil
}

// AllShards returns every registered shard with a fresh probe result.
//
// Probes run concurrently, each under its own timeout. A failed probe marks
// only that entry unhealthy; the call itself never fails.
func (r *ShardRouter) AllShards(ctx context.Context) []ShardStatus {
	descs := r.registry.All()
	out := make([]ShardStatus, len(descs))

	var g errgroup.Group
	for i, d := range descs {
		out[i].ShardDescriptor = d
		g.Go(func() error {
			if err := r.Probe(ctx, d.ID); err != nil {
				out[i].Error = err.Error()
				r.metrics.ShardHealthy(d.ID, false)
				return nil
			}
			out[i].Healthy = true
			r.metrics.ShardHealthy(d.ID, true)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Stats collects record counts from every registered shard concurrently.
// Shards that fail report an error entry; the others are unaffected.
func (r *ShardRouter) Stats(ctx context.Context) []ShardStats {
	descs := r.registry.All()
	out := make([]ShardStats, len(descs))

	var g errgroup.Group
	for i, d := range descs {
		out[i].ID = d.ID
		g.Go(func() error {
			stats, err := r.shardStats(ctx, d.ID)
			if err != nil {
				out[i].Error = err.Error()
				ringlog.Zero.Warn().Err(err).Str("shard", d.ID).Msg("stats collection failed")
				return nil
			}
			out[i].Records = stats.Keys
			out[i].Bytes = stats.Bytes
			r.metrics.ShardRecords(d.ID, stats.Keys)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *ShardRouter) shardStats(ctx context.Context, id string) (storage.StoreStats, error) {
	store, err := r.provider.Open(id)
	if err != nil {
		return storage.StoreStats{}, &ConnectivityError{ShardID: id, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	return store.Stats(ctx)
}

// Status summarizes AllShards: ok when every shard is healthy, degraded when
// some are, down when none is.
func (r *ShardRouter) Status(ctx context.Context) (string, []ShardStatus) {
	shards := r.AllShards(ctx)
	healthy := 0
	for _, s := range shards {
		if s.Healthy {
			healthy++
		}
	}
	switch {
	case len(shards) > 0 && healthy == len(shards):
		return StatusOK, shards
	case healthy > 0:
		return StatusDegraded, shards
	default:
		return StatusDown, shards
	}
}
