package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/ringshard/internal/config"
	"github.com/dreamware/ringshard/internal/hashring"
	"github.com/dreamware/ringshard/internal/metrics"
	"github.com/dreamware/ringshard/internal/rebalance"
	"github.com/dreamware/ringshard/internal/ringlog"
)

// PairResult is the outcome of migrating one source shard into the target.
type PairResult struct {
	Source   string          `json:"source"`
	State    rebalance.State `json:"state"`
	Hints    int             `json:"hints"`
	Records  int             `json:"records"`
	Duration time.Duration   `json:"duration"`
	Error    string          `json:"error,omitempty"`
}

// RebalanceReport describes a completed AddShard or Reconcile call.
type RebalanceReport struct {
	ShardID string       `json:"shard_id"`
	Weight  int          `json:"weight"`
	Moved   int          `json:"moved_sample_keys"`
	Pairs   []PairResult `json:"pairs"`
}

// Records returns the total number of records moved by committed pairs.
func (r *RebalanceReport) Records() int {
	n := 0
	for _, p := range r.Pairs {
		if p.State == rebalance.StateCommitted {
			n += p.Records
		}
	}
	return n
}

// Coordinator ties the registry, router, planner and migrator together.
type Coordinator struct {
	cfg      *config.Config
	registry *ShardRegistry
	router   *ShardRouter
	planner  *rebalance.Planner
	migrator *rebalance.Migrator
	pool     ConnectionProvider
	metrics  *metrics.Metrics

	// addMu serializes membership changes so plans are computed against the
	// ring they are applied to.
	addMu sync.Mutex
}

// NewRing builds an empty ring with the configured hash function and
// virtual node density.
func NewRing(cfg *config.Config) (*hashring.Ring, error) {
	hash, err := hashring.ParseHashFunc(cfg.HashFunction)
	if err != nil {
		return nil, err
	}
	return hashring.NewRing(cfg.VirtualNodesPerWeight, hash), nil
}

// New creates a coordinator over ring and connects the configured shards.
//
// ring must be empty and must be the ring pool resolves keys against. Every
// configured shard is dialled and initialized before it is registered; the
// first failure aborts startup and releases the shards connected so far.
func New(ctx context.Context, cfg *config.Config, ring *hashring.Ring, pool ConnectionProvider, m *metrics.Metrics) (*Coordinator, error) {
	if m == nil {
		m = metrics.Nop()
	}
	registry := NewShardRegistry(ring)
	c := &Coordinator{
		cfg:      cfg,
		registry: registry,
		router:   NewShardRouter(registry, pool, cfg.HealthCheckTimeout, m),
		planner:  rebalance.NewPlanner(ring, cfg.SampleSize),
		pool:     pool,
		metrics:  m,
	}
	c.migrator = rebalance.NewMigrator(pool, c.selector(ring), m)

	for _, desc := range InitialDescriptors(cfg.Shards) {
		if err := c.attach(ctx, desc); err != nil {
			for _, d := range registry.All() {
				_ = pool.Release(d.ID)
			}
			return nil, err
		}
	}
	m.RingVirtualNodes(ring.Len())

	ringlog.Zero.Info().
		Int("shards", registry.Len()).
		Int("virtual_nodes", ring.Len()).
		Str("hash", cfg.HashFunction).
		Msg("coordinator ready")
	return c, nil
}

func (c *Coordinator) selector(ring *hashring.Ring) rebalance.Selector {
	if c.cfg.MigrationSelection == config.SelectionOwnership {
		return &rebalance.OwnershipSelector{Ring: ring}
	}
	return rebalance.NewProximitySelector(ring.Hash, c.cfg.ProximityThreshold, c.planner.SampleSize())
}

// attach connects, initializes and registers one shard. The shard is
// released again if any step fails.
func (c *Coordinator) attach(ctx context.Context, desc ShardDescriptor) error {
	sh, err := c.pool.Connect(ctx, desc.ID, desc.ConnString)
	if err != nil {
		return &ConnectivityError{ShardID: desc.ID, Err: err}
	}
	if err := sh.Init(ctx); err != nil {
		_ = c.pool.Release(desc.ID)
		return fmt.Errorf("init shard %s: %w", desc.ID, err)
	}
	if err := c.registry.Register(desc); err != nil {
		_ = c.pool.Release(desc.ID)
		return err
	}
	ringlog.Zero.Info().Str("shard", desc.ID).Int("weight", desc.Weight).Msg("shard registered")
	return nil
}

// Registry returns the membership registry, the only writer of the ring.
func (c *Coordinator) Registry() *ShardRegistry { return c.registry }

// Router returns the key router built over the registry.
func (c *Coordinator) Router() *ShardRouter { return c.router }

// Planner returns the planner used by AddShard, Reconcile and Plan.
func (c *Coordinator) Planner() *rebalance.Planner { return c.planner }

// Migrator returns the migrator that moves records between shards.
func (c *Coordinator) Migrator() *rebalance.Migrator { return c.migrator }

// Metrics returns the collectors the coordinator records into. It is never
// nil.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }

// Provider returns the connection provider shards are opened through.
func (c *Coordinator) Provider() ConnectionProvider { return c.pool }

// Plan returns the dry-run plan for adding a shard of weight. Nothing is
// connected or registered.
func (c *Coordinator) Plan(weight int) (*rebalance.Plan, error) {
	if weight == 0 {
		weight = hashring.DefaultWeight
	}
	return c.planner.PlanFor("shard_"+uuid.NewString(), weight)
}

// AddShard brings a new shard online and moves the affected records to it.
//
// The plan is computed against the ring before the shard is placed. The
// shard is live for routing as soon as it is registered; migrations run
// afterwards, at most MaxConcurrentMigrations at a time and each under
// MigrationTimeout. Failed pairs are reported in the returned report and
// joined into the error, but the shard stays registered.
func (c *Coordinator) AddShard(ctx context.Context, connString string, weight int) (*RebalanceReport, error) {
	if weight == 0 {
		weight = hashring.DefaultWeight
	}
	if weight < 0 {
		return nil, ErrInvalidWeight
	}

	c.addMu.Lock()
	defer c.addMu.Unlock()

	id := "shard_" + uuid.NewString()
	plan, err := c.planner.PlanFor(id, weight)
	if err != nil {
		return nil, err
	}

	desc := ShardDescriptor{ID: id, Weight: weight, Active: true, ConnString: connString}
	if err := c.attach(ctx, desc); err != nil {
		return nil, err
	}
	c.metrics.RingVirtualNodes(c.registry.Ring().Len())

	return c.rebalance(ctx, plan)
}

// Reconcile reruns the migrations for a shard that is already registered,
// e.g. after AddShard reported failed pairs.
func (c *Coordinator) Reconcile(ctx context.Context, id string) (*RebalanceReport, error) {
	c.addMu.Lock()
	defer c.addMu.Unlock()

	if _, err := c.registry.Get(id); err != nil {
		return nil, err
	}
	plan, err := c.planner.PlanExisting(id)
	if err != nil {
		return nil, err
	}
	return c.rebalance(ctx, plan)
}

func (c *Coordinator) rebalance(ctx context.Context, plan *rebalance.Plan) (*RebalanceReport, error) {
	sources := plan.SourceIDs()
	report := &RebalanceReport{
		ShardID: plan.Target,
		Weight:  plan.Weight,
		Moved:   plan.Moved(),
		Pairs:   make([]PairResult, len(sources)),
	}

	ringlog.Zero.Info().
		Str("target", plan.Target).
		Int("sources", len(sources)).
		Int("moved", report.Moved).
		Int("sample", plan.SampleSize).
		Msg("rebalance planned")

	participants := append([]string{plan.Target}, sources...)
	for _, id := range participants {
		_ = c.registry.MarkRebalancing(id, true)
	}
	defer func() {
		for _, id := range participants {
			_ = c.registry.MarkRebalancing(id, false)
		}
	}()

	errs := make([]error, len(sources))
	var g errgroup.Group
	if c.cfg.MaxConcurrentMigrations > 0 {
		g.SetLimit(c.cfg.MaxConcurrentMigrations)
	}
	for i, source := range sources {
		g.Go(func() error {
			errs[i] = c.migratePair(ctx, source, plan, &report.Pairs[i])
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		ringlog.Zero.Error().Err(err).Str("target", plan.Target).Msg("rebalance finished with failures")
	} else {
		ringlog.Zero.Info().
			Str("target", plan.Target).
			Int("records", report.Records()).
			Msg("rebalance finished")
	}
	return report, err
}

func (c *Coordinator) migratePair(ctx context.Context, source string, plan *rebalance.Plan, res *PairResult) error {
	hints := plan.Sources[source]
	res.Source = source
	res.Hints = len(hints)

	if c.cfg.MigrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.MigrationTimeout)
		defer cancel()
	}

	start := time.Now()
	mig, err := c.migrator.Migrate(ctx, source, plan.Target, hints)
	res.Duration = time.Since(start)
	if mig != nil {
		res.State = mig.State
		res.Records = mig.Copied
	}
	if err != nil {
		res.State = rebalance.StateRolledBack
		res.Error = err.Error()
		return fmt.Errorf("migrate %s -> %s: %w", source, plan.Target, err)
	}
	return nil
}
