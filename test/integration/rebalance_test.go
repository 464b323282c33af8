package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/dreamware/ringshard/internal/config"
	"github.com/dreamware/ringshard/internal/coordinator"
	"github.com/dreamware/ringshard/internal/rebalance"
	"github.com/dreamware/ringshard/internal/shard"
	"github.com/dreamware/ringshard/internal/storage"
)

// TestSystem is an in-process cluster over memory stores.
type TestSystem struct {
	t     *testing.T
	coord *coordinator.Coordinator
	pool  *shard.Pool
}

// NewTestSystem starts a coordinator over n memory shards.
func NewTestSystem(t *testing.T, selection string, n int) *TestSystem {
	t.Helper()
	cfg := config.Default()
	cfg.SampleSize = 5000
	cfg.MigrationSelection = selection
	for i := 0; i < n; i++ {
		cfg.Shards = append(cfg.Shards, fmt.Sprintf("memory://node-%d", i))
	}

	ring, err := coordinator.NewRing(cfg)
	require.NoError(t, err)
	pool := shard.NewPool(shard.Dial, ring)
	t.Cleanup(func() { _ = pool.Close() })

	c, err := coordinator.New(context.Background(), cfg, ring, pool, nil)
	require.NoError(t, err)
	return &TestSystem{t: t, coord: c, pool: pool}
}

// Load writes n records through the router.
func (ts *TestSystem) Load(n int) []string {
	ts.t.Helper()
	ctx := context.Background()
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("customer:%05d", i)
		_, store, err := ts.coord.Router().StoreFor(keys[i])
		require.NoError(ts.t, err)
		require.NoError(ts.t, store.Insert(ctx, storage.Record{Key: keys[i], Value: []byte(keys[i])}))
	}
	return keys
}

// Locations maps every stored key to the shards holding it.
func (ts *TestSystem) Locations() map[string][]string {
	ts.t.Helper()
	out := make(map[string][]string)
	for _, sh := range ts.pool.ListAll(context.Background()) {
		records, err := sh.ScanAll(context.Background())
		require.NoError(ts.t, err)
		for _, r := range records {
			out[r.Key] = append(out[r.Key], sh.ID)
		}
	}
	return out
}

func TestGrowClusterOwnership(t *testing.T) {
	ts := NewTestSystem(t, config.SelectionOwnership, 3)
	keys := ts.Load(3000)
	ctx := context.Background()

	for step := 0; step < 2; step++ {
		report, err := ts.coord.AddShard(ctx, fmt.Sprintf("memory://grown-%d", step), 100)
		require.NoError(t, err)
		assert.NotZero(t, report.Records(), "step %d moved nothing", step)
	}
	require.Equal(t, 5, ts.coord.Registry().Len())

	locations := ts.Locations()
	require.Len(t, locations, len(keys))
	perShard := make(map[string]int)
	for _, key := range keys {
		require.Len(t, locations[key], 1, key)
		owner, err := ts.coord.Router().ShardFor(key)
		require.NoError(t, err)
		assert.Equal(t, owner, locations[key][0], key)
		perShard[owner]++
	}

	// Five equal weights: each shard holds about a fifth.
	for id, n := range perShard {
		assert.InDelta(t, 600, n, 300, "shard %s holds %d", id, n)
	}
}

func TestGrowClusterProximity(t *testing.T) {
	ts := NewTestSystem(t, config.SelectionProximity, 2)
	keys := ts.Load(2000)

	report, err := ts.coord.AddShard(context.Background(), "memory://grown", 100)
	require.NoError(t, err)
	for _, p := range report.Pairs {
		assert.Equal(t, rebalance.StateCommitted, p.State)
	}

	locations := ts.Locations()
	require.Len(t, locations, len(keys), "no record lost")
	for _, key := range keys {
		assert.Len(t, locations[key], 1, "no record duplicated: %s", key)
	}
}

func TestRoutingDuringRebalance(t *testing.T) {
	ts := NewTestSystem(t, config.SelectionOwnership, 3)
	ts.Load(2000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lookups := atomic.NewInt64(0)
	failures := atomic.NewInt64(0)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ctx.Err() == nil; i++ {
				if _, err := ts.coord.Router().ShardFor(fmt.Sprintf("reader-%d-%d", w, i)); err != nil {
					failures.Inc()
				}
				lookups.Inc()
			}
		}(w)
	}

	_, err := ts.coord.AddShard(ctx, "memory://live", 100)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return lookups.Load() > 1000 }, 5*time.Second, time.Millisecond)
	cancel()
	wg.Wait()

	assert.Zero(t, failures.Load(), "lookups never fail while shards join")
	for _, d := range ts.coord.Registry().All() {
		assert.False(t, d.Rebalancing, d.ID)
	}
}

func TestWritesDuringRebalance(t *testing.T) {
	ts := NewTestSystem(t, config.SelectionOwnership, 3)
	keys := ts.Load(2000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type write struct {
		shardID string
		value   string
	}
	const writers = 4
	last := make([]map[string]write, writers)
	writes := atomic.NewInt64(0)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		last[w] = make(map[string]write)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for round := 0; ctx.Err() == nil; round++ {
				for i := w; i < len(keys) && ctx.Err() == nil; i += writers {
					id, store, err := ts.coord.Router().StoreFor(keys[i])
					if err != nil {
						continue
					}
					value := fmt.Sprintf("round-%d", round)
					if err := store.Insert(context.Background(), storage.Record{Key: keys[i], Value: []byte(value)}); err != nil {
						continue
					}
					last[w][keys[i]] = write{shardID: id, value: value}
					writes.Inc()
				}
			}
		}(w)
	}

	report, err := ts.coord.AddShard(context.Background(), "memory://busy", 100)
	require.NoError(t, err)
	target := report.ShardID

	require.Eventually(t, func() bool { return writes.Load() > 4000 }, 5*time.Second, time.Millisecond)
	cancel()
	wg.Wait()

	store, err := ts.pool.Open(target)
	require.NoError(t, err)

	// Once a write lands on the new shard, every later write does too, so
	// the new shard holds the latest value of those keys.
	checked := 0
	for _, m := range last {
		for key, wr := range m {
			if wr.shardID != target {
				continue
			}
			r, err := store.Get(context.Background(), key)
			require.NoError(t, err, key)
			assert.Equal(t, wr.value, string(r.Value), key)
			checked++
		}
	}
	assert.NotZero(t, checked)
}

func TestStatusAfterRebalance(t *testing.T) {
	ts := NewTestSystem(t, config.SelectionOwnership, 2)
	ts.Load(500)

	_, err := ts.coord.AddShard(context.Background(), "memory://third", 100)
	require.NoError(t, err)

	status, shards := ts.coord.Router().Status(context.Background())
	assert.Equal(t, coordinator.StatusOK, status)
	assert.Len(t, shards, 3)

	total := 0
	for _, s := range ts.coord.Router().Stats(context.Background()) {
		assert.Empty(t, s.Error)
		total += s.Records
	}
	assert.Equal(t, 500, total)
}
