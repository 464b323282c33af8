// Package coordinator implements the control plane of ringshard: it owns
// shard membership, routes keys to shards, watches shard health and drives
// online rebalancing when a shard joins.
//
// # Overview
//
// The coordinator is the single authority over which shards exist and with
// what weight. Membership lives in the ShardRegistry, which is also the only
// writer of the hash ring. Everything else reads the ring.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│              COORDINATOR                 │
//	├──────────────────────────────────────────┤
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │   ShardRegistry                    │  │
//	│  │   - id → descriptor                │  │
//	│  │   - weight, active, rebalancing    │  │
//	│  │   - sole writer of the ring        │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │   ShardRouter                      │  │
//	│  │   - key → shard id (ring lookup)   │  │
//	│  │   - live probes, fan-out status    │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │   HealthMonitor                    │  │
//	│  │   - periodic probes                │  │
//	│  │   - consecutive failure threshold  │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │   Coordinator                      │  │
//	│  │   - AddShard / Reconcile           │  │
//	│  │   - bounded parallel migrations    │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	└──────────────────────────────────────────┘
//
// # Key Placement
//
// Keys are placed with consistent hashing over weighted virtual nodes:
//
//	Hash Ring (32-bit space):
//	0                                    2^32
//	|──────────────────────────────────────|
//	 ↑     ↑      ↑       ↑       ↑      ↑
//	 s0    s2     s1      s0      s2     s1
//
//	Key "user:123" → hash(key) → next vnode clockwise → s1
//
// A shard of weight W gets W*VirtualNodesPerWeight/100 virtual nodes, so its
// share of the key space is proportional to W.
//
// # Adding a Shard
//
// AddShard runs in four steps:
//
//  1. Plan: probe keys are resolved against a copy of the ring with and
//     without the new shard. Probes that change owner become migration hints,
//     grouped by their old owner.
//  2. Connect: the new store is dialled and initialized.
//  3. Register: the shard is placed on the ring and receives new writes at
//     once.
//  4. Migrate: each source moves its affected records to the new shard in a
//     pair of transactions, verified before commit.
//
// Failed migrations roll back and are reported; the new shard stays on the
// ring. Reconcile reruns the migrations for a registered shard.
//
// # Health
//
// ShardRouter.IsHealthy and AllShards probe live on every call and never
// change the registry. The HealthMonitor does: a shard is marked inactive
// after MaxFailedChecks consecutive failures and active again after one
// successful probe. Inactive shards keep their ring positions.
//
// # Concurrency
//
//   - Registry reads take a read lock; membership changes take the write lock
//     and publish the ring mutation atomically.
//   - Ring lookups never block on store I/O.
//   - Membership changes through Coordinator are serialized.
//   - Fan-out probes and stats run concurrently, each under its own timeout.
//
// # Usage Example
//
//	cfg, _ := config.Load("ringshard.yaml")
//	ring, _ := coordinator.NewRing(cfg)
//	pool := shard.NewPool(shard.Dial, ring)
//
//	c, err := coordinator.New(ctx, cfg, ring, pool, metrics.New(prometheus.DefaultRegisterer))
//	if err != nil {
//	    return err
//	}
//
//	report, err := c.AddShard(ctx, "postgres://db-3/orders", 100)
//
// # See Also
//
// Related packages:
//   - internal/hashring: ring and hash functions
//   - internal/rebalance: planner, selectors and migrator
//   - internal/shard: store handles and the connection pool
//   - cmd/coordinator: CLI and admin HTTP server
package coordinator
