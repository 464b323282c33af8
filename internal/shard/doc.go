// Package shard provides the handles the coordinator uses to reach shard
// stores, and the pool that owns them.
//
// # Overview
//
// A shard is an independent store holding the records the hash ring assigns
// to it. The coordinator never dials stores itself; it asks a Pool, which
// keeps one open handle per shard id and answers the connection provider
// questions the router and the migrator ask:
//
//   - Open(id): the store for a shard id
//   - OpenForKey(key): the store of the shard currently owning key
//   - ListAll(ctx): every reachable shard, unreachable ones skipped
//   - CanConnect(ctx, store): a live connectivity probe
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│               POOL                  │
//	│  id → *Shard                        │
//	│  Resolver (hash ring) for keys      │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│              SHARD                  │
//	│  - ID and connection string         │
//	│  - Operation counters (atomic)      │
//	│  - storage.Store backend            │
//	└─────────────────────────────────────┘
//
// A Shard implements storage.Store itself, so everything that goes through a
// pool handle, including migration scans and transactional scopes, shows up
// in its operation counters.
//
// # Connection Strings
//
//	memory://orders-0              in-process store, lost on restart
//	postgres://user@host/orders_0  PostgreSQL through pgstore
//
// Dial is the default Dialer. Tests substitute their own to inject failing
// stores.
//
// # Concurrency Model
//
// The pool map is guarded by an RWMutex that is never held during store
// I/O: Connect dials before taking the write lock and ListAll probes each
// shard after releasing the read lock. Counters use go.uber.org/atomic and
// need no locking.
package shard
