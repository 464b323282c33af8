// Package rebalance plans and executes the data movement that follows adding
// a shard to the ring.
//
// Planning is approximate: the Planner probes a fixed set of synthetic keys
// against the ring with and without the new shard, and records under each
// current owner the probe keys that change hands. Execution is exact with
// respect to stored data: the Migrator scans the source shard and asks a
// Selector which real records belong to the target.
//
// Each (source, target) pair moves through
//
//	planned → scanning → copying → verifying → committed
//	                                         ↘ rolled_back
//
// inside two transactional scopes, one per shard. The target is committed
// first, then the source. On any failure both scopes still open are rolled
// back with a context detached from the caller's, so cancellation does not
// leave scopes dangling.
package rebalance
