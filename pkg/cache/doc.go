// Package cache provides the session storage cache: an in-memory key/value
// tier with per-key TTLs and change observers, backed by a durable
// snapshot in a BlobStore.
//
// The in-memory tier is authoritative. The durable tier is read once, when
// the Manager is built, and afterwards rewritten on every mutating call,
// after each periodic sweep and when the Manager is closed. Reads never
// touch it.
//
// # Basic Usage
//
//	manager := cache.NewManager(cache.NewMemoryBlobStore())
//	defer manager.Close()
//
//	manager.Set("currentUser", user, cache.WithTTL(24*time.Hour))
//
//	u, ok := cache.GetAs[User](manager, "currentUser")
//	if !ok {
//		// absent or expired
//	}
//
// # Observers
//
//	unsubscribe := manager.Watch("featureFlags", func(key string, value any) {
//		// called synchronously after each Set on "featureFlags"
//	})
//	defer unsubscribe()
//
// Observers run in registration order on the goroutine that called Set.
// A panicking observer is recovered and logged; it never stops the other
// observers or fails the Set.
//
// # Expiry
//
// An entry with a TTL is logically absent once its deadline passes: Get
// returns the default and Has reports false. Expired entries are removed
// lazily by Get and eagerly by the periodic sweep (every 5 minutes by
// default). Keys lists resident entries without filtering, so a key whose
// TTL elapsed but that nothing has touched yet is still listed.
//
// # Durable Stores
//
//   - MemoryBlobStore - process memory, for tests and single-process tools
//   - RedisBlobStore - Redis with a session TTL on the snapshot
//   - SQLiteBlobStore - local SQLite file (modernc.org/sqlite)
//
// # Metrics
//
//   - webclient_cache_hits_total / webclient_cache_misses_total
//   - webclient_cache_sets_total{persisted}
//   - webclient_cache_expired_total{path="lazy|sweep|load"}
//   - webclient_cache_snapshot_bytes
//   - webclient_cache_persist_errors_total{operation}
//   - webclient_cache_observer_errors_total
package cache
