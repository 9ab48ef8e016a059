// Package cache stores entity schema lookups in Redis.
//
// Resolving an entity costs two metadata calls (the entity definition and its
// alternate keys). Schemas change rarely, so results are kept per environment
// for a fixed TTL and shared by every process pointed at the same Redis.
//
// # Basic Usage
//
//	manager, err := cache.NewManager(redisClient)
//	if err != nil {
//		return err
//	}
//
//	key := cache.SchemaKey("https://org.crm.dynamics.com", "account")
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the Web API, then:
//		err = manager.Set(ctx, key, cache.NewEntry(data, time.Hour))
//	}
//
// # Keys
//
// Keys have the form dataverse:<env-hash>:<kind>:<name>, where env-hash is the
// xxhash of the normalized environment URL. Invalidate drops every key of one
// environment.
//
// # Metrics
//
//   - dataverse_schema_cache_hits_total
//   - dataverse_schema_cache_misses_total
//   - dataverse_schema_cache_size_bytes
//   - dataverse_schema_cache_errors_total{operation}
package cache
