// Package fieldsync is the offline-first request engine behind the audit field app.
// It layers reliability primitives around an abstract Transport and adds a durable
// queue for work created while the device is offline:
//
//   - Response cache with per-path TTLs, in memory and in a durable kv.Store
//   - In-flight de‑duplication (concurrent identical GETs share one round trip)
//   - Per-endpoint throttling that delays, never rejects
//   - Classified retries: 503 and network errors back off, 429 falls back to cache
//   - QueueStore for pending audits, photos and generic create/update/delete ops
//   - SyncManager that drains the queue and remaps temporary IDs to server IDs
//   - Prometheus metrics and structured logging through a small Logger interface
//
// Typical usage:
//
//	transport, _ := fieldsync.NewHTTPTransport("https://api.example.com")
//	store, _ := kv.NewFile("/var/lib/fieldsync")
//	client := fieldsync.New(transport,
//	    fieldsync.WithDurableStore(store),
//	    fieldsync.WithMetrics(),
//	)
//	queue := fieldsync.NewQueueStore(store)
//	manager := fieldsync.NewSyncManager(client, queue, fieldsync.SyncConfig{})
//
//	resp, err := client.CachedGet(ctx, "/templates", nil, fieldsync.CacheOptions{})
//	tempID, err := queue.EnqueuePendingEntity(ctx, audit)
//	result, err := manager.SyncAll(ctx)
//
// A cached fallback is returned exactly like a fresh response; callers only ever see
// a value or a classified *ClientError.
package fieldsync
