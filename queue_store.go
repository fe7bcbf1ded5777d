package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/go-playground/validator/v10"

	"github.com/ambiyansyah-risyal/fieldsync/kv"
)

// ErrNotFound is returned when an update or removal targets an unknown id.
var ErrNotFound = errors.New("fieldsync: record not found")

// QueueStore persists offline work in a kv.Store: pending audits, pending
// photos, generic queued mutations, reference data and the last sync time.
//
// Reads degrade to empty results when storage fails. Writes report a
// StorageError and never clobber data they could not read.
type QueueStore struct {
	store    kv.Store
	clock    clock.Clock
	logger   Logger
	metrics  *MetricsCollector
	validate *validator.Validate

	// mu serializes read-modify-write cycles on the collections.
	mu sync.Mutex
}

// StoreOption configures a QueueStore.
type StoreOption func(*QueueStore)

// WithStoreClock sets the time source used for timestamps and staleness.
func WithStoreClock(clk clock.Clock) StoreOption {
	return func(q *QueueStore) {
		q.clock = clk
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger Logger) StoreOption {
	return func(q *QueueStore) {
		q.logger = logger
	}
}

// WithStoreMetrics records storage failures and collection sizes.
func WithStoreMetrics(mc *MetricsCollector) StoreOption {
	return func(q *QueueStore) {
		q.metrics = mc
	}
}

// NewQueueStore creates a store over s.
func NewQueueStore(s kv.Store, opts ...StoreOption) *QueueStore {
	q := &QueueStore{
		store:    s,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.clock == nil {
		q.clock = clock.New()
	}
	if q.logger == nil {
		q.logger = NopLogger()
	}
	return q
}

// EnqueuePendingEntity stores an audit created offline and returns its temp id.
func (q *QueueStore) EnqueuePendingEntity(ctx context.Context, payload any) (string, error) {
	raw, err := toRaw(payload)
	if err != nil {
		return "", err
	}
	entity := PendingEntity{
		TempID:           newID(TempIDPrefix),
		Payload:          raw,
		CreatedOfflineAt: q.clock.Now(),
		SyncStatus:       SyncPending,
	}
	err = mutate(ctx, q, KeyPendingEntities, func(items []PendingEntity) ([]PendingEntity, error) {
		return append(items, entity), nil
	})
	if err != nil {
		return "", err
	}
	q.logger.Info("queued offline audit", "temp_id", entity.TempID)
	return entity.TempID, nil
}

// PendingEntities lists audits awaiting sync in creation order.
func (q *QueueStore) PendingEntities(ctx context.Context) []PendingEntity {
	return readList[PendingEntity](ctx, q, KeyPendingEntities)
}

// UpdatePendingEntity applies fn to the entity with tempID.
func (q *QueueStore) UpdatePendingEntity(ctx context.Context, tempID string, fn func(*PendingEntity)) error {
	return mutate(ctx, q, KeyPendingEntities, func(items []PendingEntity) ([]PendingEntity, error) {
		for i := range items {
			if items[i].TempID == tempID {
				fn(&items[i])
				items[i].TempID = tempID
				return items, nil
			}
		}
		return nil, ErrNotFound
	})
}

// RemovePendingEntity deletes the entity with tempID.
func (q *QueueStore) RemovePendingEntity(ctx context.Context, tempID string) error {
	return mutate(ctx, q, KeyPendingEntities, func(items []PendingEntity) ([]PendingEntity, error) {
		return removeWhere(items, func(e PendingEntity) bool { return e.TempID == tempID })
	})
}

// EnqueueAttachment stores a photo for later upload and returns its id.
func (q *QueueStore) EnqueueAttachment(ctx context.Context, a Attachment) (string, error) {
	if err := q.validate.Struct(a); err != nil {
		return "", validationError("invalid attachment", err)
	}
	if a.AuditTempID != "" && a.AuditID != "" {
		return "", validationError("invalid attachment", errors.New("set either AuditTempID or AuditID, not both"))
	}
	raw, err := toRaw(a.Payload)
	if err != nil {
		return "", err
	}
	att := PendingAttachment{
		ID:          newID(AttachmentIDPrefix),
		URI:         a.URI,
		AuditTempID: a.AuditTempID,
		AuditID:     a.AuditID,
		Payload:     raw,
		CreatedAt:   q.clock.Now(),
		SyncStatus:  SyncPending,
	}
	err = mutate(ctx, q, KeyPendingAttachments, func(items []PendingAttachment) ([]PendingAttachment, error) {
		return append(items, att), nil
	})
	if err != nil {
		return "", err
	}
	return att.ID, nil
}

// PendingAttachments lists photos awaiting upload.
func (q *QueueStore) PendingAttachments(ctx context.Context) []PendingAttachment {
	return readList[PendingAttachment](ctx, q, KeyPendingAttachments)
}

// UpdateAttachment applies fn to the attachment with id.
func (q *QueueStore) UpdateAttachment(ctx context.Context, id string, fn func(*PendingAttachment)) error {
	return mutate(ctx, q, KeyPendingAttachments, func(items []PendingAttachment) ([]PendingAttachment, error) {
		for i := range items {
			if items[i].ID == id {
				fn(&items[i])
				items[i].ID = id
				return items, nil
			}
		}
		return nil, ErrNotFound
	})
}

// RemapAttachments rebinds every attachment referencing tempID to serverID and
// returns how many changed. Running it twice is harmless.
func (q *QueueStore) RemapAttachments(ctx context.Context, tempID, serverID string) (int, error) {
	n := 0
	err := mutate(ctx, q, KeyPendingAttachments, func(items []PendingAttachment) ([]PendingAttachment, error) {
		for i := range items {
			if items[i].AuditTempID == tempID {
				items[i].AuditTempID = ""
				items[i].AuditID = serverID
				n++
			}
		}
		return items, nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RemoveAttachment deletes the attachment with id.
func (q *QueueStore) RemoveAttachment(ctx context.Context, id string) error {
	return mutate(ctx, q, KeyPendingAttachments, func(items []PendingAttachment) ([]PendingAttachment, error) {
		return removeWhere(items, func(a PendingAttachment) bool { return a.ID == id })
	})
}

// EnqueueOperation queues a generic mutation and returns its id.
func (q *QueueStore) EnqueueOperation(ctx context.Context, op Operation) (string, error) {
	if err := q.validate.Struct(op); err != nil {
		return "", validationError("invalid operation", err)
	}
	raw, err := toRaw(op.Payload)
	if err != nil {
		return "", err
	}
	item := QueueItem{
		ID:         newID(OperationIDPrefix),
		Kind:       op.Kind,
		Endpoint:   op.Endpoint,
		Payload:    raw,
		EnqueuedAt: q.clock.Now(),
		Status:     QueuePending,
	}
	err = mutate(ctx, q, KeySyncQueue, func(items []QueueItem) ([]QueueItem, error) {
		return append(items, item), nil
	})
	if err != nil {
		return "", err
	}
	q.logger.Info("queued offline operation", "id", item.ID, "kind", item.Kind, "endpoint", item.Endpoint)
	return item.ID, nil
}

// SyncQueue lists queued operations in enqueue order.
func (q *QueueStore) SyncQueue(ctx context.Context) []QueueItem {
	return readList[QueueItem](ctx, q, KeySyncQueue)
}

// UpdateQueueItem applies fn to the queued operation with id.
func (q *QueueStore) UpdateQueueItem(ctx context.Context, id string, fn func(*QueueItem)) error {
	return mutate(ctx, q, KeySyncQueue, func(items []QueueItem) ([]QueueItem, error) {
		for i := range items {
			if items[i].ID == id {
				fn(&items[i])
				items[i].ID = id
				return items, nil
			}
		}
		return nil, ErrNotFound
	})
}

// RemoveQueueItem deletes the queued operation with id.
func (q *QueueStore) RemoveQueueItem(ctx context.Context, id string) error {
	return mutate(ctx, q, KeySyncQueue, func(items []QueueItem) ([]QueueItem, error) {
		return removeWhere(items, func(it QueueItem) bool { return it.ID == id })
	})
}

// RemapQueueEndpoints rewrites path segments equal to tempID in queued
// endpoints, so an update queued against an offline audit reaches its server id.
func (q *QueueStore) RemapQueueEndpoints(ctx context.Context, tempID, serverID string) (int, error) {
	n := 0
	err := mutate(ctx, q, KeySyncQueue, func(items []QueueItem) ([]QueueItem, error) {
		for i := range items {
			segments := strings.Split(items[i].Endpoint, "/")
			changed := false
			for j, s := range segments {
				if s == tempID {
					segments[j] = serverID
					changed = true
				}
			}
			if changed {
				items[i].Endpoint = strings.Join(segments, "/")
				n++
			}
		}
		return items, nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SaveReference replaces a reference dataset and stamps it with the current time.
func (q *QueueStore) SaveReference(ctx context.Context, kind ReferenceKind, data any) error {
	raw, err := toRaw(data)
	if err != nil {
		return err
	}
	return overwrite(ctx, q, kind.key(), ReferenceSnapshot{Data: raw, CachedAt: q.clock.Now()})
}

// Reference returns a reference dataset saved by SaveReference.
func (q *QueueStore) Reference(ctx context.Context, kind ReferenceKind) (ReferenceSnapshot, bool) {
	snap, ok, err := loadDoc[ReferenceSnapshot](ctx, q.store, kind.key())
	if err != nil {
		q.storageError("read", kind.key(), err)
		return ReferenceSnapshot{}, false
	}
	return snap, ok
}

// CacheSyncedEntity keeps a server copy of a synced audit for offline viewing.
func (q *QueueStore) CacheSyncedEntity(ctx context.Context, serverID string, data json.RawMessage) error {
	return mutate(ctx, q, KeySyncedEntities, func(m map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		if m == nil {
			m = make(map[string]json.RawMessage)
		}
		m[serverID] = data
		return m, nil
	})
}

// SyncedEntity returns the cached server copy of an audit.
func (q *QueueStore) SyncedEntity(ctx context.Context, serverID string) (json.RawMessage, bool) {
	data, ok := q.SyncedEntities(ctx)[serverID]
	return data, ok
}

// SyncedEntities returns every cached server copy keyed by server id.
func (q *QueueStore) SyncedEntities(ctx context.Context) map[string]json.RawMessage {
	m, _, err := loadDoc[map[string]json.RawMessage](ctx, q.store, KeySyncedEntities)
	if err != nil {
		q.storageError("read", KeySyncedEntities, err)
		return map[string]json.RawMessage{}
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m
}

// SetLastSync records when the last sync pass finished.
func (q *QueueStore) SetLastSync(ctx context.Context, at time.Time) error {
	return overwrite(ctx, q, KeyLastSync, at)
}

// LastSync returns the time recorded by SetLastSync.
func (q *QueueStore) LastSync(ctx context.Context) (time.Time, bool) {
	at, ok, err := loadDoc[time.Time](ctx, q.store, KeyLastSync)
	if err != nil {
		q.storageError("read", KeyLastSync, err)
		return time.Time{}, false
	}
	return at, ok
}

// Stats summarises the offline collections.
func (q *QueueStore) Stats(ctx context.Context) OfflineStats {
	var stats OfflineStats

	entities := q.PendingEntities(ctx)
	stats.PendingEntities = len(entities)
	for _, e := range entities {
		if e.SyncStatus == SyncFailed {
			stats.FailedEntities++
		}
	}
	stats.PendingAttachments = len(q.PendingAttachments(ctx))

	queue := q.SyncQueue(ctx)
	stats.QueueLength = len(queue)
	for _, it := range queue {
		if it.Status == QueueFailed {
			stats.FailedQueueItems++
		}
	}
	if at, ok := q.LastSync(ctx); ok {
		stats.LastSyncAt = &at
	}

	q.metrics.RecordQueueDepth("pending_entities", stats.PendingEntities)
	q.metrics.RecordQueueDepth("pending_attachments", stats.PendingAttachments)
	q.metrics.RecordQueueDepth("sync_queue", stats.QueueLength)
	return stats
}

// Clear removes every key owned by the store. Response cache entries are kept.
func (q *QueueStore) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := []string{
		KeyPendingEntities,
		KeyPendingAttachments,
		KeySyncQueue,
		KeyLastSync,
		KeyTemplates,
		KeyLocations,
		KeySyncedEntities,
	}
	if err := q.store.MultiRemove(ctx, keys); err != nil {
		return q.storageError("clear", strings.Join(keys, ","), err)
	}
	q.logger.Info("offline store cleared")
	return nil
}

// IsStale reports whether data captured at cachedAt is older than maxAgeHours.
// A zero cachedAt counts as stale.
func (q *QueueStore) IsStale(cachedAt time.Time, maxAgeHours float64) bool {
	if cachedAt.IsZero() {
		return true
	}
	maxAge := time.Duration(maxAgeHours * float64(time.Hour))
	return q.clock.Now().Sub(cachedAt) > maxAge
}

func (q *QueueStore) storageError(op, key string, err error) error {
	q.metrics.RecordStorageError("queue_" + op)
	q.logger.Error("offline store operation failed", "operation", op, "key", key, "error", err)
	return &ClientError{
		Type:    ErrorTypeStorage,
		Message: fmt.Sprintf("%s %s", op, key),
		Cause:   err,
	}
}

func readList[T any](ctx context.Context, q *QueueStore, key string) []T {
	items, _, err := loadDoc[[]T](ctx, q.store, key)
	if err != nil {
		q.storageError("read", key, err)
		return []T{}
	}
	if items == nil {
		items = []T{}
	}
	return items
}

// mutate runs a read-modify-write of key under the store lock. A failed read
// aborts the write so an unreadable collection is never overwritten.
func mutate[T any](ctx context.Context, q *QueueStore, key string, fn func(T) (T, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, _, err := loadDoc[T](ctx, q.store, key)
	if err != nil {
		return q.storageError("read", key, err)
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if err := saveDoc(ctx, q.store, key, next); err != nil {
		return q.storageError("write", key, err)
	}
	return nil
}

func overwrite[T any](ctx context.Context, q *QueueStore, key string, doc T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := saveDoc(ctx, q.store, key, doc); err != nil {
		return q.storageError("write", key, err)
	}
	return nil
}

func loadDoc[T any](ctx context.Context, s kv.Store, key string) (T, bool, error) {
	var doc T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return doc, false, err
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return doc, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, true, nil
}

func saveDoc[T any](ctx context.Context, s kv.Store, key string, doc T) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw))
}

func removeWhere[T any](items []T, match func(T) bool) ([]T, error) {
	for i, it := range items {
		if match(it) {
			return append(items[:i], items[i+1:]...), nil
		}
	}
	return nil, ErrNotFound
}

func toRaw(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, validationError("payload is not valid JSON", nil)
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, validationError("payload is not valid JSON", nil)
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, validationError("payload cannot be encoded", err)
		}
		return raw, nil
	}
}

func validationError(msg string, cause error) error {
	return &ClientError{Type: ErrorTypeValidation, Message: msg, Cause: cause}
}
