package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ambiyansyah-risyal/fieldsync/internal/mocks"
	"github.com/ambiyansyah-risyal/fieldsync/kv"
)

func newTestStore(t *testing.T) (*QueueStore, *clock.Mock, kv.Store) {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(48 * time.Hour)
	backing := kv.NewMemory()
	return NewQueueStore(backing, WithStoreClock(mock)), mock, backing
}

func TestQueueStorePendingEntities(t *testing.T) {
	ctx := context.Background()
	store, mock, _ := newTestStore(t)

	first, err := store.EnqueuePendingEntity(ctx, map[string]any{"location": 17, "score": 92})
	require.NoError(t, err)
	mock.Add(time.Millisecond)
	second, err := store.EnqueuePendingEntity(ctx, json.RawMessage(`{"location":18}`))
	require.NoError(t, err)

	assert.True(t, IsTempID(first))
	assert.True(t, strings.HasPrefix(second, TempIDPrefix))
	assert.NotEqual(t, first, second)

	entities := store.PendingEntities(ctx)
	require.Len(t, entities, 2)
	assert.Equal(t, first, entities[0].TempID)
	assert.Equal(t, SyncPending, entities[0].SyncStatus)
	assert.JSONEq(t, `{"location":17,"score":92}`, string(entities[0].Payload))
	assert.True(t, entities[0].CreatedOfflineAt.Equal(mock.Now().Add(-time.Millisecond)))

	require.NoError(t, store.UpdatePendingEntity(ctx, first, func(e *PendingEntity) {
		e.SyncStatus = SyncFailed
		e.LastError = "boom"
		e.TempID = "tampered"
	}))
	entities = store.PendingEntities(ctx)
	assert.Equal(t, SyncFailed, entities[0].SyncStatus)
	assert.Equal(t, first, entities[0].TempID, "temp id is immutable")

	require.NoError(t, store.RemovePendingEntity(ctx, first))
	assert.Len(t, store.PendingEntities(ctx), 1)
	assert.ErrorIs(t, store.RemovePendingEntity(ctx, first), ErrNotFound)
	assert.ErrorIs(t, store.UpdatePendingEntity(ctx, "offline_missing", func(*PendingEntity) {}), ErrNotFound)
}

func TestQueueStoreRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	_, err := store.EnqueuePendingEntity(ctx, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = store.EnqueuePendingEntity(ctx, make(chan int))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, store.PendingEntities(ctx))
}

func TestQueueStoreAttachmentsAndRemap(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	tempID, err := store.EnqueuePendingEntity(ctx, map[string]int{"score": 70})
	require.NoError(t, err)

	a1, err := store.EnqueueAttachment(ctx, Attachment{URI: "file:///1.jpg", AuditTempID: tempID})
	require.NoError(t, err)
	a2, err := store.EnqueueAttachment(ctx, Attachment{URI: "file:///2.jpg", AuditTempID: tempID, Payload: map[string]string{"caption": "walk-in"}})
	require.NoError(t, err)
	a3, err := store.EnqueueAttachment(ctx, Attachment{URI: "file:///3.jpg", AuditID: "9"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a1, AttachmentIDPrefix))

	n, err := store.RemapAttachments(ctx, tempID, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byID := map[string]PendingAttachment{}
	for _, a := range store.PendingAttachments(ctx) {
		byID[a.ID] = a
	}
	for _, id := range []string{a1, a2} {
		assert.Equal(t, "42", byID[id].AuditID)
		assert.Empty(t, byID[id].AuditTempID)
		assert.True(t, byID[id].Uploadable())
	}
	assert.Equal(t, "9", byID[a3].AuditID)

	n, err = store.RemapAttachments(ctx, tempID, "42")
	require.NoError(t, err)
	assert.Zero(t, n, "remap is idempotent")

	require.NoError(t, store.UpdateAttachment(ctx, a1, func(a *PendingAttachment) { a.SyncStatus = SyncFailed }))
	require.NoError(t, store.RemoveAttachment(ctx, a2))
	assert.Len(t, store.PendingAttachments(ctx), 2)
}

func TestQueueStoreAttachmentValidation(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	tests := []Attachment{
		{AuditTempID: "offline_x"},
		{URI: "file:///a.jpg"},
		{URI: "file:///a.jpg", AuditTempID: "offline_x", AuditID: "4"},
	}
	for _, a := range tests {
		_, err := store.EnqueueAttachment(ctx, a)
		assert.ErrorIs(t, err, ErrValidation, "%+v", a)
	}
	assert.Empty(t, store.PendingAttachments(ctx))
}

func TestQueueStoreOperations(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	id, err := store.EnqueueOperation(ctx, Operation{Kind: OperationUpdate, Endpoint: "/audits/5", Payload: map[string]int{"score": 80}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, OperationIDPrefix))

	_, err = store.EnqueueOperation(ctx, Operation{Kind: "patch", Endpoint: "/audits/5"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = store.EnqueueOperation(ctx, Operation{Kind: OperationDelete, Endpoint: "audits/5"})
	assert.ErrorIs(t, err, ErrValidation)

	queue := store.SyncQueue(ctx)
	require.Len(t, queue, 1)
	assert.Equal(t, QueuePending, queue[0].Status)
	assert.Zero(t, queue[0].Attempts)

	require.NoError(t, store.UpdateQueueItem(ctx, id, func(it *QueueItem) {
		it.Attempts = 2
		it.Status = QueueFailed
	}))
	queue = store.SyncQueue(ctx)
	assert.Equal(t, 2, queue[0].Attempts)

	require.NoError(t, store.RemoveQueueItem(ctx, id))
	assert.Empty(t, store.SyncQueue(ctx))
}

func TestQueueStoreRemapQueueEndpoints(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	tempID, _ := store.EnqueuePendingEntity(ctx, map[string]int{"score": 1})
	_, err := store.EnqueueOperation(ctx, Operation{Kind: OperationUpdate, Endpoint: "/audits/" + tempID})
	require.NoError(t, err)
	_, err = store.EnqueueOperation(ctx, Operation{Kind: OperationUpdate, Endpoint: "/audits/" + tempID + "x"})
	require.NoError(t, err)

	n, err := store.RemapQueueEndpoints(ctx, tempID, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queue := store.SyncQueue(ctx)
	assert.Equal(t, "/audits/42", queue[0].Endpoint)
	assert.Equal(t, "/audits/"+tempID+"x", queue[1].Endpoint)
}

func TestQueueStoreReferenceDataAndStaleness(t *testing.T) {
	ctx := context.Background()
	store, mock, _ := newTestStore(t)

	_, ok := store.Reference(ctx, ReferenceTemplates)
	assert.False(t, ok)

	require.NoError(t, store.SaveReference(ctx, ReferenceTemplates, json.RawMessage(`[{"id":1,"name":"Kitchen"}]`)))
	snap, ok := store.Reference(ctx, ReferenceTemplates)
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":1,"name":"Kitchen"}]`, string(snap.Data))
	assert.False(t, store.IsStale(snap.CachedAt, 24))

	mock.Add(25 * time.Hour)
	assert.True(t, store.IsStale(snap.CachedAt, 24))
	assert.False(t, store.IsStale(snap.CachedAt, 26))
	assert.True(t, store.IsStale(time.Time{}, 1000))

	_, ok = store.Reference(ctx, ReferenceLocations)
	assert.False(t, ok, "kinds are stored separately")
}

func TestQueueStoreSyncedEntitiesAndLastSync(t *testing.T) {
	ctx := context.Background()
	store, mock, _ := newTestStore(t)

	_, ok := store.LastSync(ctx)
	assert.False(t, ok)

	require.NoError(t, store.CacheSyncedEntity(ctx, "42", json.RawMessage(`{"id":42}`)))
	require.NoError(t, store.CacheSyncedEntity(ctx, "43", json.RawMessage(`{"id":43}`)))
	data, ok := store.SyncedEntity(ctx, "42")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":42}`, string(data))
	assert.Len(t, store.SyncedEntities(ctx), 2)

	require.NoError(t, store.SetLastSync(ctx, mock.Now()))
	at, ok := store.LastSync(ctx)
	require.True(t, ok)
	assert.True(t, at.Equal(mock.Now()))
}

func TestQueueStoreStatsAndClear(t *testing.T) {
	ctx := context.Background()
	store, mock, backing := newTestStore(t)

	tempID, _ := store.EnqueuePendingEntity(ctx, map[string]int{"a": 1})
	_, _ = store.EnqueuePendingEntity(ctx, map[string]int{"a": 2})
	_ = store.UpdatePendingEntity(ctx, tempID, func(e *PendingEntity) { e.SyncStatus = SyncFailed })
	_, _ = store.EnqueueAttachment(ctx, Attachment{URI: "file:///x.jpg", AuditTempID: tempID})
	opID, _ := store.EnqueueOperation(ctx, Operation{Kind: OperationCreate, Endpoint: "/notes"})
	_, _ = store.EnqueueOperation(ctx, Operation{Kind: OperationCreate, Endpoint: "/notes"})
	_ = store.UpdateQueueItem(ctx, opID, func(it *QueueItem) { it.Status = QueueFailed })
	_ = store.SetLastSync(ctx, mock.Now())
	require.NoError(t, backing.Set(ctx, CacheKeyPrefix+"GET:/templates", "{}"))

	stats := store.Stats(ctx)
	assert.Equal(t, 2, stats.PendingEntities)
	assert.Equal(t, 1, stats.FailedEntities)
	assert.Equal(t, 1, stats.PendingAttachments)
	assert.Equal(t, 2, stats.QueueLength)
	assert.Equal(t, 1, stats.FailedQueueItems)
	require.NotNil(t, stats.LastSyncAt)

	require.NoError(t, store.Clear(ctx))
	assert.Equal(t, OfflineStats{}, store.Stats(ctx))
	_, ok, _ := backing.Get(ctx, CacheKeyPrefix+"GET:/templates")
	assert.True(t, ok, "Clear keeps response cache entries")
}

func TestQueueStoreNeverOverwritesUnreadableCollection(t *testing.T) {
	ctx := context.Background()
	store, _, backing := newTestStore(t)
	require.NoError(t, backing.Set(ctx, KeySyncQueue, "{corrupt"))

	_, err := store.EnqueueOperation(ctx, Operation{Kind: OperationCreate, Endpoint: "/notes"})
	assert.ErrorIs(t, err, ErrStorage)

	raw, _, _ := backing.Get(ctx, KeySyncQueue)
	assert.Equal(t, "{corrupt", raw)
	assert.Empty(t, store.SyncQueue(ctx))
}

func TestQueueStoreStorageFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	failing := mocks.NewMockStore(ctrl)
	diskFull := errors.New("disk full")

	failing.EXPECT().Get(gomock.Any(), gomock.Any()).Return("", false, diskFull).AnyTimes()
	failing.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any()).Return(diskFull).AnyTimes()
	failing.EXPECT().Remove(gomock.Any(), gomock.Any()).Return(diskFull).AnyTimes()
	failing.EXPECT().MultiRemove(gomock.Any(), gomock.Any()).Return(diskFull).AnyTimes()
	failing.EXPECT().Keys(gomock.Any()).Return(nil, diskFull).AnyTimes()

	ctx := context.Background()
	store := NewQueueStore(failing)

	assert.Empty(t, store.PendingEntities(ctx))
	assert.Empty(t, store.PendingAttachments(ctx))
	assert.Empty(t, store.SyncQueue(ctx))
	assert.Empty(t, store.SyncedEntities(ctx))
	_, ok := store.LastSync(ctx)
	assert.False(t, ok)
	_, ok = store.Reference(ctx, ReferenceTemplates)
	assert.False(t, ok)
	assert.Equal(t, OfflineStats{}, store.Stats(ctx))

	id, err := store.EnqueuePendingEntity(ctx, map[string]int{"a": 1})
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, diskFull)

	_, err = store.EnqueueOperation(ctx, Operation{Kind: OperationCreate, Endpoint: "/notes"})
	assert.ErrorIs(t, err, ErrStorage)
	_, err = store.RemapAttachments(ctx, "offline_a", "1")
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, store.SaveReference(ctx, ReferenceLocations, []int{1}), ErrStorage)
	assert.ErrorIs(t, store.SetLastSync(ctx, time.Now()), ErrStorage)
	assert.ErrorIs(t, store.Clear(ctx), ErrStorage)

	// The response cache degrades to a pure miss-and-refetch path.
	cache := NewResponseCache(ResponseCacheConfig{Durable: failing})
	fp := NewFingerprint("GET", "/templates", nil)
	cache.Put(ctx, fp, jsonResponse(200, `[]`), 0)
	_, hit := cache.Get(ctx, fp)
	assert.True(t, hit, "memory tier still serves")
	assert.Zero(t, cache.Invalidate(ctx, "/nothing"))
	cache.Clear(ctx)
}
