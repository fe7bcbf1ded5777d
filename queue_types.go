package fieldsync

import (
	"encoding/json"
	"time"
)

// Durable keys owned by QueueStore.
const (
	KeyPendingEntities    = "offline_pending_entities"
	KeyPendingAttachments = "offline_pending_attachments"
	KeySyncQueue          = "offline_sync_queue"
	KeyLastSync           = "offline_last_sync"
	KeyTemplates          = "offline_templates"
	KeyLocations          = "offline_locations"
	KeySyncedEntities     = "offline_audits"
)

// SyncStatus tracks a pending entity or attachment.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// OperationKind is the verb of a queued operation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// QueueStatus tracks a queued operation.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueFailed     QueueStatus = "failed"
	QueueCompleted  QueueStatus = "completed"
)

// PendingEntity is an audit created offline. Until synced it is known only by
// TempID; ServerID is set together with SyncSynced.
type PendingEntity struct {
	TempID           string          `json:"tempId"`
	ServerID         string          `json:"serverId,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	CreatedOfflineAt time.Time       `json:"createdOfflineAt"`
	SyncStatus       SyncStatus      `json:"syncStatus"`
	LastError        string          `json:"lastError,omitempty"`
	LastAttemptAt    *time.Time      `json:"lastAttemptAt,omitempty"`
}

// PendingAttachment is a photo waiting for upload. It references its audit by
// AuditTempID until the audit syncs, then by AuditID.
type PendingAttachment struct {
	ID          string          `json:"id"`
	URI         string          `json:"uri"`
	AuditTempID string          `json:"auditTempId,omitempty"`
	AuditID     string          `json:"auditId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	SyncStatus  SyncStatus      `json:"syncStatus"`
	LastError   string          `json:"lastError,omitempty"`
}

// Uploadable reports whether the attachment is bound to a server id.
func (a PendingAttachment) Uploadable() bool {
	return a.AuditID != ""
}

// QueueItem is a generic mutation replayed on the next sync.
type QueueItem struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"operationKind"`
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
	Status     QueueStatus     `json:"status"`
	LastError  string          `json:"lastError,omitempty"`
}

// Operation is the input to EnqueueOperation.
type Operation struct {
	Kind     OperationKind `validate:"required,oneof=create update delete"`
	Endpoint string        `validate:"required,startswith=/"`
	Payload  any
}

// Attachment is the input to EnqueueAttachment. Exactly one of AuditTempID and
// AuditID is expected.
type Attachment struct {
	URI         string `validate:"required"`
	AuditTempID string `validate:"required_without=AuditID"`
	AuditID     string `validate:"required_without=AuditTempID"`
	Payload     any
}

// ReferenceKind names a reference dataset kept for offline use.
type ReferenceKind string

const (
	ReferenceTemplates ReferenceKind = "templates"
	ReferenceLocations ReferenceKind = "locations"
)

func (k ReferenceKind) key() string {
	switch k {
	case ReferenceTemplates:
		return KeyTemplates
	case ReferenceLocations:
		return KeyLocations
	default:
		return "offline_" + string(k)
	}
}

// ReferenceSnapshot is a reference dataset with the time it was captured.
type ReferenceSnapshot struct {
	Data     json.RawMessage `json:"data"`
	CachedAt time.Time       `json:"cachedAt"`
}

// OfflineStats summarises the offline collections.
type OfflineStats struct {
	PendingEntities    int        `json:"pendingEntities"`
	FailedEntities     int        `json:"failedEntities"`
	PendingAttachments int        `json:"pendingAttachments"`
	QueueLength        int        `json:"queueLength"`
	FailedQueueItems   int        `json:"failedQueueItems"`
	LastSyncAt         *time.Time `json:"lastSyncAt,omitempty"`
}
