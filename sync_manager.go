package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/sync/errgroup"
)

// Requester is the subset of Client the sync engine drives.
type Requester interface {
	Get(ctx context.Context, path string, params url.Values) (*Response, error)
	Post(ctx context.Context, path string, body any) (*Response, error)
	Put(ctx context.Context, path string, body any) (*Response, error)
	Delete(ctx context.Context, path string, body any) (*Response, error)
}

// Sync event types delivered to listeners.
const (
	EventSyncStart        = "sync:start"
	EventEntitiesStart    = "entities:start"
	EventEntitiesDone     = "entities:done"
	EventAttachmentsStart = "attachments:start"
	EventAttachmentsDone  = "attachments:done"
	EventQueueStart       = "queue:start"
	EventQueueDone        = "queue:done"
	EventReferenceStart   = "reference:start"
	EventReferenceDone    = "reference:done"
	EventSyncComplete     = "sync:complete"
	EventSyncError        = "sync:error"
)

// Sync phases, in execution order.
const (
	PhaseEntities    = "entities"
	PhaseAttachments = "attachments"
	PhaseQueue       = "queue"
	PhaseReference   = "reference"
)

// DefaultQueueMaxRetries is how many sync passes may attempt a queued operation.
const DefaultQueueMaxRetries = 3

// PhaseResult counts the outcome of one sync phase.
type PhaseResult struct {
	Synced  int      `json:"synced"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

func (p *PhaseResult) fail(format string, args ...any) {
	p.Failed++
	p.Errors = append(p.Errors, fmt.Sprintf(format, args...))
}

// SyncResult is the outcome of SyncAll.
type SyncResult struct {
	Synced         int                    `json:"synced"`
	Failed         int                    `json:"failed"`
	Errors         []string               `json:"errors,omitempty"`
	Phases         map[string]PhaseResult `json:"phases,omitempty"`
	AlreadySyncing bool                   `json:"alreadySyncing,omitempty"`
	StartedAt      time.Time              `json:"startedAt"`
	FinishedAt     time.Time              `json:"finishedAt"`
}

// SyncEvent is delivered to listeners. Phase events carry Phase; terminal
// events carry Result, and sync:error also carries Err.
type SyncEvent struct {
	Type   string
	Phase  *PhaseResult
	Result *SyncResult
	Err    error
	At     time.Time
}

// SyncListener observes sync progress. A panicking listener is logged and
// does not affect the run or other listeners.
type SyncListener func(SyncEvent)

// SyncConfig configures a SyncManager. Zero values select defaults.
type SyncConfig struct {
	// EntityEndpoint receives POSTed offline audits. Default "/audits".
	EntityEndpoint string
	// AttachmentEndpoint builds the upload path for an audit's photo.
	// Default "/audits/{id}/photos".
	AttachmentEndpoint func(auditID string) string
	// References maps reference datasets to the endpoint they are refreshed from.
	References map[ReferenceKind]string
	// MaxQueueRetries bounds attempts per queued operation. Default 3.
	MaxQueueRetries int

	Clock   clock.Clock
	Logger  Logger
	Metrics *MetricsCollector
}

// SyncManager drains the offline store against the server. At most one pass
// runs at a time.
type SyncManager struct {
	client Requester
	store  *QueueStore
	cfg    SyncConfig

	syncing atomic.Bool
	trigger chan struct{}

	mu        sync.RWMutex
	listeners map[int]SyncListener
	nextID    int
}

// NewSyncManager creates a manager over client and store.
func NewSyncManager(client Requester, store *QueueStore, cfg SyncConfig) *SyncManager {
	if cfg.EntityEndpoint == "" {
		cfg.EntityEndpoint = "/audits"
	}
	if cfg.AttachmentEndpoint == nil {
		base := cfg.EntityEndpoint
		cfg.AttachmentEndpoint = func(auditID string) string {
			return base + "/" + url.PathEscape(auditID) + "/photos"
		}
	}
	if cfg.References == nil {
		cfg.References = map[ReferenceKind]string{
			ReferenceTemplates: "/templates",
			ReferenceLocations: "/locations",
		}
	}
	if cfg.MaxQueueRetries <= 0 {
		cfg.MaxQueueRetries = DefaultQueueMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}
	return &SyncManager{
		client:    client,
		store:     store,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
		listeners: make(map[int]SyncListener),
	}
}

// AddListener registers l and returns a function that unregisters it.
func (m *SyncManager) AddListener(l SyncListener) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Syncing reports whether a pass is running.
func (m *SyncManager) Syncing() bool {
	return m.syncing.Load()
}

// Trigger asks Run to start a pass soon. It never blocks; triggers coalesce.
func (m *SyncManager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass every interval and whenever Trigger is called, until ctx
// is done. A non-positive interval disables the timer.
func (m *SyncManager) Run(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := m.cfg.Clock.Ticker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-m.trigger:
		}
		if _, err := m.SyncAll(ctx); err != nil && ctx.Err() == nil {
			m.cfg.Logger.Warn("background sync failed", "error", err)
		}
	}
}

// SyncAll runs one pass: offline audits, then photos, then queued operations,
// then reference data, then the last-sync stamp. An item failure is recorded and
// the pass moves on. If a pass is already running it returns immediately with
// AlreadySyncing set.
//
// The returned error is non-nil only when ctx ends the pass early.
func (m *SyncManager) SyncAll(ctx context.Context) (SyncResult, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		m.cfg.Metrics.RecordSyncRun("skipped")
		return SyncResult{AlreadySyncing: true}, nil
	}
	defer m.syncing.Store(false)

	result := SyncResult{
		StartedAt: m.cfg.Clock.Now(),
		Phases:    make(map[string]PhaseResult, 4),
	}
	m.emit(SyncEvent{Type: EventSyncStart})
	m.cfg.Logger.Info("sync started")

	phases := []struct {
		name, start, done string
		run               func(context.Context) PhaseResult
	}{
		{PhaseEntities, EventEntitiesStart, EventEntitiesDone, m.syncEntities},
		{PhaseAttachments, EventAttachmentsStart, EventAttachmentsDone, m.syncAttachments},
		{PhaseQueue, EventQueueStart, EventQueueDone, m.syncQueue},
		{PhaseReference, EventReferenceStart, EventReferenceDone, m.refreshReferences},
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return m.abort(result, err)
		}
		m.emit(SyncEvent{Type: phase.start})
		pr := phase.run(ctx)
		result.Phases[phase.name] = pr
		// Reference data is a cache refresh, not queued work.
		if phase.name != PhaseReference {
			result.Synced += pr.Synced
			result.Failed += pr.Failed
			result.Errors = append(result.Errors, pr.Errors...)
		}
		m.cfg.Metrics.RecordSyncItems(phase.name, "synced", pr.Synced)
		m.cfg.Metrics.RecordSyncItems(phase.name, "failed", pr.Failed)
		m.cfg.Metrics.RecordSyncItems(phase.name, "skipped", pr.Skipped)
		m.emit(SyncEvent{Type: phase.done, Phase: &pr})
	}
	if err := ctx.Err(); err != nil {
		return m.abort(result, err)
	}

	result.FinishedAt = m.cfg.Clock.Now()
	if err := m.store.SetLastSync(ctx, result.FinishedAt); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("record last sync: %v", err))
	}

	m.cfg.Metrics.RecordSyncRun("complete")
	m.cfg.Logger.Info("sync complete",
		"synced", result.Synced,
		"failed", result.Failed,
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)
	m.emit(SyncEvent{Type: EventSyncComplete, Result: &result})
	m.store.Stats(ctx)
	return result, nil
}

func (m *SyncManager) abort(result SyncResult, err error) (SyncResult, error) {
	result.FinishedAt = m.cfg.Clock.Now()
	result.Errors = append(result.Errors, err.Error())
	m.cfg.Metrics.RecordSyncRun("error")
	m.cfg.Logger.Warn("sync aborted", "error", err)
	m.emit(SyncEvent{Type: EventSyncError, Result: &result, Err: err})
	return result, err
}

func (m *SyncManager) syncEntities(ctx context.Context) PhaseResult {
	var pr PhaseResult

	for _, entity := range m.store.PendingEntities(ctx) {
		if ctx.Err() != nil {
			break
		}
		if entity.SyncStatus == SyncSynced && entity.ServerID != "" {
			// Created on the server by an earlier pass that did not finish cleanup.
			if err := m.finishEntity(ctx, entity, nil); err != nil {
				pr.fail("entity %s: %v", entity.TempID, err)
				continue
			}
			pr.Skipped++
			continue
		}

		now := m.cfg.Clock.Now()
		_ = m.store.UpdatePendingEntity(ctx, entity.TempID, func(e *PendingEntity) {
			e.SyncStatus = SyncSyncing
			e.LastAttemptAt = &now
		})

		resp, err := m.client.Post(ctx, m.cfg.EntityEndpoint, entity.Payload)
		var serverID string
		if err == nil {
			serverID, err = extractID(resp.Body)
		}
		if err != nil {
			_ = m.store.UpdatePendingEntity(ctx, entity.TempID, func(e *PendingEntity) {
				e.SyncStatus = SyncFailed
				e.LastError = err.Error()
			})
			pr.fail("entity %s: %v", entity.TempID, err)
			m.cfg.Logger.Warn("offline audit sync failed", "temp_id", entity.TempID, "error", err)
			continue
		}

		entity.ServerID = serverID
		entity.SyncStatus = SyncSynced
		_ = m.store.UpdatePendingEntity(ctx, entity.TempID, func(e *PendingEntity) {
			e.ServerID = serverID
			e.SyncStatus = SyncSynced
			e.LastError = ""
		})
		if err := m.finishEntity(ctx, entity, resp.Body); err != nil {
			pr.fail("entity %s: %v", entity.TempID, err)
			continue
		}
		pr.Synced++
		m.cfg.Logger.Info("offline audit synced", "temp_id", entity.TempID, "server_id", serverID)
	}
	return pr
}

// finishEntity moves dependents of a synced entity to its server id, drops the
// pending record and keeps a server copy for offline viewing.
func (m *SyncManager) finishEntity(ctx context.Context, entity PendingEntity, serverBody []byte) error {
	if _, err := m.store.RemapAttachments(ctx, entity.TempID, entity.ServerID); err != nil {
		return err
	}
	if _, err := m.store.RemapQueueEndpoints(ctx, entity.TempID, entity.ServerID); err != nil {
		return err
	}
	if err := m.store.RemovePendingEntity(ctx, entity.TempID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := m.store.CacheSyncedEntity(ctx, entity.ServerID, mergeObjects(entity.Payload, serverBody, entity.ServerID)); err != nil {
		m.cfg.Logger.Warn("caching synced audit failed", "server_id", entity.ServerID, "error", err)
	}
	return nil
}

func (m *SyncManager) syncAttachments(ctx context.Context) PhaseResult {
	var pr PhaseResult

	for _, att := range m.store.PendingAttachments(ctx) {
		if ctx.Err() != nil {
			break
		}
		if !att.Uploadable() {
			pr.Skipped++
			continue
		}

		_ = m.store.UpdateAttachment(ctx, att.ID, func(a *PendingAttachment) {
			a.SyncStatus = SyncSyncing
		})
		_, err := m.client.Post(ctx, m.cfg.AttachmentEndpoint(att.AuditID), attachmentBody(att))
		if err != nil {
			_ = m.store.UpdateAttachment(ctx, att.ID, func(a *PendingAttachment) {
				a.SyncStatus = SyncFailed
				a.LastError = err.Error()
			})
			pr.fail("attachment %s: %v", att.ID, err)
			continue
		}
		if err := m.store.RemoveAttachment(ctx, att.ID); err != nil && !errors.Is(err, ErrNotFound) {
			pr.fail("attachment %s: %v", att.ID, err)
			continue
		}
		pr.Synced++
	}
	return pr
}

func (m *SyncManager) syncQueue(ctx context.Context) PhaseResult {
	var pr PhaseResult
	maxRetries := m.cfg.MaxQueueRetries

	for _, item := range m.store.SyncQueue(ctx) {
		if ctx.Err() != nil {
			break
		}
		if item.Attempts >= maxRetries {
			// Exhausted items stay visible in Stats but are never dispatched again.
			if item.Status != QueueFailed {
				_ = m.store.UpdateQueueItem(ctx, item.ID, func(it *QueueItem) {
					it.Status = QueueFailed
				})
			}
			pr.fail("operation %s: gave up after %d attempts", item.ID, item.Attempts)
			continue
		}

		attempts := item.Attempts + 1
		// An attempt that cannot be recorded is not made, otherwise the item
		// would never reach maxRetries.
		if err := m.store.UpdateQueueItem(ctx, item.ID, func(it *QueueItem) {
			it.Status = QueueProcessing
			it.Attempts = attempts
		}); err != nil {
			pr.fail("operation %s: record attempt: %v", item.ID, err)
			continue
		}

		if err := m.dispatch(ctx, item); err != nil {
			status := QueuePending
			if attempts >= maxRetries {
				status = QueueFailed
			}
			_ = m.store.UpdateQueueItem(ctx, item.ID, func(it *QueueItem) {
				it.Status = status
				it.LastError = err.Error()
			})
			pr.fail("operation %s: %v", item.ID, err)
			continue
		}
		if err := m.store.RemoveQueueItem(ctx, item.ID); err != nil && !errors.Is(err, ErrNotFound) {
			pr.fail("operation %s: %v", item.ID, err)
			continue
		}
		pr.Synced++
	}
	return pr
}

func (m *SyncManager) dispatch(ctx context.Context, item QueueItem) error {
	var body any
	if len(item.Payload) > 0 {
		body = item.Payload
	}
	var err error
	switch item.Kind {
	case OperationCreate:
		_, err = m.client.Post(ctx, item.Endpoint, body)
	case OperationUpdate:
		_, err = m.client.Put(ctx, item.Endpoint, body)
	case OperationDelete:
		_, err = m.client.Delete(ctx, item.Endpoint, body)
	default:
		err = fmt.Errorf("unsupported operation kind %q", item.Kind)
	}
	return err
}

// refreshReferences fetches every reference dataset concurrently. Get refreshes
// the response cache as a side effect.
func (m *SyncManager) refreshReferences(ctx context.Context) PhaseResult {
	var (
		pr PhaseResult
		mu sync.Mutex
		g  errgroup.Group
	)

	for kind, endpoint := range m.cfg.References {
		g.Go(func() error {
			resp, err := m.client.Get(ctx, endpoint, nil)
			if err == nil {
				err = m.store.SaveReference(ctx, kind, json.RawMessage(resp.Body))
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				pr.fail("reference %s: %v", kind, err)
				return err
			}
			pr.Synced++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.cfg.Logger.Warn("reference refresh incomplete", "error", err)
	}
	return pr
}

func (m *SyncManager) emit(ev SyncEvent) {
	if ev.At.IsZero() {
		ev.At = m.cfg.Clock.Now()
	}

	m.mu.RLock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	listeners := make([]SyncListener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.RUnlock()

	for _, l := range listeners {
		m.notify(l, ev)
	}
}

func (m *SyncManager) notify(l SyncListener, ev SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error("sync listener panicked", "event", ev.Type, "panic", fmt.Sprint(r))
		}
	}()
	l(ev)
}

// extractID reads the server id from a create response: {"id": ...} or
// {"data": {"id": ...}}. Numeric ids are rendered in decimal.
func extractID(body []byte) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if raw, ok := doc["id"]; ok {
		if id := scalarID(raw); id != "" {
			return id, nil
		}
	}
	if data, ok := doc["data"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(data, &inner) == nil {
			if id := scalarID(inner["id"]); id != "" {
				return id, nil
			}
		}
	}
	return "", errors.New("create response has no id")
}

func scalarID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

// mergeObjects overlays the server body on the offline payload and stamps the
// server id. Non-object inputs are ignored.
func mergeObjects(payload json.RawMessage, server []byte, id string) json.RawMessage {
	merged := make(map[string]json.RawMessage)
	_ = json.Unmarshal(payload, &merged)
	var fromServer map[string]json.RawMessage
	if json.Unmarshal(server, &fromServer) == nil {
		if data, ok := fromServer["data"]; ok && len(fromServer) == 1 {
			fromServer = nil
			_ = json.Unmarshal(data, &fromServer)
		}
		for k, v := range fromServer {
			merged[k] = v
		}
	}
	if _, ok := merged["id"]; !ok {
		idJSON, _ := json.Marshal(id)
		merged["id"] = idJSON
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return payload
	}
	return out
}

func attachmentBody(att PendingAttachment) json.RawMessage {
	body := make(map[string]json.RawMessage)
	_ = json.Unmarshal(att.Payload, &body)
	uri, _ := json.Marshal(att.URI)
	body["uri"] = uri
	out, _ := json.Marshal(body)
	return out
}
