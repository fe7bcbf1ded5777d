// Package jobs runs sync passes as asynq tasks so a Redis-backed deployment can
// schedule them and accept on-demand requests from the admin API.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ambiyansyah-risyal/fieldsync"
)

// Syncer runs one sync pass.
type Syncer interface {
	SyncAll(ctx context.Context) (fieldsync.SyncResult, error)
}

// Handler processes TaskSyncAll.
type Handler struct {
	syncer Syncer
	logger fieldsync.Logger
}

func NewHandler(syncer Syncer, logger fieldsync.Logger) *Handler {
	if logger == nil {
		logger = fieldsync.NopLogger()
	}
	return &Handler{syncer: syncer, logger: logger}
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.Handle(TaskSyncAll, h)
}

// ProcessTask implements asynq.Handler. Item failures stay in the offline
// queue for the next pass, so only an aborted pass is retried by asynq.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if len(t.Payload()) > 0 {
		h.logger.Error("unexpected sync payload", "bytes", len(t.Payload()))
		return fmt.Errorf("%s takes no payload: %w", TaskSyncAll, asynq.SkipRetry)
	}

	start := time.Now()
	result, err := h.syncer.SyncAll(ctx)
	if err != nil {
		h.logger.Warn("sync task aborted", "error", err)
		return err
	}
	if result.AlreadySyncing {
		h.logger.Debug("sync task skipped, pass already running")
		return nil
	}
	h.logger.Info("sync task done",
		"synced", result.Synced,
		"failed", result.Failed,
		"duration", time.Since(start),
	)
	return nil
}

// Enqueuer is the part of *asynq.Client the dispatcher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher requests sync passes through asynq.
type Dispatcher struct {
	client Enqueuer
	logger fieldsync.Logger
}

func NewDispatcher(client Enqueuer, logger fieldsync.Logger) *Dispatcher {
	if logger == nil {
		logger = fieldsync.NopLogger()
	}
	return &Dispatcher{client: client, logger: logger}
}

// NewSyncTask builds a TaskSyncAll task. asynq derives the uniqueness key from
// the payload, so the payload is empty and requests within a minute of each
// other collapse into one task.
func NewSyncTask() *asynq.Task {
	return asynq.NewTask(TaskSyncAll, nil,
		asynq.Queue(QueueSync),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Unique(time.Minute),
	)
}

// RequestSync enqueues a pass. A duplicate of a task still pending is not an error.
func (d *Dispatcher) RequestSync(ctx context.Context, reason string) error {
	info, err := d.client.EnqueueContext(ctx, NewSyncTask())
	if errors.Is(err, asynq.ErrDuplicateTask) {
		d.logger.Debug("sync request collapsed into pending task", "reason", reason)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskSyncAll, err)
	}
	d.logger.Info("sync requested", "reason", reason, "task", info.ID)
	return nil
}

// RegisterSchedule adds a periodic TaskSyncAll to s.
func RegisterSchedule(s *asynq.Scheduler, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", errors.New("sync interval must be positive")
	}
	return s.Register(fmt.Sprintf("@every %s", interval), NewSyncTask())
}
