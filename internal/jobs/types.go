package jobs

// TaskSyncAll runs one offline sync pass.
const TaskSyncAll = "sync:all"

// QueueSync is the asynq queue sync tasks are placed on.
const QueueSync = "sync"
