package relayq

import (
	"context"

	"github.com/relayq/relayq-go/internal/hctx"
)

// TaskInfo describes the attempt a handler is currently executing.
type TaskInfo struct {
	// TaskID is the durable record's ID.
	TaskID string
	// TaskName is the registered name the handler was resolved under.
	TaskName string
	// Queue is the queue the task was claimed from.
	Queue string
	// Attempt is 1 for the first execution and retry_count+1 afterwards.
	Attempt int
	// WorkerID identifies the executing worker.
	WorkerID string
}

// TaskFromContext returns the attempt metadata the worker attached to the
// handler context. ok is false when the context did not come from a
// relayq worker.
func TaskFromContext(ctx context.Context) (TaskInfo, bool) {
	info, ok := hctx.From(ctx)
	if !ok || info == nil {
		return TaskInfo{}, false
	}
	return TaskInfo{
		TaskID:   info.TaskID,
		TaskName: info.TaskName,
		Queue:    info.Queue,
		Attempt:  info.Attempt,
		WorkerID: info.WorkerID,
	}, true
}
