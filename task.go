package relayq

import (
	"encoding/json"
	"time"
)

// TaskRecord is the durable metadata record for a single task.
// It is the source of truth for the task lifecycle; the broker only
// ever holds the task ID plus small scheduling hints.
type TaskRecord struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// TaskName is the registry name resolved to a handler at execution time.
	TaskName string `json:"task_name"`
	// Args holds the positional arguments passed to the handler, verbatim.
	Args []any `json:"args"`
	// Kwargs holds the keyword arguments passed to the handler, verbatim.
	Kwargs map[string]any `json:"kwargs"`
	// Priority orders claims across tasks of the same queue; lower wins.
	Priority Priority `json:"priority"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Result is the handler return value, present only on success.
	Result json.RawMessage `json:"result,omitempty"`
	// ErrorMessage is the message from the last failed attempt.
	ErrorMessage string `json:"error_message,omitempty"`
	// RetryCount is the number of completed attempts that failed.
	RetryCount int `json:"retry_count"`
	// MaxRetries is the inclusive retry cap; a task gets MaxRetries+1 attempts.
	MaxRetries int `json:"max_retries"`
	// RetryDelay is the backoff base between attempts, in seconds.
	RetryDelay int64 `json:"retry_delay"`
	// Timeout is the per-attempt execution bound, in seconds.
	Timeout int64 `json:"timeout"`
	// QueueName is the routing key.
	QueueName string `json:"queue_name"`
	// WorkerID is the worker that last claimed the task.
	WorkerID string `json:"worker_id,omitempty"`
	// CreatedAt is set once at enqueue.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is set on every state change.
	UpdatedAt time.Time `json:"updated_at"`
	// StartedAt is set when the task first transitions to processing.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is set on the terminal transition.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// NextRetryAt is set while the task is waiting in the delayed set.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// TimeoutDuration returns the per-attempt bound as a time.Duration.
func (t *TaskRecord) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// RetryDelayDuration returns the backoff base as a time.Duration.
func (t *TaskRecord) RetryDelayDuration() time.Duration {
	return time.Duration(t.RetryDelay) * time.Second
}

// Terminal reports whether the record has reached a terminal status.
func (t *TaskRecord) Terminal() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailed
}
