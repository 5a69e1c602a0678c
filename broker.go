package relayq

import (
	"context"
	"time"
)

// Claim describes a task popped from the pending set. Score preserves the
// broker's original ordering so a failed claim can be pushed back in place.
type Claim struct {
	TaskID string
	Score  float64
}

// InflightClaim describes an in-flight marker, used by the stale-claim sweep.
type InflightClaim struct {
	TaskID   string
	WorkerID string
	Deadline time.Time
}

// BrokerStats reports the number of task references per broker structure.
type BrokerStats struct {
	Pending  int64 `json:"pending"`
	Delayed  int64 `json:"delayed"`
	Inflight int64 `json:"inflight"`
}

// Broker is the volatile dispatch store: a priority-ordered pending set,
// a time-indexed delayed set and an in-flight marker per claimed task,
// all per queue. It holds task IDs only, never full records. The broker
// is the sole synchronization point for claim races, so Pop/Promote/
// TakeInflight must be atomic.
type Broker interface {
	// Push admits id into the pending set of queue at the given priority,
	// FIFO within the band.
	Push(ctx context.Context, queue, id string, priority Priority) error
	// Pop atomically removes the highest-priority pending id and writes its
	// in-flight marker with the claim deadline. Returns nil when the queue
	// is empty.
	Pop(ctx context.Context, queue, workerID string, deadline time.Time) (*Claim, error)
	// Unpop atomically undoes a Pop: the in-flight marker is cleared and
	// the id returns to pending at its original score.
	Unpop(ctx context.Context, queue string, c *Claim) error
	// ExtendInflight moves the claim deadline of an existing in-flight
	// marker. A missing marker is a no-op.
	ExtendInflight(ctx context.Context, queue, id string, deadline time.Time) error
	// ClearInflight removes the in-flight marker for id, if present.
	ClearInflight(ctx context.Context, queue, id string) error
	// MoveToDelayed clears the in-flight marker and parks id in the delayed
	// set, keyed by the time it becomes ready.
	MoveToDelayed(ctx context.Context, queue, id string, readyAt time.Time) error
	// DueDelayed returns up to limit ids whose ready time is at or before now.
	DueDelayed(ctx context.Context, queue string, now time.Time, limit int) ([]string, error)
	// Promote atomically moves id from the delayed set into pending at the
	// given priority. Returns false when another caller already moved it.
	Promote(ctx context.Context, queue, id string, priority Priority) (bool, error)
	// StaleInflight returns in-flight markers whose deadline has passed.
	StaleInflight(ctx context.Context, queue string, now time.Time, limit int) ([]InflightClaim, error)
	// TakeInflight atomically removes the in-flight marker for id. Returns
	// false when another caller already took it.
	TakeInflight(ctx context.Context, queue, id string) (bool, error)
	// Stats counts the task references held per structure for queue.
	Stats(ctx context.Context, queue string) (BrokerStats, error)
}
