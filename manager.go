package relayq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// claimGrace is added on top of the task timeout when computing the
	// in-flight deadline, so a slow-but-alive worker is not reclaimed
	// while it is still committing its outcome.
	claimGrace = 30 * time.Second

	// sweepBatch caps how many delayed or stale entries a single sweep
	// pass touches, to avoid long blocking loops.
	sweepBatch = 256

	// maxErrorLen bounds stored handler error messages.
	maxErrorLen = 2000
)

// Manager mediates between the metadata store and the broker. It is the
// only component that writes to either, and it enforces the lifecycle
// invariants. A single Manager is shared by all workers of a process and
// is safe for concurrent use.
type Manager struct {
	store  Store
	broker Broker
	reg    *Registry
	enc    Encoder
	clock  Clock
	log    Logger
	grace  time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger. Default is a no-op logger.
func WithLogger(l Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock sets the manager's time source. Default is the system clock.
func WithClock(c Clock) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithEncoder sets the encoder used for results. Default is JSONEncoder.
func WithEncoder(e Encoder) ManagerOption {
	return func(m *Manager) {
		if e != nil {
			m.enc = e
		}
	}
}

// WithClaimGrace overrides the grace added to claim deadlines.
func WithClaimGrace(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// NewManager creates a Manager over the given store, broker and registry.
// The registry may be nil on producer-only processes; enqueue validation
// then degrades to accepting every name.
func NewManager(store Store, broker Broker, reg *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		broker: broker,
		reg:    reg,
		enc:    &JSONEncoder{},
		clock:  SystemClock(),
		log:    noopLogger{},
		grace:  claimGrace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue validates the submission, inserts the durable record and pushes
// the task ID into the broker's pending set. The database insert happens
// first; if the broker push fails the record stays pending and the error
// is logged rather than returned, since the record itself is safely
// durable and visible to operators.
func (m *Manager) Enqueue(ctx context.Context, taskName string, args []any, kwargs map[string]any, opts ...Option) (*TaskRecord, error) {
	if taskName == "" {
		return nil, fmt.Errorf("relayq: empty task name")
	}
	cfg := defaultEnqueueOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	// Soft registry check: registries may differ between the API host and
	// the worker host, so an unknown name is accepted with a warning.
	if m.reg != nil {
		if h, err := m.reg.Resolve(taskName); err != nil {
			m.log.Warnf("enqueue: task %q not in local registry", taskName)
		} else {
			if !cfg.timeoutSet && h.DeclaredTimeout > 0 {
				cfg.timeout = h.DeclaredTimeout
			}
			if !cfg.maxRetriesSet && h.DeclaredMaxRetries >= 0 {
				cfg.maxRetries = h.DeclaredMaxRetries
			}
		}
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	now := m.clock.Now().UTC()
	rec := &TaskRecord{
		ID:         id,
		TaskName:   taskName,
		Args:       args,
		Kwargs:     kwargs,
		Priority:   cfg.priority,
		Status:     StatusPending,
		MaxRetries: cfg.maxRetries,
		RetryDelay: cfg.retryDelay,
		Timeout:    cfg.timeout,
		QueueName:  cfg.queue,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := m.broker.Push(ctx, rec.QueueName, rec.ID, rec.Priority); err != nil {
		m.log.Errorf("enqueue: broker push failed, record stays pending: id=%s queue=%s err=%v", rec.ID, rec.QueueName, err)
	} else {
		m.log.Debugf("enqueued: id=%s name=%s queue=%s priority=%s", rec.ID, rec.TaskName, rec.QueueName, rec.Priority)
	}
	return rec, nil
}

// ClaimNext atomically pops the highest-priority pending task and
// transitions it to processing on behalf of workerID. It returns nil
// when the queue is empty.
func (m *Manager) ClaimNext(ctx context.Context, queue, workerID string) (*TaskRecord, error) {
	now := m.clock.Now().UTC()
	// The in-flight marker is written with a provisional deadline; it is
	// extended to the task's own timeout once the record has been read.
	// A crash before the extension just means an early reclaim.
	c, err := m.broker.Pop(ctx, queue, workerID, now.Add(m.grace))
	if err != nil {
		return nil, fmt.Errorf("claim pop: %w", err)
	}
	if c == nil {
		return nil, nil
	}

	rec, err := m.store.Get(ctx, c.TaskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			// Broker entry without a record: drop it rather than spin.
			_ = m.broker.ClearInflight(ctx, queue, c.TaskID)
			m.log.Warnf("claim: dropped orphan broker entry id=%s queue=%s", c.TaskID, queue)
			return nil, nil
		}
		if uerr := m.broker.Unpop(ctx, queue, c); uerr != nil {
			m.log.Errorf("claim: unpop failed id=%s queue=%s err=%v", c.TaskID, queue, uerr)
		}
		return nil, fmt.Errorf("claim read: %w", err)
	}

	if err := m.store.MarkProcessing(ctx, rec.ID, workerID, now); err != nil {
		if uerr := m.broker.Unpop(ctx, queue, c); uerr != nil {
			m.log.Errorf("claim: unpop failed id=%s queue=%s err=%v", c.TaskID, queue, uerr)
		}
		return nil, fmt.Errorf("claim transition: %w", err)
	}
	deadline := now.Add(rec.TimeoutDuration() + m.grace)
	if err := m.broker.ExtendInflight(ctx, queue, rec.ID, deadline); err != nil {
		m.log.Warnf("claim: extend inflight failed id=%s queue=%s err=%v", rec.ID, queue, err)
	}

	rec.Status = StatusProcessing
	rec.WorkerID = workerID
	if rec.StartedAt == nil {
		t := now
		rec.StartedAt = &t
	}
	rec.UpdatedAt = now
	m.log.Debugf("claimed: id=%s queue=%s worker=%s", rec.ID, queue, workerID)
	return rec, nil
}

// Complete records a successful attempt: the result is stored, the record
// becomes success and the in-flight marker is cleared.
func (m *Manager) Complete(ctx context.Context, id string, result any) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	data, err := m.enc.Encode(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now := m.clock.Now().UTC()
	if err := m.store.MarkSucceeded(ctx, id, data, now); err != nil {
		return fmt.Errorf("complete transition: %w", err)
	}
	if err := m.broker.ClearInflight(ctx, rec.QueueName, id); err != nil {
		m.log.Warnf("complete: clear inflight failed id=%s err=%v", id, err)
	}
	m.log.Debugf("completed: id=%s queue=%s", id, rec.QueueName)
	return nil
}

// Fail records a failed attempt and decides between retry and failed.
// While retries remain, the task is parked in the delayed set with an
// exponential backoff; otherwise it becomes failed with the final error.
func (m *Manager) Fail(ctx context.Context, id, errMsg string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	errMsg = truncateError(errMsg)
	now := m.clock.Now().UTC()

	attemptsUsed := rec.RetryCount + 1
	if attemptsUsed > rec.MaxRetries {
		if err := m.store.MarkFailed(ctx, id, errMsg, rec.RetryCount, now); err != nil {
			return fmt.Errorf("fail transition: %w", err)
		}
		if err := m.broker.ClearInflight(ctx, rec.QueueName, id); err != nil {
			m.log.Warnf("fail: clear inflight failed id=%s err=%v", id, err)
		}
		m.log.Warnf("failed permanently: id=%s queue=%s retries=%d err=%s", id, rec.QueueName, rec.RetryCount, errMsg)
		return nil
	}

	newCount := rec.RetryCount + 1
	delay := Backoff(newCount, rec.RetryDelayDuration())
	if delay <= 0 {
		// next_retry_at must land strictly after the transition commit.
		delay = time.Second
	}
	nextAt := now.Add(delay)
	if err := m.store.MarkRetry(ctx, id, errMsg, newCount, nextAt, now); err != nil {
		return fmt.Errorf("retry transition: %w", err)
	}
	if err := m.broker.MoveToDelayed(ctx, rec.QueueName, id, nextAt); err != nil {
		m.log.Errorf("fail: delayed insert failed, sweep will recover: id=%s err=%v", id, err)
	}
	m.log.Infof("retry scheduled: id=%s queue=%s attempt=%d/%d delay=%s", id, rec.QueueName, newCount, rec.MaxRetries, delay)
	return nil
}

// FailNoRetry marks the task failed regardless of remaining retries, with
// retry_count forced to max_retries. Used for non-retryable classes such
// as an unknown task name.
func (m *Manager) FailNoRetry(ctx context.Context, id, errMsg string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := m.clock.Now().UTC()
	if err := m.store.MarkFailed(ctx, id, truncateError(errMsg), rec.MaxRetries, now); err != nil {
		return fmt.Errorf("fail transition: %w", err)
	}
	if err := m.broker.ClearInflight(ctx, rec.QueueName, id); err != nil {
		m.log.Warnf("fail: clear inflight failed id=%s err=%v", id, err)
	}
	m.log.Warnf("failed (non-retryable): id=%s queue=%s err=%s", id, rec.QueueName, errMsg)
	return nil
}

// PromoteDelayed moves every delayed entry whose ready time has passed
// back into the pending set at its original priority and flips the record
// from retry to pending. It is idempotent under concurrent callers: the
// broker move is atomic and only the winner updates the record. Returns
// the number of tasks promoted.
func (m *Manager) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	now := m.clock.Now().UTC()
	ids, err := m.broker.DueDelayed(ctx, queue, now, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("promote scan: %w", err)
	}
	moved := 0
	for _, id := range ids {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			m.log.Warnf("promote: record missing id=%s queue=%s err=%v", id, queue, err)
			continue
		}
		won, err := m.broker.Promote(ctx, queue, id, rec.Priority)
		if err != nil {
			m.log.Warnf("promote: move failed id=%s queue=%s err=%v", id, queue, err)
			continue
		}
		if !won {
			continue
		}
		if err := m.store.MarkPending(ctx, id, now); err != nil {
			m.log.Errorf("promote: pending flip failed id=%s err=%v", id, err)
			continue
		}
		moved++
	}
	if moved > 0 {
		m.log.Infof("promoted %d delayed task(s) queue=%s", moved, queue)
	}
	return moved, nil
}

// ReclaimStale interprets every expired in-flight marker as a crashed
// worker and routes the task through the failure path, so it either
// re-enters the retry schedule or fails permanently. Returns the number
// of tasks reclaimed.
func (m *Manager) ReclaimStale(ctx context.Context, queue string) (int, error) {
	now := m.clock.Now().UTC()
	claims, err := m.broker.StaleInflight(ctx, queue, now, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("reclaim scan: %w", err)
	}
	reclaimed := 0
	for _, c := range claims {
		won, err := m.broker.TakeInflight(ctx, queue, c.TaskID)
		if err != nil {
			m.log.Warnf("reclaim: take failed id=%s queue=%s err=%v", c.TaskID, queue, err)
			continue
		}
		if !won {
			continue
		}
		msg := fmt.Sprintf("claim expired: worker %s lost", c.WorkerID)
		if err := m.Fail(ctx, c.TaskID, msg); err != nil {
			m.log.Errorf("reclaim: fail routing failed id=%s err=%v", c.TaskID, err)
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		m.log.Warnf("reclaimed %d stale claim(s) queue=%s", reclaimed, queue)
	}
	return reclaimed, nil
}

// Stats reports the broker's per-structure counts for queue.
func (m *Manager) Stats(ctx context.Context, queue string) (BrokerStats, error) {
	return m.broker.Stats(ctx, queue)
}

// Store exposes the metadata store for read-only listing surfaces.
func (m *Manager) Store() Store { return m.store }

// Registry exposes the registry the manager validates against.
func (m *Manager) Registry() *Registry { return m.reg }

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
