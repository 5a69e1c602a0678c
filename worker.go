package relayq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relayq/relayq-go/internal/hctx"
)

// ErrInfraDown is wrapped into the error a worker returns when the broker
// or store stays unreachable; the supervisor maps it to exit code 2.
var ErrInfraDown = errors.New("relayq: broker/store unavailable")

const (
	// defaultPollInterval is the sleep between claim attempts on an empty queue.
	defaultPollInterval = 2 * time.Second
	// timeoutGrace is how long a worker waits for an uncooperative handler
	// after its deadline before abandoning the attempt goroutine.
	timeoutGrace = 5 * time.Second
	// maxConsecutiveInfraErrors turns repeated transient failures into an
	// unrecoverable one.
	maxConsecutiveInfraErrors = 10
)

// WorkerConfig defines the configuration for a single Worker.
type WorkerConfig struct {
	// Queue is the queue this worker claims from.
	Queue string
	// WorkerID identifies the worker in claims; generated when empty.
	WorkerID string
	// PollInterval is the sleep between claims when the queue is empty.
	PollInterval time.Duration
	// MaxTasks stops the worker after this many completed attempts; 0 = unbounded.
	MaxTasks int
	// Logger is the logger used for worker events.
	Logger Logger
}

// Worker is a single long-running claim/execute/report loop. A worker
// never holds more than one task at a time; concurrency comes from
// running many workers.
type Worker struct {
	mgr       *Manager
	queue     string
	id        string
	poll      time.Duration
	maxTasks  int
	log       Logger
	processed int
}

// NewWorker creates a Worker bound to the manager's store and broker.
func NewWorker(mgr *Manager, cfg WorkerConfig) *Worker {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	id := cfg.WorkerID
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	l := cfg.Logger
	if l == nil {
		l = noopLogger{}
	}
	return &Worker{mgr: mgr, queue: queue, id: id, poll: poll, maxTasks: cfg.MaxTasks, log: l}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// Processed returns the number of attempts this worker has completed.
func (w *Worker) Processed() int { return w.processed }

// Run executes the claim loop until ctx is cancelled, the MaxTasks bound
// is reached, or the infrastructure stays down. Cancellation is honoured
// between attempts only; a running attempt is always carried to its
// outcome.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infof("worker %s: starting on queue %q", w.id, w.queue)
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Infof("worker %s: stopping after %d task(s)", w.id, w.processed)
			return nil
		default:
		}

		rec, err := w.mgr.ClaimNext(ctx, w.queue, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutive++
			if consecutive >= maxConsecutiveInfraErrors {
				w.log.Errorf("worker %s: giving up after %d consecutive errors: %v", w.id, consecutive, err)
				return fmt.Errorf("%w: %v", ErrInfraDown, err)
			}
			w.log.Warnf("worker %s: claim failed (%d/%d): %v", w.id, consecutive, maxConsecutiveInfraErrors, err)
			sleepCtx(ctx, w.poll)
			continue
		}
		consecutive = 0

		if rec == nil {
			sleepCtx(ctx, w.poll)
			continue
		}

		w.attempt(ctx, rec)
		w.processed++
		if w.maxTasks > 0 && w.processed >= w.maxTasks {
			w.log.Infof("worker %s: reached max tasks (%d)", w.id, w.maxTasks)
			return nil
		}
	}
}

// attemptOutcome is the uniform tagged result of one handler invocation;
// retry policy operates on this, never on raised control flow.
type attemptOutcome struct {
	value    any
	err      error
	timedOut bool
}

func (w *Worker) attempt(ctx context.Context, rec *TaskRecord) {
	reg := w.mgr.Registry()
	if reg == nil {
		w.commit(ctx, rec.ID, func() error {
			return w.mgr.FailNoRetry(ctx, rec.ID, "no registry configured on worker")
		})
		return
	}
	h, err := reg.Resolve(rec.TaskName)
	if err != nil {
		// Unknown task names are non-retryable: the registry will not
		// change for the lifetime of this process.
		w.log.Errorf("worker %s: unknown task %q id=%s", w.id, rec.TaskName, rec.ID)
		w.commit(ctx, rec.ID, func() error {
			return w.mgr.FailNoRetry(ctx, rec.ID, fmt.Sprintf("unknown task: %s", rec.TaskName))
		})
		return
	}

	started := time.Now()
	out := w.execute(reg, h, rec)
	elapsed := time.Since(started)

	switch {
	case out.timedOut:
		w.log.Warnf("worker %s: task %s timed out after %s", w.id, rec.ID, elapsed.Truncate(time.Millisecond))
		w.commit(ctx, rec.ID, func() error { return w.mgr.Fail(ctx, rec.ID, "timeout") })
	case out.err != nil:
		w.log.Warnf("worker %s: task %s failed in %s: %v", w.id, rec.ID, elapsed.Truncate(time.Millisecond), out.err)
		w.commit(ctx, rec.ID, func() error { return w.mgr.Fail(ctx, rec.ID, out.err.Error()) })
	default:
		w.log.Infof("worker %s: task %s (%s) done in %s", w.id, rec.ID, rec.TaskName, elapsed.Truncate(time.Millisecond))
		w.commit(ctx, rec.ID, func() error { return w.mgr.Complete(ctx, rec.ID, out.value) })
	}
}

// execute runs the handler under the task's wall-clock bound. The attempt
// context is derived from Background, not the loop context, so shutdown
// never interrupts a running attempt.
func (w *Worker) execute(reg *Registry, h *Handler, rec *TaskRecord) attemptOutcome {
	actx, cancel := context.WithTimeout(context.Background(), rec.TimeoutDuration())
	defer cancel()
	actx = hctx.WithInfo(actx, &hctx.Info{
		TaskID:   rec.ID,
		TaskName: rec.TaskName,
		Queue:    rec.QueueName,
		Attempt:  rec.RetryCount + 1,
		WorkerID: w.id,
	})

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := h.Exec(actx, reg, rec.Args, rec.Kwargs)
		done <- attemptOutcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		// A cooperative handler that returns its context error after the
		// deadline fired still counts as a timeout, not a handler error.
		if out.err != nil && actx.Err() != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return attemptOutcome{timedOut: true}
		}
		return out
	case <-actx.Done():
		// The handler was signalled through its context; give it a short
		// grace to come back, then abandon the goroutine. Either way the
		// attempt counts as a timeout: the wall-clock bound was exceeded.
		select {
		case <-done:
		case <-time.After(timeoutGrace):
			w.log.Warnf("worker %s: abandoning uncooperative handler for task %s", w.id, rec.ID)
		}
		return attemptOutcome{timedOut: true}
	}
}

// commit applies an outcome transition, retrying transient store/broker
// failures in place. Task state is never mutated by giving up here: an
// uncommitted claim is recovered by the stale sweep.
func (w *Worker) commit(ctx context.Context, id string, fn func() error) {
	const tries = 3
	var err error
	for i := 0; i < tries; i++ {
		if err = fn(); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		w.log.Warnf("worker %s: outcome commit failed for task %s (%d/%d): %v", w.id, id, i+1, tries, err)
		sleepCtx(ctx, time.Duration(i+1)*500*time.Millisecond)
	}
	w.log.Errorf("worker %s: outcome left uncommitted for task %s, sweep will reclaim: %v", w.id, id, err)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
