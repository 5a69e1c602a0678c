package relayq

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(opts ...ManagerOption) (*Manager, *MemStore, *fakeBroker, *fakeClock) {
	store := NewMemStore()
	broker := newFakeBroker()
	clock := newFakeClock()
	base := []ManagerOption{WithClock(clock)}
	mgr := NewManager(store, broker, nil, append(base, opts...)...)
	return mgr, store, broker, clock
}

func TestManager_Enqueue_Defaults(t *testing.T) {
	mgr, store, broker, clock := newTestManager()
	ctx := context.Background()

	rec, err := mgr.Enqueue(ctx, "add_numbers", []any{2, 3}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, PriorityNormal, rec.Priority)
	require.Equal(t, DefaultQueue, rec.QueueName)
	require.Equal(t, DefaultMaxRetries, rec.MaxRetries)
	require.Equal(t, int64(DefaultRetryDelay), rec.RetryDelay)
	require.Equal(t, int64(DefaultTimeout), rec.Timeout)
	require.Equal(t, clock.Now(), rec.CreatedAt)
	require.NotNil(t, rec.Kwargs)

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)

	require.Equal(t, []string{rec.ID}, broker.pendingIDs(DefaultQueue))
}

func TestManager_Enqueue_EmptyNameRejected(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	_, err := mgr.Enqueue(context.Background(), "", nil, nil)
	require.Error(t, err)
}

func TestManager_Enqueue_DeclaredDefaults(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("tuned", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	}, WithDeclaredTimeout(42), WithDeclaredMaxRetries(1)))

	store := NewMemStore()
	broker := newFakeBroker()
	mgr := NewManager(store, broker, reg, WithClock(newFakeClock()))
	ctx := context.Background()

	rec, err := mgr.Enqueue(ctx, "tuned", nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(42), rec.Timeout)
	require.Equal(t, 1, rec.MaxRetries)

	// Producer overrides win over declarations.
	rec, err = mgr.Enqueue(ctx, "tuned", nil, nil, Timeout(7), MaxRetries(5))
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.Timeout)
	require.Equal(t, 5, rec.MaxRetries)

	// Unknown names are accepted; registries differ between hosts.
	_, err = mgr.Enqueue(ctx, "not_registered", nil, nil)
	require.NoError(t, err)
}

func TestManager_Enqueue_BrokerDownKeepsRecordPending(t *testing.T) {
	mgr, store, broker, _ := newTestManager()
	broker.pushErr = errors.New("connection refused")

	rec, err := mgr.Enqueue(context.Background(), "add_numbers", nil, nil)
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Empty(t, broker.pendingIDs(DefaultQueue))
}

func TestManager_ClaimNext_Empty(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	rec, err := mgr.ClaimNext(context.Background(), DefaultQueue, "w1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestManager_ClaimNext_PriorityThenFIFO(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	ctx := context.Background()

	h1, _ := mgr.Enqueue(ctx, "t", nil, nil, WithPriority(PriorityHigh))
	n1, _ := mgr.Enqueue(ctx, "t", nil, nil)
	h2, _ := mgr.Enqueue(ctx, "t", nil, nil, WithPriority(PriorityHigh))
	l1, _ := mgr.Enqueue(ctx, "t", nil, nil, WithPriority(PriorityLow))
	n2, _ := mgr.Enqueue(ctx, "t", nil, nil)

	var got []string
	for i := 0; i < 5; i++ {
		rec, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		got = append(got, rec.ID)
	}
	require.Equal(t, []string{h1.ID, h2.ID, n1.ID, n2.ID, l1.ID}, got)
}

func TestManager_ClaimNext_TransitionsRecord(t *testing.T) {
	mgr, store, broker, clock := newTestManager()
	ctx := context.Background()

	enq, _ := mgr.Enqueue(ctx, "t", nil, nil)
	clock.Advance(time.Second)

	rec, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.NoError(t, err)
	require.Equal(t, enq.ID, rec.ID)
	require.Equal(t, StatusProcessing, rec.Status)
	require.Equal(t, "w1", rec.WorkerID)
	require.NotNil(t, rec.StartedAt)
	require.Equal(t, clock.Now(), *rec.StartedAt)

	stored, _ := store.Get(ctx, rec.ID)
	require.Equal(t, StatusProcessing, stored.Status)

	stats, _ := broker.Stats(ctx, DefaultQueue)
	require.Equal(t, int64(0), stats.Pending)
	require.Equal(t, int64(1), stats.Inflight)

	// In-flight deadline was extended to the task timeout plus grace.
	fi := broker.inflight[DefaultQueue][rec.ID]
	require.Equal(t, clock.Now().Add(rec.TimeoutDuration()+claimGrace), fi.deadline)
}

// failingStore simulates a store that cannot commit the claim transition.
type failingStore struct {
	*MemStore
	failMarkProcessing bool
}

func (s *failingStore) MarkProcessing(ctx context.Context, id, workerID string, now time.Time) error {
	if s.failMarkProcessing {
		return errors.New("connection reset")
	}
	return s.MemStore.MarkProcessing(ctx, id, workerID, now)
}

func TestManager_ClaimNext_StoreFailureReturnsTaskToPending(t *testing.T) {
	store := &failingStore{MemStore: NewMemStore(), failMarkProcessing: true}
	broker := newFakeBroker()
	mgr := NewManager(store, broker, nil, WithClock(newFakeClock()))
	ctx := context.Background()

	enq, err := mgr.Enqueue(ctx, "t", nil, nil)
	require.NoError(t, err)

	_, err = mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.Error(t, err)

	// Task returned to pending at its original position; no inflight marker.
	require.Equal(t, []string{enq.ID}, broker.pendingIDs(DefaultQueue))
	stats, _ := broker.Stats(ctx, DefaultQueue)
	require.Equal(t, int64(0), stats.Inflight)

	// Once the store recovers the claim succeeds.
	store.failMarkProcessing = false
	rec, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.NoError(t, err)
	require.Equal(t, enq.ID, rec.ID)
}

func TestManager_ClaimNext_DropsOrphanBrokerEntry(t *testing.T) {
	mgr, _, broker, clock := newTestManager()
	ctx := context.Background()
	require.NoError(t, broker.Push(ctx, DefaultQueue, "ghost", PriorityNormal))

	rec, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.NoError(t, err)
	require.Nil(t, rec)

	stats, _ := broker.Stats(ctx, DefaultQueue)
	require.Equal(t, int64(0), stats.Pending+stats.Inflight+stats.Delayed)
	_ = clock
}

func TestManager_Complete(t *testing.T) {
	mgr, store, broker, _ := newTestManager()
	ctx := context.Background()

	enq, _ := mgr.Enqueue(ctx, "t", nil, nil)
	_, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.NoError(t, err)

	require.NoError(t, mgr.Complete(ctx, enq.ID, 5))

	rec, _ := store.Get(ctx, enq.ID)
	require.Equal(t, StatusSuccess, rec.Status)
	require.Equal(t, "5", string(rec.Result))
	require.Equal(t, 0, rec.RetryCount)
	require.NotNil(t, rec.CompletedAt)
	require.True(t, !rec.StartedAt.After(*rec.CompletedAt))

	// Terminal status implies no broker entry.
	stats, _ := broker.Stats(ctx, DefaultQueue)
	require.Equal(t, int64(0), stats.Pending+stats.Delayed+stats.Inflight)
}

func TestManager_Fail_SchedulesRetryWithBackoff(t *testing.T) {
	mgr, store, broker, clock := newTestManager()
	ctx := context.Background()

	enq, _ := mgr.Enqueue(ctx, "t", nil, nil, RetryDelay(60), MaxRetries(3))
	_, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.NoError(t, err)

	require.NoError(t, mgr.Fail(ctx, enq.ID, "boom"))

	rec, _ := store.Get(ctx, enq.ID)
	require.Equal(t, StatusRetry, rec.Status)
	require.Equal(t, 1, rec.RetryCount)
	require.Equal(t, "boom", rec.ErrorMessage)
	require.NotNil(t, rec.NextRetryAt)
	require.Equal(t, clock.Now().Add(60*time.Second), *rec.NextRetryAt)
	require.True(t, rec.NextRetryAt.After(clock.Now()))

	// Present in the delayed set at exactly next_retry_at.
	require.Equal(t, *rec.NextRetryAt, broker.delayed[DefaultQueue][enq.ID])
	stats, _ := broker.Stats(ctx, DefaultQueue)
	require.Equal(t, int64(1), stats.Delayed)
	require.Equal(t, int64(0), stats.Inflight)
}

func TestManager_Fail_BackoffGapsNonDecreasing(t *testing.T) {
	mgr, store, _, clock := newTestManager()
	ctx := context.Background()

	enq, _ := mgr.Enqueue(ctx, "t", nil, nil, RetryDelay(10), MaxRetries(5))

	var gaps []time.Duration
	for i := 0; i < 4; i++ {
		_, err := mgr.PromoteDelayed(ctx, DefaultQueue)
		require.NoError(t, err)
		rec, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.NoError(t, mgr.Fail(ctx, enq.ID, "boom"))
		updated, _ := store.Get(ctx, enq.ID)
		gaps = append(gaps, updated.NextRetryAt.Sub(clock.Now()))
		clock.Advance(updated.NextRetryAt.Sub(clock.Now()) + time.Second)
	}
	for i := 1; i < len(gaps); i++ {
		require.GreaterOrEqual(t, gaps[i], gaps[i-1])
	}
}

func TestManager_Fail_ExhaustedRetries(t *testing.T) {
	mgr, store, broker, _ := newTestManager()
	ctx := context.Background()

	enq, _ := mgr.Enqueue(ctx, "t", nil, nil, MaxRetries(0))
	_, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.NoError(t, err)

	require.NoError(t, mgr.Fail(ctx, enq.ID, "boom"))

	rec, _ := store.Get(ctx, enq.ID)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, 0, rec.RetryCount)
	require.Equal(t, "boom", rec.ErrorMessage)
	require.NotNil(t, rec.CompletedAt)

	stats, _ := broker.Stats(ctx, DefaultQueue)
	require.Equal(t, int64(0), stats.Pending+stats.Delayed+stats.Inflight)
}

func TestManager_Fail_TruncatesLongMessages(t *testing.T) {
	mgr, store, _, _ := newTestManager()
	ctx := context.Background()

	enq, _ := mgr.Enqueue(ctx, "t", nil, nil, MaxRetries(0))
	_, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.NoError(t, err)

	require.NoError(t, mgr.Fail(ctx, enq.ID, strings.Repeat("x", maxErrorLen*2)))
	rec, _ := store.Get(ctx, enq.ID)
	require.Len(t, rec.ErrorMessage, maxErrorLen)
}

func TestManager_FailNoRetry(t *testing.T) {
	mgr, store, _, _ := newTestManager()
	ctx := context.Background()

	enq, _ := mgr.Enqueue(ctx, "nope", nil, nil, MaxRetries(3))
	_, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.NoError(t, err)

	require.NoError(t, mgr.FailNoRetry(ctx, enq.ID, "unknown task: nope"))

	rec, _ := store.Get(ctx, enq.ID)
	require.Equal(t, StatusFailed, rec.Status)
	// Non-retryable failures report retry_count equal to the cap.
	require.Equal(t, 3, rec.RetryCount)
	require.Contains(t, rec.ErrorMessage, "unknown task")
}

func TestManager_PromoteDelayed_MovesReadyTasksOnce(t *testing.T) {
	mgr, store, broker, clock := newTestManager()
	ctx := context.Background()

	enq, _ := mgr.Enqueue(ctx, "t", nil, nil, RetryDelay(30), MaxRetries(2), WithPriority(PriorityHigh))
	_, err := mgr.ClaimNext(ctx, DefaultQueue, "w1")
	require.NoError(t, err)
	require.NoError(t, mgr.Fail(ctx, enq.ID, "boom"))

	// Not yet ready: nothing moves.
	moved, err := mgr.PromoteDelayed(ctx, DefaultQueue)
	require.NoError(t, err)
	require.Zero(t, moved)

	clock.Advance(31 * time.Second)
	moved, err = mgr.PromoteDelayed(ctx, DefaultQueue)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	rec, _ := store.Get(ctx, enq.ID)
	require.Equal(t, StatusPending, rec.Status)
	require.Nil(t, rec.NextRetryAt)
	require.Equal(t, []string{enq.ID}, broker.pendingIDs(DefaultQueue))

	// Idempotent: a second sweep moves nothing.
	moved, err = mgr.PromoteDelayed(ctx, DefaultQueue)
	require.NoError(t, err)
	require.Zero(t, moved)
	require.Equal(t, []string{enq.ID}, broker.pendingIDs(DefaultQueue))
}

func TestManager_ReclaimStale_RoutesThroughFail(t *testing.T) {
	mgr, store, broker, clock := newTestManager()
	ctx := context.Background()

	enq, _ := mgr.Enqueue(ctx, "t", nil, nil, RetryDelay(5), MaxRetries(2), Timeout(10))
	_, err := mgr.ClaimNext(ctx, DefaultQueue, "w-crashed")
	require.NoError(t, err)

	// A live claim is not reclaimed.
	n, err := mgr.ReclaimStale(ctx, DefaultQueue)
	require.NoError(t, err)
	require.Zero(t, n)

	// Past timeout + grace the claim is treated as a failed attempt.
	clock.Advance(10*time.Second + claimGrace + time.Second)
	n, err = mgr.ReclaimStale(ctx, DefaultQueue)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, _ := store.Get(ctx, enq.ID)
	require.Equal(t, StatusRetry, rec.Status)
	require.Equal(t, 1, rec.RetryCount)
	require.Contains(t, rec.ErrorMessage, "w-crashed")

	stats, _ := broker.Stats(ctx, DefaultQueue)
	require.Equal(t, int64(0), stats.Inflight)
	require.Equal(t, int64(1), stats.Delayed)
}
