package ordering

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/models"
	"payment-recovery/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newQueue(t *testing.T, maxRetries int) (*Queue, *storage.Memory, *clock) {
	t.Helper()
	repo := storage.NewMemory()
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	q := NewQueue(repo, config.OrderingConfig{
		MaxRetries:   maxRetries,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   30 * time.Second,
		ClaimTimeout: time.Minute,
	}, zap.NewNop()).WithClock(c.now)
	return q, repo, c
}

var sub = models.EntityKey{Type: models.EntitySubscription, ID: "sub_1"}

func recorder(seen *[]string) HandlerFunc {
	return func(_ context.Context, e *models.OrderingEntry) error {
		*seen = append(*seen, e.EventID)
		return nil
	}
}

func TestEnqueueAssignsSequenceAndDependency(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newQueue(t, 3)

	first, err := q.Enqueue(ctx, sub, "evt-1", 5)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, sub, "evt-2", 5)
	require.NoError(t, err)
	other, err := q.Enqueue(ctx, models.EntityKey{Type: models.EntityCustomer, ID: "cus_1"}, "evt-3", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, int64(0), first.DependsOnSequence)
	assert.True(t, first.DependencySatisfied)

	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Equal(t, int64(1), second.DependsOnSequence)
	assert.False(t, second.DependencySatisfied)

	assert.Equal(t, int64(1), other.SequenceNumber)
}

func TestDrainProcessesInSequence(t *testing.T) {
	ctx := context.Background()
	q, repo, _ := newQueue(t, 3)

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		_, err := q.Enqueue(ctx, sub, id, 0)
		require.NoError(t, err)
	}

	var seen []string
	n, err := q.Drain(ctx, sub, recorder(&seen))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, seen)

	st, err := repo.GetProcessingState(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.LastProcessedSequence)
	assert.Equal(t, int64(3), st.CurrentSequenceNumber)

	// Late arrivals continue from the cursor.
	entry, err := q.Enqueue(ctx, sub, "evt-4", 0)
	require.NoError(t, err)
	assert.True(t, entry.DependencySatisfied)
}

func TestFailingEntryBacksOffAndBlocksSuccessor(t *testing.T) {
	ctx := context.Background()
	q, repo, c := newQueue(t, 3)

	_, err := q.Enqueue(ctx, sub, "evt-1", 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, sub, "evt-2", 0)
	require.NoError(t, err)

	fail := true
	var seen []string
	h := HandlerFunc(func(_ context.Context, e *models.OrderingEntry) error {
		if e.EventID == "evt-1" && fail {
			return errors.New("downstream unavailable")
		}
		seen = append(seen, e.EventID)
		return nil
	})

	n, err := q.Drain(ctx, sub, h)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	head, err := repo.GetEntry(ctx, sub, 1)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusQueued, head.Status)
	assert.Equal(t, 1, head.RetryCount)
	assert.Equal(t, c.t.Add(2*time.Second), head.NextAttemptAt)

	next, err := repo.GetEntry(ctx, sub, 2)
	require.NoError(t, err)
	assert.False(t, next.DependencySatisfied)

	ready, err := q.ReadyEntities(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	// Still inside the backoff window.
	n, err = q.Drain(ctx, sub, h)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.t = c.t.Add(3 * time.Second)
	fail = false
	ready, err = q.ReadyEntities(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []models.EntityKey{sub}, ready)

	n, err = q.Drain(ctx, sub, h)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"evt-1", "evt-2"}, seen)
}

func TestExhaustedEntryNeedsResolve(t *testing.T) {
	ctx := context.Background()
	q, repo, c := newQueue(t, 2)

	_, err := q.Enqueue(ctx, sub, "evt-1", 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, sub, "evt-2", 0)
	require.NoError(t, err)

	var seen []string
	h := HandlerFunc(func(_ context.Context, e *models.OrderingEntry) error {
		if e.EventID == "evt-1" {
			return errors.New("poison")
		}
		seen = append(seen, e.EventID)
		return nil
	})

	for i := 0; i < 3; i++ {
		_, err := q.Drain(ctx, sub, h)
		require.NoError(t, err)
		c.t = c.t.Add(time.Minute)
	}

	failed, err := q.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evt-1", failed[0].EventID)
	assert.Equal(t, 2, failed[0].RetryCount)
	assert.Empty(t, seen)

	st, err := repo.GetProcessingState(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.LastProcessedSequence)
	assert.Equal(t, 1, st.ConsecutiveFailures)

	require.NoError(t, q.Resolve(ctx, sub, 1))

	n, err := q.Drain(ctx, sub, h)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"evt-2"}, seen)

	st, err = repo.GetProcessingState(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.LastProcessedSequence)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestResolveRejectsHealthyEntry(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newQueue(t, 2)

	_, err := q.Enqueue(ctx, sub, "evt-1", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Resolve(ctx, sub, 1), models.ErrOrderingViolation)
}

func TestConcurrentDrainDoesNotDoubleProcess(t *testing.T) {
	ctx := context.Background()
	q, repo, _ := newQueue(t, 3)

	_, err := q.Enqueue(ctx, sub, "evt-1", 0)
	require.NoError(t, err)

	calls := 0
	var inner int
	var h HandlerFunc
	h = func(ctx context.Context, e *models.OrderingEntry) error {
		calls++
		// A second worker picks up the same entity while the first is busy.
		n, err := q.Drain(ctx, sub, h)
		require.NoError(t, err)
		inner = n
		return nil
	}

	n, err := q.Drain(ctx, sub, h)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, inner)
	assert.Equal(t, 1, calls)

	st, err := repo.GetProcessingState(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LastProcessedSequence)
}

func TestStaleClaimIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q, repo, c := newQueue(t, 3)

	_, err := q.Enqueue(ctx, sub, "evt-1", 0)
	require.NoError(t, err)

	// A worker claimed the entry and died.
	entry, err := repo.GetEntry(ctx, sub, 1)
	require.NoError(t, err)
	claimed := c.t
	entry.Status = models.QueueStatusProcessing
	entry.ClaimedAt = &claimed
	require.NoError(t, repo.UpdateEntry(ctx, entry))

	var seen []string
	n, err := q.Drain(ctx, sub, recorder(&seen))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.t = c.t.Add(2 * time.Minute)
	n, err = q.Drain(ctx, sub, recorder(&seen))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"evt-1"}, seen)
}

func TestBackoffIsCapped(t *testing.T) {
	q, _, _ := newQueue(t, 10)
	assert.Equal(t, 2*time.Second, q.Backoff(1))
	assert.Equal(t, 4*time.Second, q.Backoff(2))
	assert.Equal(t, 16*time.Second, q.Backoff(4))
	assert.Equal(t, 30*time.Second, q.Backoff(5))
	assert.Equal(t, 30*time.Second, q.Backoff(9))
}

func TestReadyEntitiesPrefersPriority(t *testing.T) {
	ctx := context.Background()
	q, _, c := newQueue(t, 3)

	low := models.EntityKey{Type: models.EntitySubscription, ID: "sub_low"}
	high := models.EntityKey{Type: models.EntitySubscription, ID: "sub_high"}
	_, err := q.Enqueue(ctx, low, "evt-low", 1)
	require.NoError(t, err)
	c.t = c.t.Add(time.Second)
	_, err = q.Enqueue(ctx, high, "evt-high", 10)
	require.NoError(t, err)

	ready, err := q.ReadyEntities(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []models.EntityKey{high, low}, ready)
}
