package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-recovery/internal/models"
	"payment-recovery/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleEvent(ctx context.Context, ev *models.WebhookEvent) (models.EventStatus, error) {
	args := m.Called(ctx, ev)
	return args.Get(0).(models.EventStatus), args.Error(1)
}

func newProcessor(t *testing.T) (*Processor, *storage.Memory, *mockHandler, *models.WebhookEvent) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	repo := storage.NewMemory()
	h := &mockHandler{}
	ev := &models.WebhookEvent{
		ID:             "ev_1",
		SourceEventID:  "evt_1",
		EventType:      "invoice.payment_failed",
		EntityType:     models.EntitySubscription,
		EntityID:       "sub_1",
		SequenceNumber: 1,
		Status:         models.EventStatusPending,
		ReceivedAt:     c.t,
	}
	require.NoError(t, repo.InsertEvent(context.Background(), ev))
	return NewProcessor(repo, h, zap.NewNop()).WithClock(c.now), repo, h, ev
}

func entryFor(ev *models.WebhookEvent, retries int) *models.OrderingEntry {
	return &models.OrderingEntry{
		EntityType:     ev.EntityType,
		EntityID:       ev.EntityID,
		SequenceNumber: ev.SequenceNumber,
		EventID:        ev.ID,
		RetryCount:     retries,
		MaxRetries:     5,
	}
}

func auditKinds(t *testing.T, repo *storage.Memory) []string {
	t.Helper()
	entries, err := repo.ListAudit(context.Background(), "")
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestProcessorCompletesEvent(t *testing.T) {
	p, repo, h, ev := newProcessor(t)
	h.On("HandleEvent", mock.Anything, mock.MatchedBy(func(e *models.WebhookEvent) bool {
		return e.ID == ev.ID && e.Status == models.EventStatusProcessing
	})).Return(models.EventStatusCompleted, nil).Once()

	require.NoError(t, p.Handle(context.Background(), entryFor(ev, 0)))

	got, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, got.Status)
	h.AssertExpectations(t)
}

func TestProcessorRecordsSkippedEvent(t *testing.T) {
	p, repo, h, ev := newProcessor(t)
	h.On("HandleEvent", mock.Anything, mock.Anything).Return(models.EventStatusSkipped, nil)

	require.NoError(t, p.Handle(context.Background(), entryFor(ev, 0)))

	got, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusSkipped, got.Status)
}

func TestProcessorRoutesUnknownEntityToReview(t *testing.T) {
	p, repo, h, ev := newProcessor(t)
	h.On("HandleEvent", mock.Anything, mock.Anything).
		Return(models.EventStatusFailed, models.ErrUnknownEntity)

	require.NoError(t, p.Handle(context.Background(), entryFor(ev, 0)))

	got, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "unknown billing entity")
	assert.Equal(t, []string{"manual_review_required"}, auditKinds(t, repo))
}

func TestProcessorLeavesTransientErrorForRetry(t *testing.T) {
	p, repo, h, ev := newProcessor(t)
	boom := errors.New("mongo unavailable")
	h.On("HandleEvent", mock.Anything, mock.Anything).Return(models.EventStatusFailed, boom)

	err := p.Handle(context.Background(), entryFor(ev, 0))
	assert.ErrorIs(t, err, boom)

	got, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusProcessing, got.Status)
	assert.Equal(t, "mongo unavailable", got.LastError)

	// The re-claimed entry runs the event again.
	err = p.Handle(context.Background(), entryFor(ev, 1))
	assert.ErrorIs(t, err, boom)
	h.AssertNumberOfCalls(t, "HandleEvent", 2)
}

func TestProcessorFailsEventOnLastAttempt(t *testing.T) {
	p, repo, h, ev := newProcessor(t)
	boom := errors.New("still broken")
	h.On("HandleEvent", mock.Anything, mock.Anything).Return(models.EventStatusFailed, boom)

	err := p.Handle(context.Background(), entryFor(ev, 4))
	assert.ErrorIs(t, err, boom)

	got, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, got.Status)
	assert.Equal(t, []string{"manual_review_required"}, auditKinds(t, repo))
}

func TestProcessorIgnoresFinishedAndMissingEvents(t *testing.T) {
	p, repo, h, ev := newProcessor(t)
	ctx := context.Background()
	_, err := repo.TransitionEvent(ctx, ev.ID, models.EventStatusProcessing, "", time.Now())
	require.NoError(t, err)
	_, err = repo.TransitionEvent(ctx, ev.ID, models.EventStatusCompleted, "", time.Now())
	require.NoError(t, err)

	require.NoError(t, p.Handle(ctx, entryFor(ev, 0)))

	missing := entryFor(ev, 0)
	missing.EventID = "ev_gone"
	require.NoError(t, p.Handle(ctx, missing))

	h.AssertNotCalled(t, "HandleEvent", mock.Anything, mock.Anything)
	assert.Equal(t, []string{"event_missing"}, auditKinds(t, repo))
}
