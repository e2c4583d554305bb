package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/dedup"
	"payment-recovery/internal/models"
	"payment-recovery/internal/ordering"
	"payment-recovery/internal/queue"
	"payment-recovery/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msg queue.EntityReady) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockPublisher) Close() error { return nil }

type fixture struct {
	gate  *Gate
	repo  *storage.Memory
	pub   *mockPublisher
	clock *clock
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	c := &clock{t: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)}
	repo := storage.NewMemory()
	logger := zap.NewNop()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil).Maybe()

	index := dedup.NewIndex(repo, cfg.Ingestion.DedupWindow, cfg.Ingestion.DedupBucket, logger)
	q := ordering.NewQueue(repo, cfg.Ordering, logger).WithClock(c.now)
	gate := NewGate(repo, index, q, pub, cfg.Ingestion, logger).WithClock(c.now)
	return &fixture{gate: gate, repo: repo, pub: pub, clock: c, ctx: context.Background()}
}

func (f *fixture) envelope(sourceID, eventType string) *models.Envelope {
	return &models.Envelope{
		SourceEventID: sourceID,
		EventType:     eventType,
		References:    models.EntityReferences{CustomerID: "cus_1", SubscriptionID: "sub_1"},
		Payload:       []byte(`{"amount":10000,"currency":"usd","failure_code":"insufficient_funds"}`),
		CreatedAt:     f.clock.t.Add(-time.Minute),
	}
}

func TestAcceptFirstSight(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.Accept(f.ctx, f.envelope("evt_1", "invoice.payment_failed"), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, models.EventStatusPending, res.Status)
	assert.Equal(t, int64(1), res.Sequence)

	ev, err := f.repo.GetEvent(f.ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.SourceEventID)
	assert.Equal(t, models.EntitySubscription, ev.EntityType)
	assert.Equal(t, "sub_1", ev.EntityID)
	assert.Equal(t, int64(1), ev.SequenceNumber)
	assert.NotEmpty(t, ev.DedupHash)

	entry, err := f.repo.GetEntry(f.ctx, ev.Key(), 1)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, entry.EventID)
	assert.Equal(t, 5, entry.Priority)
	assert.True(t, entry.DependencySatisfied)

	f.pub.AssertCalled(t, "Publish", mock.Anything, queue.EntityReady{
		EntityType: models.EntitySubscription,
		EntityID:   "sub_1",
		Sequence:   1,
		EventID:    ev.ID,
	})

	audit, err := f.repo.ListAudit(f.ctx, "")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "event_accepted", audit[0].Kind)
	assert.Equal(t, ev.ID, audit[0].SubjectID)
}

func TestAcceptRedeliveryIsDuplicate(t *testing.T) {
	f := newFixture(t)

	first, err := f.gate.Accept(f.ctx, f.envelope("evt_123", "invoice.payment_failed"), true)
	require.NoError(t, err)

	f.clock.t = f.clock.t.Add(30 * time.Minute)
	second, err := f.gate.Accept(f.ctx, f.envelope("evt_123", "invoice.payment_failed"), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, first.Sequence, second.Sequence)

	n, err := f.repo.CountEntries(f.ctx, models.QueueStatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	f.pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestAcceptSameContentUnderNewSourceID(t *testing.T) {
	f := newFixture(t)

	first, err := f.gate.Accept(f.ctx, f.envelope("evt_a", "invoice.payment_failed"), true)
	require.NoError(t, err)

	res, err := f.gate.Accept(f.ctx, f.envelope("evt_b", "invoice.payment_failed"), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, first.EventID, res.EventID)

	_, err = f.repo.GetEventBySourceID(f.ctx, "evt_b")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Outside the window the same content is new again.
	f.clock.t = f.clock.t.Add(2 * time.Hour)
	res, err = f.gate.Accept(f.ctx, f.envelope("evt_c", "invoice.payment_failed"), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, int64(2), res.Sequence)
}

func TestAcceptRejectsWithoutRecord(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.Accept(f.ctx, f.envelope("evt_1", "invoice.payment_failed"), false)
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	env := f.envelope("", "invoice.payment_failed")
	res, err = f.gate.Accept(f.ctx, env, true)
	assert.ErrorIs(t, err, models.ErrInvalidEnvelope)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	_, err = f.gate.Accept(f.ctx, nil, true)
	assert.ErrorIs(t, err, models.ErrInvalidEnvelope)

	_, err = f.repo.GetEventBySourceID(f.ctx, "evt_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	audit, err := f.repo.ListAudit(f.ctx, "")
	require.NoError(t, err)
	assert.Empty(t, audit)
	f.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestAcceptSequencesPerEntity(t *testing.T) {
	f := newFixture(t)

	failed, err := f.gate.Accept(f.ctx, f.envelope("evt_1", "invoice.payment_failed"), true)
	require.NoError(t, err)
	paid, err := f.gate.Accept(f.ctx, f.envelope("evt_2", "invoice.paid"), true)
	require.NoError(t, err)

	other := f.envelope("evt_3", "invoice.payment_failed")
	other.References = models.EntityReferences{CustomerID: "cus_2"}
	third, err := f.gate.Accept(f.ctx, other, true)
	require.NoError(t, err)

	assert.Equal(t, int64(1), failed.Sequence)
	assert.Equal(t, int64(2), paid.Sequence)
	assert.Equal(t, int64(1), third.Sequence)

	ev, err := f.repo.GetEvent(f.ctx, third.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EntityCustomer, ev.EntityType)

	entry, err := f.repo.GetEntry(f.ctx, models.EntityKey{Type: models.EntitySubscription, ID: "sub_1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 10, entry.Priority)
	assert.False(t, entry.DependencySatisfied)
}

func TestAcceptToleratesPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.pub.ExpectedCalls = nil
	f.pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	res, err := f.gate.Accept(f.ctx, f.envelope("evt_1", "invoice.payment_failed"), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	keys, err := f.repo.ReadyEntities(f.ctx, f.clock.t, time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestDuplicateFinishesHalfIngestedEvent(t *testing.T) {
	f := newFixture(t)

	stuck := &models.WebhookEvent{
		ID:            "ev_stuck",
		SourceEventID: "evt_9",
		EventType:     "invoice.payment_failed",
		EntityType:    models.EntitySubscription,
		EntityID:      "sub_1",
		Status:        models.EventStatusPending,
		ReceivedAt:    f.clock.t,
	}
	require.NoError(t, f.repo.InsertEvent(f.ctx, stuck))

	res, err := f.gate.Accept(f.ctx, f.envelope("evt_9", "invoice.payment_failed"), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Zero(t, res.Sequence, "still inside the enqueue grace")

	f.clock.t = f.clock.t.Add(time.Minute)
	res, err = f.gate.Accept(f.ctx, f.envelope("evt_9", "invoice.payment_failed"), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(1), res.Sequence)

	entry, err := f.repo.GetEntry(f.ctx, stuck.Key(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ev_stuck", entry.EventID)
}
