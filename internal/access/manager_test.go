package access

import (
	"context"
	"testing"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/gateway/gatewaytest"
	"payment-recovery/internal/models"
	"payment-recovery/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newManager(t *testing.T) (*Manager, *gatewaytest.Gateway, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)}
	gw := (&gatewaytest.Gateway{}).Quiet()
	m := NewManager(storage.NewMemory(), gw, gw, config.Default().Access, zap.NewNop()).WithClock(c.now)
	return m, gw, c
}

func templates(gw *gatewaytest.Gateway) []string {
	var out []string
	for _, n := range gw.Notifications() {
		out = append(out, n.TemplateID)
	}
	return out
}

func TestStartGrace(t *testing.T) {
	ctx := context.Background()
	m, gw, c := newManager(t)

	st, err := m.StartGrace(ctx, "cus_1", "fail-1", 3)
	require.NoError(t, err)

	end := c.t.Add(72 * time.Hour)
	assert.Equal(t, models.AccessGrace, st.Level)
	assert.Equal(t, end, *st.GraceEndsAt)
	assert.Equal(t, config.Default().Access.GraceRestrictions, st.Restrictions)
	gw.AssertCalled(t, "SetFeatureAccess", mock.Anything, "cus_1", st.Restrictions, &end)
	assert.Equal(t, []string{"grace_period_started"}, templates(gw))

	// Starting again does not reset the window.
	c.t = c.t.Add(time.Hour)
	again, err := m.StartGrace(ctx, "cus_1", "fail-1", 3)
	require.NoError(t, err)
	assert.Equal(t, end, *again.GraceEndsAt)
	assert.Len(t, gw.Notifications(), 1)
}

func TestSweepWalksSuspensionTiers(t *testing.T) {
	ctx := context.Background()
	m, gw, c := newManager(t)

	_, err := m.StartGrace(ctx, "cus_1", "fail-1", 3)
	require.NoError(t, err)

	// Daily reminder during grace.
	c.t = c.t.Add(25 * time.Hour)
	n, err := m.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c.t = c.t.Add(time.Hour)
	n, err = m.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	steps := []struct {
		advance time.Duration
		tier    models.SuspensionTier
	}{
		{2 * 24 * time.Hour, models.TierSoft},
		{7 * 24 * time.Hour, models.TierHard},
		{14 * 24 * time.Hour, models.TierPermanent},
	}
	for _, step := range steps {
		c.t = c.t.Add(step.advance)
		_, err := m.Sweep(ctx, 100)
		require.NoError(t, err)
		st, err := m.State(ctx, "cus_1")
		require.NoError(t, err)
		assert.Equal(t, models.AccessSuspended, st.Level)
		assert.Equal(t, step.tier, st.Tier)
	}

	c.t = c.t.Add(30 * 24 * time.Hour)
	n, err = m.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st, err := m.State(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, st.PurgeDue)

	n, err = m.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, []string{
		"grace_period_started",
		"grace_period_reminder",
		"account_suspended_soft",
		"account_suspended_hard",
		"account_suspended_permanent",
		"data_deletion_notice",
	}, templates(gw))
}

func TestSuspendOnlyEscalates(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	require.NoError(t, m.Suspend(ctx, "cus_1", "fail-1", models.TierHard))
	require.NoError(t, m.Suspend(ctx, "cus_1", "fail-1", models.TierSoft))

	st, err := m.State(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, models.TierHard, st.Tier)

	// A suspended customer does not fall back into grace.
	st, err = m.StartGrace(ctx, "cus_1", "fail-1", 3)
	require.NoError(t, err)
	assert.Equal(t, models.AccessSuspended, st.Level)

	assert.Error(t, m.Suspend(ctx, "cus_1", "fail-1", models.TierNone))
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newManager(t)

	// Nothing to restore for a customer with full access.
	require.NoError(t, m.Restore(ctx, "cus_2"))
	gw.AssertNotCalled(t, "SetFeatureAccess", mock.Anything, "cus_2", mock.Anything, mock.Anything)

	require.NoError(t, m.Suspend(ctx, "cus_1", "fail-1", models.TierSoft))
	require.NoError(t, m.Restore(ctx, "cus_1"))

	st, err := m.State(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, models.AccessFull, st.Level)
	assert.Equal(t, models.TierNone, st.Tier)
	assert.Empty(t, st.Restrictions)
	gw.AssertCalled(t, "SetFeatureAccess", mock.Anything, "cus_1", []string(nil), (*time.Time)(nil))

	n, err := m.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
