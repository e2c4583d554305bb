package dedup

import (
	"context"
	"testing"
	"time"

	"payment-recovery/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHashIsStableWithinBucket(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	payload := []byte(`{"amount":10000}`)

	a := Hash("invoice.payment_failed", "sub_1", payload, base.Add(time.Minute), 5*time.Minute)
	b := Hash("invoice.payment_failed", "sub_1", payload, base.Add(4*time.Minute), 5*time.Minute)
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Hash("invoice.payment_failed", "sub_1", payload, base.Add(6*time.Minute), 5*time.Minute))
	assert.NotEqual(t, a, Hash("invoice.payment_failed", "sub_2", payload, base, 5*time.Minute))
	assert.NotEqual(t, a, Hash("invoice.paid", "sub_1", payload, base, 5*time.Minute))
	assert.NotEqual(t, a, Hash("invoice.payment_failed", "sub_1", []byte(`{"amount":1}`), base, 5*time.Minute))
}

func TestObserveSlidingWindow(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(storage.NewMemory(), time.Hour, 5*time.Minute, zap.NewNop())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec, fresh, err := idx.Observe(ctx, "h1", "evt-a", now)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "evt-a", rec.ProcessedEventID)

	rec, fresh, err = idx.Observe(ctx, "h1", "evt-b", now.Add(50*time.Minute))
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, "evt-a", rec.ProcessedEventID)
	assert.Equal(t, int64(2), rec.OccurrenceCount)

	// The window slides from the last sighting.
	_, fresh, err = idx.Observe(ctx, "h1", "evt-c", now.Add(100*time.Minute))
	require.NoError(t, err)
	assert.False(t, fresh)

	rec, fresh, err = idx.Observe(ctx, "h1", "evt-d", now.Add(4*time.Hour))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "evt-d", rec.ProcessedEventID)
}

func TestPurgeDropsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(storage.NewMemory(), time.Hour, 5*time.Minute, zap.NewNop())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, _, err := idx.Observe(ctx, "old", "evt-1", now)
	require.NoError(t, err)
	_, _, err = idx.Observe(ctx, "new", "evt-2", now.Add(90*time.Minute))
	require.NoError(t, err)

	n, err := idx.Purge(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
