package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"payment-recovery/internal/models"

	"github.com/goccy/go-json"
)

// Memory is an in-process Repository. Queue entries live in an arena indexed
// by entity key and sequence number. Every read returns a copy so callers can
// only change stored state through the conditional update methods.
type Memory struct {
	mu sync.Mutex

	events        map[string]*models.WebhookEvent
	eventsBySrc   map[string]string
	dedup         map[string]*models.DedupRecord
	states        map[models.EntityKey]*models.ProcessingState
	entries       map[models.EntityKey]map[int64]*models.OrderingEntry
	keys          map[string]*models.IdempotencyKey
	failures      map[string]*models.PaymentFailure
	actions       map[string]*models.RecoveryAction
	actionsByFail map[string][]string
	access        map[string]*models.AccessState
	audit         []*models.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		events:        make(map[string]*models.WebhookEvent),
		eventsBySrc:   make(map[string]string),
		dedup:         make(map[string]*models.DedupRecord),
		states:        make(map[models.EntityKey]*models.ProcessingState),
		entries:       make(map[models.EntityKey]map[int64]*models.OrderingEntry),
		keys:          make(map[string]*models.IdempotencyKey),
		failures:      make(map[string]*models.PaymentFailure),
		actions:       make(map[string]*models.RecoveryAction),
		actionsByFail: make(map[string][]string),
		access:        make(map[string]*models.AccessState),
	}
}

func (m *Memory) Close(context.Context) error { return nil }

// Events

func (m *Memory) InsertEvent(_ context.Context, event *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.eventsBySrc[event.SourceEventID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.events[event.ID]; ok {
		return ErrDuplicate
	}
	e := *event
	m.events[e.ID] = &e
	m.eventsBySrc[e.SourceEventID] = e.ID
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *Memory) GetEventBySourceID(ctx context.Context, sourceEventID string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	id, ok := m.eventsBySrc[sourceEventID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetEvent(ctx, id)
}

func (m *Memory) SetEventSequence(_ context.Context, id string, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.SequenceNumber = sequence
	return nil
}

func (m *Memory) TransitionEvent(_ context.Context, id string, to models.EventStatus, lastError string, now time.Time) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.Status.CanTransition(to) {
		return nil, ErrConflict
	}
	e.Status = to
	e.LastError = lastError
	e.UpdatedAt = now
	c := *e
	return &c, nil
}

func (m *Memory) PurgeEvents(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, e := range m.events {
		if e.Status.IsTerminal() && e.ReceivedAt.Before(before) {
			delete(m.events, id)
			delete(m.eventsBySrc, e.SourceEventID)
			n++
		}
	}
	return n, nil
}

// Dedup

func (m *Memory) ObserveDedup(_ context.Context, hash, eventID string, now time.Time, window time.Duration) (*models.DedupRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.dedup[hash]; ok && now.Sub(rec.LastSeenAt) <= window {
		rec.LastSeenAt = now
		rec.OccurrenceCount++
		c := *rec
		return &c, false, nil
	}
	rec := &models.DedupRecord{
		DedupHash:        hash,
		FirstSeenAt:      now,
		LastSeenAt:       now,
		OccurrenceCount:  1,
		ProcessedEventID: eventID,
	}
	m.dedup[hash] = rec
	c := *rec
	return &c, true, nil
}

func (m *Memory) PurgeDedup(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, rec := range m.dedup {
		if rec.LastSeenAt.Before(before) {
			delete(m.dedup, hash)
			n++
		}
	}
	return n, nil
}

// Ordering

func (m *Memory) state(key models.EntityKey, now time.Time) *models.ProcessingState {
	st, ok := m.states[key]
	if !ok {
		st = &models.ProcessingState{EntityType: key.Type, EntityID: key.ID, UpdatedAt: now}
		m.states[key] = st
	}
	return st
}

func (m *Memory) NextSequence(_ context.Context, key models.EntityKey, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(key, now)
	st.CurrentSequenceNumber++
	st.Version++
	st.UpdatedAt = now
	return st.CurrentSequenceNumber, nil
}

func (m *Memory) GetProcessingState(_ context.Context, key models.EntityKey) (*models.ProcessingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[key]
	if !ok {
		return &models.ProcessingState{EntityType: key.Type, EntityID: key.ID}, nil
	}
	c := *st
	return &c, nil
}

func (m *Memory) AdvanceCursor(_ context.Context, key models.EntityKey, expected, next int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(key, now)
	if st.LastProcessedSequence != expected {
		return ErrConflict
	}
	st.LastProcessedSequence = next
	st.Version++
	st.UpdatedAt = now
	return nil
}

func (m *Memory) RecordEntityFailure(_ context.Context, key models.EntityKey, reset bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(key, now)
	if reset {
		st.ConsecutiveFailures = 0
	} else {
		st.ConsecutiveFailures++
	}
	st.UpdatedAt = now
	return nil
}

func (m *Memory) InsertEntry(_ context.Context, entry *models.OrderingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.Key()
	arena, ok := m.entries[key]
	if !ok {
		arena = make(map[int64]*models.OrderingEntry)
		m.entries[key] = arena
	}
	if _, ok := arena[entry.SequenceNumber]; ok {
		return ErrDuplicate
	}
	entry.Version = 1
	arena[entry.SequenceNumber] = cloneEntry(entry)
	return nil
}

func (m *Memory) GetEntry(_ context.Context, key models.EntityKey, sequence int64) (*models.OrderingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key][sequence]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (m *Memory) UpdateEntry(_ context.Context, entry *models.OrderingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[entry.Key()][entry.SequenceNumber]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != entry.Version {
		return ErrConflict
	}
	entry.Version++
	m.entries[entry.Key()][entry.SequenceNumber] = cloneEntry(entry)
	return nil
}

func (m *Memory) ReadyEntities(_ context.Context, now time.Time, claimTimeout time.Duration, limit int) ([]models.EntityKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*models.OrderingEntry
	for key, arena := range m.entries {
		st := m.states[key]
		var last int64
		if st != nil {
			last = st.LastProcessedSequence
		}
		if head, ok := arena[last+1]; ok && head.Dispatchable(now, claimTimeout) {
			ready = append(ready, head)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	keys := make([]models.EntityKey, 0, len(ready))
	for _, e := range ready {
		if limit > 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, e.Key())
	}
	return keys, nil
}

func (m *Memory) ListEntriesByStatus(_ context.Context, status models.QueueStatus, limit int) ([]*models.OrderingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.OrderingEntry
	for _, arena := range m.entries {
		for _, e := range arena {
			if e.Status == status {
				out = append(out, cloneEntry(e))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountEntries(_ context.Context, status models.QueueStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, arena := range m.entries {
		for _, e := range arena {
			if e.Status == status {
				n++
			}
		}
	}
	return n, nil
}

// Idempotency

func (m *Memory) AcquireKey(_ context.Context, key *models.IdempotencyKey, now time.Time) (*models.IdempotencyKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.keys[key.KeyHash]; ok && !existing.Expired(now) {
		return cloneKey(existing), false, nil
	}
	m.keys[key.KeyHash] = cloneKey(key)
	return cloneKey(key), true, nil
}

func (m *Memory) FinishKey(_ context.Context, hash string, status models.KeyStatus, result json.RawMessage, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[hash]
	if !ok {
		return ErrNotFound
	}
	k.Status = status
	k.ResultData = append(json.RawMessage(nil), result...)
	k.Error = errMsg
	k.UpdatedAt = now
	return nil
}

func (m *Memory) GetKey(_ context.Context, hash string) (*models.IdempotencyKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneKey(k), nil
}

func (m *Memory) PurgeKeys(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, k := range m.keys {
		if k.ExpiresAt.Before(before) {
			delete(m.keys, hash)
			n++
		}
	}
	return n, nil
}

// Failures

func (m *Memory) InsertFailure(_ context.Context, failure *models.PaymentFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.failures[failure.ID]; ok {
		return ErrDuplicate
	}
	failure.Version = 1
	m.failures[failure.ID] = cloneFailure(failure)
	return nil
}

func (m *Memory) GetFailure(_ context.Context, id string) (*models.PaymentFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.failures[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFailure(f), nil
}

func (m *Memory) FindActiveFailure(_ context.Context, customerID, subscriptionID string) (*models.PaymentFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *models.PaymentFailure
	for _, f := range m.failures {
		if f.CustomerID != customerID || f.SubscriptionID != subscriptionID {
			continue
		}
		if f.Status != models.FailureStatusOpen && f.Status != models.FailureStatusManualReview {
			continue
		}
		if found == nil || f.CreatedAt.After(found.CreatedAt) {
			found = f
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneFailure(found), nil
}

func (m *Memory) ListActiveFailures(_ context.Context, customerID string) ([]*models.PaymentFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.PaymentFailure
	for _, f := range m.failures {
		if f.CustomerID != customerID {
			continue
		}
		if f.Status == models.FailureStatusOpen || f.Status == models.FailureStatusManualReview {
			out = append(out, cloneFailure(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateFailure(_ context.Context, failure *models.PaymentFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.failures[failure.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != failure.Version {
		return ErrConflict
	}
	failure.Version++
	m.failures[failure.ID] = cloneFailure(failure)
	return nil
}

// Actions

func (m *Memory) InsertAction(_ context.Context, action *models.RecoveryAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.actions[action.ID]; ok {
		return ErrDuplicate
	}
	action.Version = 1
	m.actions[action.ID] = cloneAction(action)
	m.actionsByFail[action.FailureID] = append(m.actionsByFail[action.FailureID], action.ID)
	return nil
}

func (m *Memory) GetAction(_ context.Context, id string) (*models.RecoveryAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAction(a), nil
}

func (m *Memory) UpdateAction(_ context.Context, action *models.RecoveryAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.actions[action.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != action.Version {
		return ErrConflict
	}
	action.Version++
	m.actions[action.ID] = cloneAction(action)
	return nil
}

func (m *Memory) ListActions(_ context.Context, failureID string) ([]*models.RecoveryAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.actionsByFail[failureID]
	out := make([]*models.RecoveryAction, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAction(m.actions[id]))
	}
	models.SortActions(out)
	return out, nil
}

func (m *Memory) DueActions(_ context.Context, now, staleBefore time.Time, limit int) ([]*models.RecoveryAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.RecoveryAction
	for _, a := range m.actions {
		switch {
		case a.Status == models.ActionStatusScheduled && !a.ScheduledAt.After(now):
			out = append(out, cloneAction(a))
		case a.Status == models.ActionStatusExecuting && a.StartedAt != nil && !a.StartedAt.After(staleBefore):
			out = append(out, cloneAction(a))
		}
	}
	models.SortActions(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Access

func (m *Memory) GetAccessState(_ context.Context, customerID string) (*models.AccessState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.access[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccess(s), nil
}

func (m *Memory) SaveAccessState(_ context.Context, state *models.AccessState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.access[state.CustomerID]
	switch {
	case state.Version == 0 && ok:
		return ErrDuplicate
	case state.Version != 0 && !ok:
		return ErrNotFound
	case ok && stored.Version != state.Version:
		return ErrConflict
	}
	state.Version++
	m.access[state.CustomerID] = cloneAccess(state)
	return nil
}

func (m *Memory) ListRestrictedAccess(_ context.Context, limit int) ([]*models.AccessState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AccessState
	for _, s := range m.access {
		if s.Level != models.AccessFull {
			out = append(out, cloneAccess(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Audit

func (m *Memory) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *entry
	c.Detail = cloneStrings(entry.Detail)
	m.audit = append(m.audit, &c)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, failureID string) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AuditEntry
	for _, e := range m.audit {
		if failureID == "" || e.FailureID == failureID {
			c := *e
			c.Detail = cloneStrings(e.Detail)
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) PurgeAudit(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audit[:0]
	var n int64
	for _, e := range m.audit {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return n, nil
}

func cloneEntry(e *models.OrderingEntry) *models.OrderingEntry {
	c := *e
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		c.ClaimedAt = &t
	}
	return &c
}

func cloneKey(k *models.IdempotencyKey) *models.IdempotencyKey {
	c := *k
	c.ResultData = append(json.RawMessage(nil), k.ResultData...)
	return &c
}

func cloneFailure(f *models.PaymentFailure) *models.PaymentFailure {
	c := *f
	c.StagesVisited = append([]models.DunningStage(nil), f.StagesVisited...)
	c.NextRetryAt = cloneTime(f.NextRetryAt)
	c.ClosedAt = cloneTime(f.ClosedAt)
	return &c
}

func cloneAction(a *models.RecoveryAction) *models.RecoveryAction {
	c := *a
	c.StartedAt = cloneTime(a.StartedAt)
	c.ExecutedAt = cloneTime(a.ExecutedAt)
	if a.Success != nil {
		v := *a.Success
		c.Success = &v
	}
	c.Metadata = cloneStrings(a.Metadata)
	return &c
}

func cloneAccess(s *models.AccessState) *models.AccessState {
	c := *s
	c.Restrictions = append([]string(nil), s.Restrictions...)
	c.GraceStartedAt = cloneTime(s.GraceStartedAt)
	c.GraceEndsAt = cloneTime(s.GraceEndsAt)
	c.LastReminderAt = cloneTime(s.LastReminderAt)
	c.TierEnteredAt = cloneTime(s.TierEnteredAt)
	c.TierRetainUntil = cloneTime(s.TierRetainUntil)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
