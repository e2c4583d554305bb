package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/access"
	"payment-recovery/internal/gateway"
	"payment-recovery/internal/gateway/gatewaytest"
	"payment-recovery/internal/idempotency"
	"payment-recovery/internal/models"
	"payment-recovery/internal/retry"
	"payment-recovery/internal/storage"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

// flakyStore fails the failAt-th action insert once.
type flakyStore struct {
	*storage.Memory
	inserts int
	failAt  int
}

func (s *flakyStore) InsertAction(ctx context.Context, a *models.RecoveryAction) error {
	s.inserts++
	if s.inserts == s.failAt {
		return errors.New("store unavailable")
	}
	return s.Memory.InsertAction(ctx, a)
}

// failNextInsert makes the next action insert fail.
func (s *flakyStore) failNextInsert() {
	s.failAt = s.inserts + 1
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	cfg     *config.Config
	repo    *storage.Memory
	store   *flakyStore
	gw      *gatewaytest.Gateway
	clock   *clock
	start   time.Time
	machine *Machine
}

func newHarness(t *testing.T, activeTotal int64) *harness {
	return newHarnessWithConfig(t, activeTotal, config.Default())
}

func newHarnessWithConfig(t *testing.T, activeTotal int64, cfg *config.Config) *harness {
	t.Helper()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{t: start}
	repo := storage.NewMemory()
	store := &flakyStore{Memory: repo}
	gw := (&gatewaytest.Gateway{}).Quiet()
	gw.On("ActiveSubscriptionTotal", mock.Anything, mock.Anything).Return(activeTotal, nil).Maybe()
	gw.On("CancelSubscription", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	logger := zap.NewNop()
	keys := idempotency.NewManager(repo, cfg.Idempotency.TTL, logger).WithClock(c.now)
	scheduler := retry.NewScheduler(store, keys, gw, cfg.Recovery.Stages, cfg.Worker.ActionTimeout, logger).WithClock(c.now)
	accessMgr := access.NewManager(repo, gw, gw, cfg.Access, logger).WithClock(c.now)

	m, err := NewMachine(cfg.Recovery, Deps{
		Store:        store,
		Scheduler:    scheduler,
		Policy:       retry.NewPolicy(cfg.Recovery),
		Access:       accessMgr,
		Gateway:      gw,
		OpsRecipient: "billing-ops",
		Logger:       logger,
	})
	require.NoError(t, err)
	m.WithClock(c.now)

	return &harness{
		t:       t,
		ctx:     context.Background(),
		cfg:     cfg,
		repo:    repo,
		store:   store,
		gw:      gw,
		clock:   c,
		start:   start,
		machine: m,
	}
}

// declineAll makes every charge fail with code.
func (h *harness) declineAll(code string) {
	h.gw.On("ChargeRetry", mock.Anything, mock.Anything).
		Return(gateway.ChargeResult{ErrorCode: code}, nil)
}

func (h *harness) event(eventType string, refs models.EntityReferences, payload map[string]any) *models.WebhookEvent {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	return &models.WebhookEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		References: refs,
		Payload:    raw,
		Status:     models.EventStatusProcessing,
		CreatedAt:  h.clock.t,
		ReceivedAt: h.clock.t,
	}
}

func (h *harness) fail(code string, amount int64) *models.PaymentFailure {
	h.t.Helper()
	status, err := h.machine.HandleEvent(h.ctx, h.failureEvent(code, amount))
	require.NoError(h.t, err)
	require.Equal(h.t, models.EventStatusCompleted, status)
	return h.failure()
}

func (h *harness) failureEvent(code string, amount int64) *models.WebhookEvent {
	return h.event("invoice.payment_failed", models.EntityReferences{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		InvoiceID:      "in_1",
	}, map[string]any{
		"amount":            amount,
		"currency":          "usd",
		"failure_code":      code,
		"failure_reason":    code,
		"payment_method_id": "pm_1",
	})
}

func (h *harness) failure() *models.PaymentFailure {
	h.t.Helper()
	all, err := h.repo.ListActiveFailures(h.ctx, "cus_1")
	require.NoError(h.t, err)
	if len(all) > 0 {
		return all[len(all)-1]
	}
	// Closed failures are not listed; fall back to the audit log.
	entries, err := h.repo.ListAudit(h.ctx, "")
	require.NoError(h.t, err)
	for _, e := range entries {
		if e.Kind == "failure_opened" {
			f, err := h.repo.GetFailure(h.ctx, e.FailureID)
			require.NoError(h.t, err)
			return f
		}
	}
	h.t.Fatal("no failure opened")
	return nil
}

func (h *harness) reload(f *models.PaymentFailure) *models.PaymentFailure {
	h.t.Helper()
	got, err := h.repo.GetFailure(h.ctx, f.ID)
	require.NoError(h.t, err)
	return got
}

// runUntil executes due actions one by one in execution order, moving the
// clock to each action's scheduled time, until nothing is due at target.
func (h *harness) runUntil(target time.Time) {
	h.t.Helper()
	for i := 0; i < 1000; i++ {
		due, err := h.repo.DueActions(h.ctx, target, time.Time{}, 1)
		require.NoError(h.t, err)
		if len(due) == 0 {
			break
		}
		if due[0].ScheduledAt.After(h.clock.t) {
			h.clock.t = due[0].ScheduledAt
		}
		require.NoError(h.t, h.machine.Execute(h.ctx, due[0]))
	}
	if target.After(h.clock.t) {
		h.clock.t = target
	}
}

func (h *harness) actions(f *models.PaymentFailure) []*models.RecoveryAction {
	h.t.Helper()
	out, err := h.repo.ListActions(h.ctx, f.ID)
	require.NoError(h.t, err)
	return out
}

func (h *harness) actionsOfType(f *models.PaymentFailure, typ models.ActionType) []*models.RecoveryAction {
	var out []*models.RecoveryAction
	for _, a := range h.actions(f) {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func (h *harness) auditKinds(f *models.PaymentFailure) []string {
	h.t.Helper()
	entries, err := h.repo.ListAudit(h.ctx, f.ID)
	require.NoError(h.t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

func (h *harness) templates() []string {
	var out []string
	for _, n := range h.gw.Notifications() {
		out = append(out, n.TemplateID)
	}
	return out
}
