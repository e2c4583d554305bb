package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-recovery/internal/models"
	"payment-recovery/internal/retry"
	"payment-recovery/internal/storage"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type eventKind int

const (
	eventIgnored eventKind = iota
	eventPaymentFailed
	eventPaymentSucceeded
	eventSubscriptionDeleted
	eventPaymentMethodUpdated
)

var eventKinds = map[string]eventKind{
	"invoice.payment_failed":          eventPaymentFailed,
	"payment_intent.payment_failed":   eventPaymentFailed,
	"charge.failed":                   eventPaymentFailed,
	"invoice.payment_succeeded":       eventPaymentSucceeded,
	"invoice.paid":                    eventPaymentSucceeded,
	"payment_intent.succeeded":        eventPaymentSucceeded,
	"customer.subscription.deleted":   eventSubscriptionDeleted,
	"payment_method.attached":         eventPaymentMethodUpdated,
	"customer.payment_method.updated": eventPaymentMethodUpdated,
}

// chargePayload is the part of a billing event payload the machine reads.
type chargePayload struct {
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	FailureCode     string    `json:"failure_code"`
	DeclineCode     string    `json:"decline_code"`
	FailureReason   string    `json:"failure_reason"`
	PaymentMethodID string    `json:"payment_method_id"`
	FailedAt        time.Time `json:"failed_at"`
}

func (p chargePayload) code() string {
	if p.DeclineCode != "" {
		return p.DeclineCode
	}
	return p.FailureCode
}

// HandleEvent applies one ordered billing event and returns its final status.
// A returned error leaves the event for retry.
func (m *Machine) HandleEvent(ctx context.Context, ev *models.WebhookEvent) (models.EventStatus, error) {
	var p chargePayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return models.EventStatusFailed, fmt.Errorf("decode payload of %s: %w", ev.ID, models.ErrInvalidEnvelope)
		}
	}

	var err error
	switch eventKinds[ev.EventType] {
	case eventPaymentFailed:
		err = m.handleFailure(ctx, ev, p)
	case eventPaymentSucceeded:
		err = m.handleSuccess(ctx, ev)
	case eventSubscriptionDeleted:
		err = m.handleSubscriptionDeleted(ctx, ev)
	case eventPaymentMethodUpdated:
		err = m.handlePaymentMethodUpdated(ctx, ev, p)
	default:
		return models.EventStatusSkipped, nil
	}
	if err != nil {
		return models.EventStatusFailed, err
	}
	return models.EventStatusCompleted, nil
}

// handleFailure opens a PaymentFailure for a failed charge and starts its
// recovery. A second failure notice for a subscription that already has an
// active failure is recorded on the existing one.
func (m *Machine) handleFailure(ctx context.Context, ev *models.WebhookEvent, p chargePayload) error {
	refs := ev.References
	if refs.CustomerID == "" {
		return fmt.Errorf("failure event %s has no customer: %w", ev.ID, models.ErrUnknownEntity)
	}

	existing, err := m.store.FindActiveFailure(ctx, refs.CustomerID, refs.SubscriptionID)
	switch {
	case err == nil:
		stalled, err := m.stalled(ctx, existing)
		if err != nil {
			return err
		}
		if stalled {
			m.audit(ctx, ev.ID, "failure_resumed", existing.ID, map[string]string{"event_type": ev.EventType})
			m.logger.Warn("Resuming failure with no scheduled work",
				zap.String("failure_id", existing.ID),
				zap.String("event_id", ev.ID))
			return m.start(ctx, existing)
		}
		if existing.Open() && existing.InLadder() {
			if err := m.EnterLadder(ctx, existing); err != nil {
				return err
			}
		}
		m.audit(ctx, ev.ID, "failure_notice_repeated", existing.ID, map[string]string{
			"event_type":   ev.EventType,
			"failure_code": p.code(),
		})
		m.logger.Info("Failure already under recovery",
			zap.String("failure_id", existing.ID),
			zap.String("event_id", ev.ID))
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("find active failure: %w", err)
	}

	now := m.now()
	failedAt := p.FailedAt
	if failedAt.IsZero() {
		failedAt = ev.CreatedAt
	}
	if failedAt.IsZero() || failedAt.After(now) {
		failedAt = now
	}

	code := p.code()
	ft := m.classifier.Classify(code, p.FailureReason)
	kind, temporary := m.policy.TemporaryKind(code, p.FailureReason)
	if ft == models.FailureFraudulent {
		temporary = false
	}
	highValue := m.isHighValue(ctx, refs.CustomerID)
	immediate := temporary && m.policy.MaxAttempts(kind, highValue) > 0

	f := &models.PaymentFailure{
		ID:              uuid.NewString(),
		CustomerID:      refs.CustomerID,
		SubscriptionID:  refs.SubscriptionID,
		InvoiceID:       refs.InvoiceID,
		PaymentIntentID: refs.PaymentIntentID,
		PaymentMethodID: p.PaymentMethodID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		FailureReason:   p.FailureReason,
		FailureCode:     code,
		FailureType:     ft,
		Strategy:        m.selector.Select(ft, p.Amount, highValue && !immediate),
		HighValue:       highValue,
		Status:          models.FailureStatusOpen,
		RetryBlocked:    code != "" && !m.policy.Retryable(code),
		FailedAt:        failedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if temporary {
		f.TemporaryKind = kind
	}
	if err := m.store.InsertFailure(ctx, f); err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}

	m.audit(ctx, ev.ID, "failure_opened", f.ID, map[string]string{
		"failure_type": string(ft),
		"strategy":     string(f.Strategy),
		"high_value":   fmt.Sprint(highValue),
	})
	m.logger.Info("Payment failure opened",
		zap.String("failure_id", f.ID),
		zap.String("customer_id", f.CustomerID),
		zap.String("subscription_id", f.SubscriptionID),
		zap.String("failure_type", string(ft)),
		zap.String("strategy", string(f.Strategy)),
		zap.Bool("high_value", highValue),
		zap.Bool("temporary", temporary))

	return m.start(ctx, f)
}

// start begins the failure's chain from wherever it stopped: the strategy's
// terminal route, the next immediate retry, or the ladder.
func (m *Machine) start(ctx context.Context, f *models.PaymentFailure) error {
	reason := "strategy_" + string(f.FailureType)
	switch {
	case f.Strategy == models.StrategyManualIntervention:
		return m.ManualReview(ctx, f, reason)
	case f.Strategy == models.StrategyCancellation:
		return m.Cancel(ctx, f, reason)
	case !f.InLadder() && f.TemporaryKind != "" && !f.RetryBlocked &&
		f.ImmediateAttempts < m.policy.MaxAttempts(f.TemporaryKind, f.HighValue):
		return m.scheduleImmediate(ctx, f, f.ImmediateAttempts+1, m.now())
	case !f.InLadder() && f.ImmediateAttempts > 0:
		return m.exhaustImmediate(ctx, f)
	default:
		return m.EnterLadder(ctx, f)
	}
}

// stalled reports whether an open failure has nothing scheduled or running,
// so no worker will move it forward.
func (m *Machine) stalled(ctx context.Context, f *models.PaymentFailure) (bool, error) {
	if !f.Open() {
		return false, nil
	}
	actions, err := m.store.ListActions(ctx, f.ID)
	if err != nil {
		return false, fmt.Errorf("list actions: %w", err)
	}
	for _, a := range actions {
		if a.Status == models.ActionStatusScheduled || a.Status == models.ActionStatusExecuting {
			return false, nil
		}
	}
	return true, nil
}

// exhaustImmediate ends the immediate-retry phase. High-value customers whose
// candidate list holds manual intervention go to a person, everyone else
// enters the ladder.
func (m *Machine) exhaustImmediate(ctx context.Context, f *models.PaymentFailure) error {
	if f.HighValue && m.selector.Offers(f.FailureType, models.StrategyManualIntervention) {
		return m.ManualReview(ctx, f, "high_value_retries_exhausted")
	}
	return m.EnterLadder(ctx, f)
}

func (m *Machine) isHighValue(ctx context.Context, customerID string) bool {
	if m.cfg.HighValueThreshold <= 0 {
		return false
	}
	total, err := m.gw.ActiveSubscriptionTotal(ctx, customerID)
	if err != nil {
		m.logger.Warn("Could not load active subscription total",
			zap.String("customer_id", customerID),
			zap.Error(err))
		return false
	}
	return total >= m.cfg.HighValueThreshold
}

// scheduleImmediate schedules one fast retry. Attempts are scheduled one at
// a time as earlier ones fail.
func (m *Machine) scheduleImmediate(ctx context.Context, f *models.PaymentFailure, attempt int, from time.Time) error {
	at := from.Add(m.policy.Delay(f.TemporaryKind, f.HighValue))
	_, err := m.scheduler.Schedule(ctx, f, retry.ActionSpec{
		Type:     models.ActionImmediateRetry,
		At:       at,
		Attempt:  attempt,
		Amount:   m.policy.Amount(f.TemporaryKind, f.Amount, attempt),
		Metadata: map[string]string{"kind": f.TemporaryKind},
	})
	if err != nil {
		return err
	}
	_, _, err = m.update(ctx, f, func(cur *models.PaymentFailure) bool {
		cur.NextRetryAt = &at
		return true
	})
	return err
}

// failuresFor returns the active failures an event refers to.
func (m *Machine) failuresFor(ctx context.Context, refs models.EntityReferences) ([]*models.PaymentFailure, error) {
	if refs.CustomerID == "" {
		return nil, models.ErrUnknownEntity
	}
	all, err := m.store.ListActiveFailures(ctx, refs.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("list active failures: %w", err)
	}
	if refs.SubscriptionID == "" && refs.InvoiceID == "" && refs.PaymentIntentID == "" {
		return all, nil
	}
	var out []*models.PaymentFailure
	for _, f := range all {
		switch {
		case refs.SubscriptionID != "" && f.SubscriptionID == refs.SubscriptionID,
			refs.InvoiceID != "" && f.InvoiceID == refs.InvoiceID,
			refs.PaymentIntentID != "" && f.PaymentIntentID == refs.PaymentIntentID:
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Machine) handleSuccess(ctx context.Context, ev *models.WebhookEvent) error {
	failures, err := m.failuresFor(ctx, ev.References)
	if err != nil {
		return err
	}
	for _, f := range failures {
		if err := m.Recover(ctx, f, "payment_succeeded_event"); err != nil {
			return err
		}
		m.audit(ctx, ev.ID, "recovered_by_event", f.ID, map[string]string{"event_type": ev.EventType})
	}
	return nil
}

func (m *Machine) handleSubscriptionDeleted(ctx context.Context, ev *models.WebhookEvent) error {
	failures, err := m.failuresFor(ctx, ev.References)
	if err != nil {
		return err
	}
	for _, f := range failures {
		if err := m.close(ctx, f, models.FailureStatusCancelled, ""); err != nil {
			return err
		}
		m.audit(ctx, ev.ID, "closed_by_subscription_deletion", f.ID, nil)
	}
	return nil
}

// handlePaymentMethodUpdated unblocks charging for the customer's failures and
// retries those already on the ladder right away.
func (m *Machine) handlePaymentMethodUpdated(ctx context.Context, ev *models.WebhookEvent, p chargePayload) error {
	refs := ev.References
	refs.InvoiceID, refs.PaymentIntentID = "", ""
	failures, err := m.failuresFor(ctx, refs)
	if err != nil {
		return err
	}

	for _, f := range failures {
		if !f.Open() {
			continue
		}
		f, _, err := m.update(ctx, f, func(cur *models.PaymentFailure) bool {
			cur.RetryBlocked = false
			if p.PaymentMethodID != "" {
				cur.PaymentMethodID = p.PaymentMethodID
			}
			return true
		})
		if err != nil {
			return err
		}
		if !f.InLadder() {
			continue
		}
		_, err = m.scheduler.Schedule(ctx, f, retry.ActionSpec{
			Type:     models.ActionRetryCharge,
			Stage:    f.Stage,
			At:       m.now(),
			Metadata: map[string]string{"source": "payment_method_update", "event_id": ev.ID},
		})
		if err != nil {
			return err
		}
		m.audit(ctx, ev.ID, "payment_method_updated", f.ID, map[string]string{"payment_method_id": f.PaymentMethodID})
	}
	return nil
}
