// Package recovery drives a failed recurring charge through immediate
// retries and the dunning ladder until it is recovered, cancelled or handed
// to a person.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/access"
	"payment-recovery/internal/gateway"
	"payment-recovery/internal/models"
	"payment-recovery/internal/retry"
	"payment-recovery/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the machine reads and writes directly.
type Store interface {
	storage.FailureRepository
	storage.ActionRepository
	storage.AuditRepository
}

// Gateway is the set of collaborators the machine calls itself.
type Gateway interface {
	gateway.Notifier
	gateway.Billing
	gateway.CustomerDirectory
}

type Deps struct {
	Store        Store
	Scheduler    *retry.Scheduler
	Policy       *retry.Policy
	Access       *access.Manager
	Gateway      Gateway
	OpsRecipient string
	Logger       *zap.Logger
}

type Machine struct {
	store      Store
	scheduler  *retry.Scheduler
	policy     *retry.Policy
	access     *access.Manager
	gw         Gateway
	stages     *StageTable
	classifier *Classifier
	selector   *Selector
	cfg        config.RecoveryConfig
	ops        string
	logger     *zap.Logger
	now        func() time.Time
}

func NewMachine(cfg config.RecoveryConfig, deps Deps) (*Machine, error) {
	stages, err := NewStageTable(cfg.Stages)
	if err != nil {
		return nil, err
	}
	return &Machine{
		store:      deps.Store,
		scheduler:  deps.Scheduler,
		policy:     deps.Policy,
		access:     deps.Access,
		gw:         deps.Gateway,
		stages:     stages,
		classifier: NewClassifier(cfg.Classification),
		selector:   NewSelector(cfg),
		cfg:        cfg,
		ops:        deps.OpsRecipient,
		logger:     deps.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the machine's time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// update applies change to the failure and saves it with a version check,
// reloading and reapplying on conflict. change returns false to leave the
// failure untouched.
func (m *Machine) update(ctx context.Context, f *models.PaymentFailure, change func(*models.PaymentFailure) bool) (*models.PaymentFailure, bool, error) {
	cur := f
	for attempt := 0; attempt < m.cfg.UpdateRetries; attempt++ {
		if !change(cur) {
			return cur, false, nil
		}
		cur.UpdatedAt = m.now()
		err := m.store.UpdateFailure(ctx, cur)
		if err == nil {
			return cur, true, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, false, fmt.Errorf("update failure %s: %w", f.ID, err)
		}
		if cur, err = m.store.GetFailure(ctx, f.ID); err != nil {
			return nil, false, fmt.Errorf("reload failure %s: %w", f.ID, err)
		}
	}
	return nil, false, fmt.Errorf("update failure %s: %w", f.ID, storage.ErrConflict)
}

func (m *Machine) audit(ctx context.Context, subject, kind, failureID string, detail map[string]string) {
	err := m.store.AppendAudit(ctx, &models.AuditEntry{
		ID:        uuid.NewString(),
		SubjectID: subject,
		Kind:      kind,
		FailureID: failureID,
		Detail:    detail,
		At:        m.now(),
	})
	if err != nil {
		m.logger.Error("Failed to append audit entry",
			zap.String("kind", kind),
			zap.String("failure_id", failureID),
			zap.Error(err))
	}
}

func (m *Machine) notify(ctx context.Context, customerID, template string, channels []string, vars map[string]string) {
	if template == "" {
		return
	}
	for _, ch := range channels {
		err := m.gw.SendNotification(ctx, gateway.Notification{
			CustomerID: customerID,
			TemplateID: template,
			Channel:    ch,
			Variables:  vars,
		})
		if err != nil {
			m.logger.Error("Failed to send notification",
				zap.String("customer_id", customerID),
				zap.String("template_id", template),
				zap.String("channel", ch),
				zap.Error(err))
		}
	}
}

func failureVars(f *models.PaymentFailure) map[string]string {
	return map[string]string{
		"failure_id":      f.ID,
		"subscription_id": f.SubscriptionID,
		"amount":          formatAmount(f.Amount),
		"currency":        f.Currency,
		"stage":           string(f.Stage),
	}
}

func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
