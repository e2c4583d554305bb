// Package access manages grace periods and staged service suspension for
// customers with an unpaid subscription.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/gateway"
	"payment-recovery/internal/models"
	"payment-recovery/internal/storage"
	"payment-recovery/pkg/metrics"

	"go.uber.org/zap"
)

const saveAttempts = 3

type Manager struct {
	repo     storage.AccessRepository
	features gateway.FeatureAccess
	notifier gateway.Notifier
	cfg      config.AccessConfig
	tiers    map[models.SuspensionTier]config.TierConfig
	rank     map[models.SuspensionTier]int
	order    []models.SuspensionTier
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(repo storage.AccessRepository, features gateway.FeatureAccess, notifier gateway.Notifier, cfg config.AccessConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		repo:     repo,
		features: features,
		notifier: notifier,
		cfg:      cfg,
		tiers:    make(map[models.SuspensionTier]config.TierConfig, len(cfg.Tiers)),
		rank:     map[models.SuspensionTier]int{models.TierNone: 0},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for i, t := range cfg.Tiers {
		m.tiers[t.Tier] = t
		m.rank[t.Tier] = i + 1
		m.order = append(m.order, t.Tier)
	}
	return m
}

// WithClock replaces the manager's time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// State returns the customer's access record; customers without one have full access.
func (m *Manager) State(ctx context.Context, customerID string) (*models.AccessState, error) {
	st, err := m.repo.GetAccessState(ctx, customerID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.AccessState{CustomerID: customerID, Level: models.AccessFull, Tier: models.TierNone}, nil
	}
	return st, err
}

// StartGrace limits the customer to the grace feature set for days. A
// customer already in grace or suspended is left unchanged.
func (m *Manager) StartGrace(ctx context.Context, customerID, failureID string, days int) (*models.AccessState, error) {
	now := m.now()
	end := now.Add(time.Duration(days) * 24 * time.Hour)

	st, changed, err := m.apply(ctx, customerID, func(st *models.AccessState) bool {
		if st.Level != models.AccessFull {
			return false
		}
		st.FailureID = failureID
		st.Level = models.AccessGrace
		st.Tier = models.TierNone
		st.Restrictions = append([]string(nil), m.cfg.GraceRestrictions...)
		st.GraceStartedAt = &now
		st.GraceEndsAt = &end
		st.LastReminderAt = &now
		st.PurgeDue = false
		return true
	})
	if err != nil || !changed {
		return st, err
	}

	m.notify(ctx, customerID, m.cfg.GraceTemplate, map[string]string{
		"grace_ends_at":      end.Format(time.RFC3339),
		"available_features": strings.Join(m.cfg.GraceFeatures, ","),
	})
	m.logger.Info("Grace period started",
		zap.String("customer_id", customerID),
		zap.String("failure_id", failureID),
		zap.Time("grace_ends_at", end))
	return st, nil
}

// Restore returns the customer to full access.
func (m *Manager) Restore(ctx context.Context, customerID string) error {
	_, changed, err := m.apply(ctx, customerID, func(st *models.AccessState) bool {
		if st.Level == models.AccessFull {
			return false
		}
		st.Level = models.AccessFull
		st.Tier = models.TierNone
		st.Restrictions = nil
		st.GraceStartedAt = nil
		st.GraceEndsAt = nil
		st.LastReminderAt = nil
		st.TierEnteredAt = nil
		st.TierRetainUntil = nil
		st.PurgeDue = false
		return true
	})
	if err == nil && changed {
		m.logger.Info("Access restored", zap.String("customer_id", customerID))
	}
	return err
}

// Suspend moves the customer to tier. Suspensions only escalate.
func (m *Manager) Suspend(ctx context.Context, customerID, failureID string, tier models.SuspensionTier) error {
	tc, ok := m.tiers[tier]
	if !ok {
		return fmt.Errorf("unknown suspension tier %q", tier)
	}
	now := m.now()
	retain := now.Add(tc.Retention)

	_, changed, err := m.apply(ctx, customerID, func(st *models.AccessState) bool {
		if st.Level == models.AccessSuspended && m.rank[st.Tier] >= m.rank[tier] {
			return false
		}
		if failureID != "" {
			st.FailureID = failureID
		}
		st.Level = models.AccessSuspended
		st.Tier = tier
		st.Restrictions = append([]string(nil), tc.Restrictions...)
		st.GraceEndsAt = nil
		st.TierEnteredAt = &now
		st.TierRetainUntil = &retain
		return true
	})
	if err != nil || !changed {
		return err
	}

	m.notify(ctx, customerID, tc.TemplateID, map[string]string{
		"tier":         string(tier),
		"retain_until": retain.Format(time.RFC3339),
		"restrictions": strings.Join(tc.Restrictions, ","),
	})
	m.logger.Warn("Account suspended",
		zap.String("customer_id", customerID),
		zap.String("tier", string(tier)),
		zap.Time("retain_until", retain))
	return nil
}

// Sweep advances time-based access changes: reminders during grace, grace
// expiry into the first tier, each tier's retention into the next, and the
// purge notice once the last tier's retention ends. It returns how many
// customers changed.
func (m *Manager) Sweep(ctx context.Context, limit int) (int, error) {
	states, err := m.repo.ListRestrictedAccess(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list restricted access: %w", err)
	}

	changed := 0
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		did, err := m.sweepOne(ctx, st)
		if err != nil {
			m.logger.Error("Failed to sweep access state",
				zap.String("customer_id", st.CustomerID),
				zap.Error(err))
			continue
		}
		if did {
			changed++
		}
	}
	return changed, nil
}

func (m *Manager) sweepOne(ctx context.Context, st *models.AccessState) (bool, error) {
	now := m.now()
	switch st.Level {
	case models.AccessGrace:
		if st.GraceEndsAt != nil && !now.Before(*st.GraceEndsAt) {
			return true, m.Suspend(ctx, st.CustomerID, st.FailureID, m.order[0])
		}
		if st.LastReminderAt == nil || now.Sub(*st.LastReminderAt) >= m.cfg.ReminderInterval {
			_, ok, err := m.apply(ctx, st.CustomerID, func(cur *models.AccessState) bool {
				if cur.Level != models.AccessGrace {
					return false
				}
				cur.LastReminderAt = &now
				return true
			})
			if err != nil || !ok {
				return false, err
			}
			m.notify(ctx, st.CustomerID, m.cfg.ReminderTemplate, map[string]string{
				"grace_ends_at": st.GraceEndsAt.Format(time.RFC3339),
			})
			return true, nil
		}

	case models.AccessSuspended:
		if st.TierRetainUntil == nil || now.Before(*st.TierRetainUntil) {
			return false, nil
		}
		if next, ok := m.nextTier(st.Tier); ok {
			return true, m.Suspend(ctx, st.CustomerID, st.FailureID, next)
		}
		if st.PurgeDue {
			return false, nil
		}
		_, ok, err := m.apply(ctx, st.CustomerID, func(cur *models.AccessState) bool {
			if cur.PurgeDue || cur.Level != models.AccessSuspended {
				return false
			}
			cur.PurgeDue = true
			return true
		})
		if err != nil || !ok {
			return false, err
		}
		m.notify(ctx, st.CustomerID, m.cfg.PurgeTemplate, nil)
		m.logger.Warn("Retention expired, customer data due for purge",
			zap.String("customer_id", st.CustomerID),
			zap.String("failure_id", st.FailureID))
		return true, nil
	}
	return false, nil
}

func (m *Manager) nextTier(t models.SuspensionTier) (models.SuspensionTier, bool) {
	i := m.rank[t]
	if i <= 0 || i >= len(m.order) {
		return "", false
	}
	return m.order[i], true
}

// apply loads the customer's state, lets change modify it and saves it with a
// version check, retrying on conflict. Feature access is pushed before the
// save; the push is idempotent.
func (m *Manager) apply(ctx context.Context, customerID string, change func(st *models.AccessState) bool) (*models.AccessState, bool, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		st, err := m.State(ctx, customerID)
		if err != nil {
			return nil, false, err
		}
		if !change(st) {
			return st, false, nil
		}
		st.UpdatedAt = m.now()

		var until *time.Time
		if st.Level == models.AccessGrace {
			until = st.GraceEndsAt
		}
		if err := m.features.SetFeatureAccess(ctx, customerID, st.Restrictions, until); err != nil {
			return nil, false, fmt.Errorf("set feature access: %w", err)
		}

		err = m.repo.SaveAccessState(ctx, st)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("save access state: %w", err)
		}
		metrics.AccessChanges.WithLabelValues(string(st.Level), string(st.Tier)).Inc()
		return st, true, nil
	}
	return nil, false, fmt.Errorf("save access state for %s: %w", customerID, storage.ErrConflict)
}

func (m *Manager) notify(ctx context.Context, customerID, template string, vars map[string]string) {
	if template == "" {
		return
	}
	err := m.notifier.SendNotification(ctx, gateway.Notification{
		CustomerID: customerID,
		TemplateID: template,
		Channel:    "email",
		Variables:  vars,
	})
	if err != nil {
		m.logger.Error("Failed to send access notification",
			zap.String("customer_id", customerID),
			zap.String("template_id", template),
			zap.Error(err))
	}
}
