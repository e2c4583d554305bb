package recovery

import (
	"context"
	"fmt"

	"payment-recovery/internal/models"
	"payment-recovery/internal/retry"
	"payment-recovery/pkg/metrics"

	"go.uber.org/zap"
)

// EnterLadder puts the failure on SOFT_FAILURE and schedules the entry of
// every later stage at its offset from the failure time. On a failure already
// in the ladder it only schedules what is missing for the current and later
// stages, so an interrupted entry can be run again.
func (m *Machine) EnterLadder(ctx context.Context, f *models.PaymentFailure) error {
	first := models.Ladder[0]
	f, entered, err := m.update(ctx, f, func(cur *models.PaymentFailure) bool {
		if !cur.Open() || cur.InLadder() {
			return false
		}
		cur.Stage = first
		cur.StagesVisited = []models.DunningStage{first}
		cur.NextRetryAt = nil
		return true
	})
	if err != nil {
		return err
	}
	if !f.Open() || !f.InLadder() {
		return nil
	}

	if entered {
		if err := m.enterStage(ctx, f, first); err != nil {
			return err
		}
	}
	have, err := m.scheduledSteps(ctx, f.ID)
	if err != nil {
		return err
	}
	current := f.Stage.Ordinal()
	if current < 0 {
		return nil
	}
	if !entered {
		if err := m.scheduleStageActions(ctx, f, f.Stage, have); err != nil {
			return err
		}
	}
	for _, stage := range models.Ladder[current+1:] {
		if have[step{models.ActionEnterStage, stage}] {
			continue
		}
		at, err := m.scheduler.ScheduleAt(f, stage)
		if err != nil {
			return err
		}
		if _, err := m.scheduler.Schedule(ctx, f, retry.ActionSpec{Type: models.ActionEnterStage, Stage: stage, At: at}); err != nil {
			return err
		}
	}
	return nil
}

// step identifies a ladder action by type and stage.
type step struct {
	typ   models.ActionType
	stage models.DunningStage
}

// scheduledSteps returns the ladder steps already stored for the failure,
// whatever their status. Out-of-band retries are not ladder steps.
func (m *Machine) scheduledSteps(ctx context.Context, failureID string) (map[step]bool, error) {
	actions, err := m.store.ListActions(ctx, failureID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	have := make(map[step]bool, len(actions))
	for _, a := range actions {
		if a.Stage == "" || a.Metadata["source"] != "" {
			continue
		}
		have[step{a.Type, a.Stage}] = true
	}
	return have, nil
}

// enterStage runs the stage's entry behaviour on a failure already moved to
// stage: the stage notification and one action per active flag.
func (m *Machine) enterStage(ctx context.Context, f *models.PaymentFailure, stage models.DunningStage) error {
	sc := m.stages.Lookup(stage)
	metrics.StageTransitions.WithLabelValues(string(stage)).Inc()
	m.audit(ctx, f.ID, "stage_entered", f.ID, map[string]string{"stage": string(stage)})
	m.logger.Info("Dunning stage entered",
		zap.String("failure_id", f.ID),
		zap.String("customer_id", f.CustomerID),
		zap.String("stage", string(stage)))

	m.notify(ctx, f.CustomerID, sc.TemplateID, sc.Channels, failureVars(f))

	if stage == models.StageCancellation {
		return m.Cancel(ctx, f, "dunning_exhausted")
	}
	return m.scheduleStageActions(ctx, f, stage, nil)
}

// scheduleStageActions schedules the stage's charge, prompt and grace
// actions, skipping any step in have.
func (m *Machine) scheduleStageActions(ctx context.Context, f *models.PaymentFailure, stage models.DunningStage, have map[step]bool) error {
	sc := m.stages.Lookup(stage)
	at, err := m.scheduler.ScheduleAt(f, stage)
	if err != nil {
		return err
	}
	if now := m.now(); at.Before(now) {
		at = now
	}

	var specs []retry.ActionSpec
	if sc.RetryAttempt {
		specs = append(specs, retry.ActionSpec{Type: models.ActionRetryCharge, Stage: stage, At: at})
	}
	prompt := sc.PaymentMethodUpdatePrompt ||
		(stage == models.Ladder[0] && f.Strategy == models.StrategyPaymentMethodUpdate)
	if prompt {
		specs = append(specs, retry.ActionSpec{Type: models.ActionPaymentMethodPrompt, Stage: stage, At: at})
	}
	if sc.GracePeriodDays > 0 {
		specs = append(specs, retry.ActionSpec{
			Type:     models.ActionGracePeriod,
			Stage:    stage,
			At:       at,
			Metadata: map[string]string{"grace_days": fmt.Sprint(sc.GracePeriodDays)},
		})
	}
	for _, spec := range specs {
		if have[step{spec.Type, spec.Stage}] {
			continue
		}
		if _, err := m.scheduler.Schedule(ctx, f, spec); err != nil {
			return err
		}
	}
	return nil
}

// Recover closes the failure as recovered, cancels everything still
// scheduled and restores the customer's access.
func (m *Machine) Recover(ctx context.Context, f *models.PaymentFailure, source string) error {
	f, changed, err := m.update(ctx, f, func(cur *models.PaymentFailure) bool {
		if cur.Status != models.FailureStatusOpen && cur.Status != models.FailureStatusManualReview {
			return false
		}
		now := m.now()
		cur.Status = models.FailureStatusRecovered
		cur.Stage = models.StageRecovery
		cur.StagesVisited = append(cur.StagesVisited, models.StageRecovery)
		cur.NextRetryAt = nil
		cur.ClosedAt = &now
		return true
	})
	if err != nil || !changed {
		return err
	}

	cancelled, err := m.scheduler.CancelPending(ctx, f.ID)
	if err != nil {
		return err
	}
	if err := m.access.Restore(ctx, f.CustomerID); err != nil {
		return err
	}

	metrics.StageTransitions.WithLabelValues(string(models.StageRecovery)).Inc()
	metrics.Recoveries.WithLabelValues("recovered").Inc()
	m.notify(ctx, f.CustomerID, m.cfg.RecoveredTemplate, []string{"email"}, failureVars(f))
	m.audit(ctx, f.ID, "recovered", f.ID, map[string]string{
		"source":            source,
		"cancelled_actions": fmt.Sprint(cancelled),
	})
	m.logger.Info("Payment recovered",
		zap.String("failure_id", f.ID),
		zap.String("customer_id", f.CustomerID),
		zap.String("source", source),
		zap.Int("cancelled_actions", cancelled))
	return nil
}

// Cancel hands the subscription to billing for cancellation, suspends the
// customer at the last tier and closes the failure.
func (m *Machine) Cancel(ctx context.Context, f *models.PaymentFailure, reason string) error {
	if f.SubscriptionID != "" {
		if err := m.gw.CancelSubscription(ctx, f.SubscriptionID, reason); err != nil {
			return fmt.Errorf("cancel subscription %s: %w", f.SubscriptionID, err)
		}
	}
	if err := m.access.Suspend(ctx, f.CustomerID, f.ID, models.TierPermanent); err != nil {
		return err
	}
	if err := m.close(ctx, f, models.FailureStatusCancelled, reason); err != nil {
		return err
	}
	metrics.Recoveries.WithLabelValues("cancelled").Inc()
	return nil
}

// ManualReview stops automation for the failure and alerts operations.
func (m *Machine) ManualReview(ctx context.Context, f *models.PaymentFailure, reason string) error {
	f, changed, err := m.update(ctx, f, func(cur *models.PaymentFailure) bool {
		if !cur.Open() {
			return false
		}
		cur.Status = models.FailureStatusManualReview
		cur.Strategy = models.StrategyManualIntervention
		cur.NextRetryAt = nil
		return true
	})
	if err != nil || !changed {
		return err
	}
	if _, err := m.scheduler.CancelPending(ctx, f.ID); err != nil {
		return err
	}

	vars := failureVars(f)
	vars["customer_id"] = f.CustomerID
	vars["reason"] = reason
	vars["failure_type"] = string(f.FailureType)
	if m.ops != "" {
		m.notify(ctx, m.ops, m.cfg.ManualReviewTemplate, []string{"ops"}, vars)
	}
	metrics.Recoveries.WithLabelValues("manual_review").Inc()
	m.audit(ctx, f.ID, "manual_review", f.ID, map[string]string{"reason": reason})
	m.logger.Warn("Failure routed to manual review",
		zap.String("failure_id", f.ID),
		zap.String("customer_id", f.CustomerID),
		zap.String("reason", reason))
	return nil
}

func (m *Machine) close(ctx context.Context, f *models.PaymentFailure, status models.FailureStatus, reason string) error {
	f, changed, err := m.update(ctx, f, func(cur *models.PaymentFailure) bool {
		if cur.Status != models.FailureStatusOpen && cur.Status != models.FailureStatusManualReview {
			return false
		}
		now := m.now()
		cur.Status = status
		cur.NextRetryAt = nil
		cur.ClosedAt = &now
		return true
	})
	if err != nil || !changed {
		return err
	}
	if _, err := m.scheduler.CancelPending(ctx, f.ID); err != nil {
		return err
	}
	m.audit(ctx, f.ID, "closed", f.ID, map[string]string{"status": string(status), "reason": reason})
	return nil
}
