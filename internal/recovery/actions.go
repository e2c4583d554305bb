package recovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"payment-recovery/internal/gateway"
	"payment-recovery/internal/idempotency"
	"payment-recovery/internal/models"
	"payment-recovery/internal/retry"

	"go.uber.org/zap"
)

// outcome is how an executed action finished.
type outcome struct {
	status  models.ActionStatus
	success *bool
	note    string
}

func succeeded(note string) outcome {
	ok := true
	return outcome{status: models.ActionStatusSucceeded, success: &ok, note: note}
}

func failed(note string) outcome {
	ok := false
	return outcome{status: models.ActionStatusFailed, success: &ok, note: note}
}

func skipped(note string) outcome {
	return outcome{status: models.ActionStatusSkipped, note: note}
}

// Execute claims a due action and runs it. An action whose failure is
// closed, or that was cancelled meanwhile, is a no-op. A system error marks
// the action failed, is audited for manual review and returned.
func (m *Machine) Execute(ctx context.Context, action *models.RecoveryAction) error {
	claimed, err := m.scheduler.Claim(ctx, action)
	if err != nil || !claimed {
		return err
	}

	f, err := m.store.GetFailure(ctx, action.FailureID)
	if err != nil {
		return m.finish(ctx, action, failed("failure not loadable"), err)
	}
	if !f.Open() {
		return m.finish(ctx, action, skipped("failure "+string(f.Status)), nil)
	}

	var out outcome
	switch action.Type {
	case models.ActionImmediateRetry:
		out, err = m.runImmediateRetry(ctx, f, action)
	case models.ActionEnterStage:
		out, err = m.runEnterStage(ctx, f, action)
	case models.ActionRetryCharge:
		out, err = m.runRetryCharge(ctx, f, action)
	case models.ActionPaymentMethodPrompt:
		sc := m.stages.Lookup(action.Stage)
		channels := sc.Channels
		if len(channels) == 0 {
			channels = []string{"email"}
		}
		m.notify(ctx, f.CustomerID, m.cfg.PromptTemplate, channels, failureVars(f))
		out = succeeded("prompt sent")
	case models.ActionGracePeriod:
		days, convErr := strconv.Atoi(action.Metadata["grace_days"])
		if convErr != nil || days <= 0 {
			days = m.stages.Lookup(action.Stage).GracePeriodDays
		}
		_, err = m.access.StartGrace(ctx, f.CustomerID, f.ID, days)
		out = succeeded(fmt.Sprintf("grace %dd", days))
	default:
		out = skipped("unsupported action type")
	}

	if errors.Is(err, models.ErrIdempotencyConflict) {
		// Another worker is mid-charge; the stale claim is picked up again later.
		m.logger.Warn("Charge already in progress",
			zap.String("action_id", action.ID),
			zap.String("failure_id", f.ID))
		return nil
	}
	if err != nil {
		return m.finish(ctx, action, failed(err.Error()), err)
	}
	return m.finish(ctx, action, out, nil)
}

func (m *Machine) finish(ctx context.Context, action *models.RecoveryAction, out outcome, cause error) error {
	if err := m.scheduler.Finish(ctx, action, out.status, out.success, out.note); err != nil {
		m.logger.Error("Failed to record action outcome",
			zap.String("action_id", action.ID),
			zap.Error(err))
		if cause == nil {
			cause = err
		}
	}
	if cause != nil {
		m.audit(ctx, action.ID, "action_failed", action.FailureID, map[string]string{
			"type":  string(action.Type),
			"error": cause.Error(),
		})
		m.logger.Error("Recovery action failed, manual review required",
			zap.String("action_id", action.ID),
			zap.String("failure_id", action.FailureID),
			zap.String("type", string(action.Type)),
			zap.Error(cause))
		m.repair(ctx, action)
		return fmt.Errorf("action %s: %w", action.ID, errors.Join(models.ErrSystemFailure, cause))
	}
	return nil
}

// repair runs after a failed action. A failure on the ladder gets its missing
// steps scheduled. One still left open with nothing scheduled, or whose ladder
// cannot be repaired, is handed to a person.
func (m *Machine) repair(ctx context.Context, action *models.RecoveryAction) {
	f, err := m.store.GetFailure(ctx, action.FailureID)
	if err == nil && f.Open() {
		stalled := true
		if f.InLadder() {
			if err = m.EnterLadder(ctx, f); err != nil {
				m.logger.Error("Could not repair ladder",
					zap.String("failure_id", f.ID),
					zap.Error(err))
			}
		}
		if err == nil {
			stalled, err = m.stalled(ctx, f)
		}
		if err != nil || stalled {
			err = m.ManualReview(ctx, f, "action_"+string(action.Type)+"_failed")
		}
	}
	if err != nil {
		m.logger.Error("Could not check failure after action error",
			zap.String("action_id", action.ID),
			zap.String("failure_id", action.FailureID),
			zap.Error(err))
	}
}

// runEnterStage advances the failure to the action's stage when that stage is
// the immediate successor of the current one.
func (m *Machine) runEnterStage(ctx context.Context, f *models.PaymentFailure, action *models.RecoveryAction) (outcome, error) {
	target := action.Stage
	f, moved, err := m.update(ctx, f, func(cur *models.PaymentFailure) bool {
		next, ok := cur.Stage.Next()
		if !cur.Open() || !ok || next != target {
			return false
		}
		cur.Stage = target
		cur.StagesVisited = append(cur.StagesVisited, target)
		return true
	})
	if err != nil {
		return outcome{}, err
	}
	if !moved {
		return skipped("stage " + string(f.Stage) + " does not precede " + string(target)), nil
	}
	if err := m.enterStage(ctx, f, target); err != nil {
		return outcome{}, err
	}
	return succeeded("entered " + string(target)), nil
}

// runImmediateRetry sends one fast retry. A decline schedules the next
// attempt, or ends the immediate phase when the code is non-retryable or the
// budget is spent.
func (m *Machine) runImmediateRetry(ctx context.Context, f *models.PaymentFailure, action *models.RecoveryAction) (outcome, error) {
	amount := action.Amount
	if amount == 0 {
		amount = m.policy.Amount(f.TemporaryKind, f.Amount, action.Attempt)
	}

	res, code, err := m.charge(ctx, f, action, amount)
	if errors.Is(err, retry.ErrActionCancelled) {
		return skipped("cancelled before charge"), nil
	}
	if err != nil {
		return outcome{}, err
	}
	if res.Succeeded {
		if err := m.Recover(ctx, f, "immediate_retry"); err != nil {
			return outcome{}, err
		}
		return succeeded("charged " + formatAmount(amount)), nil
	}

	f, _, err = m.update(ctx, f, func(cur *models.PaymentFailure) bool {
		cur.ImmediateAttempts = action.Attempt
		cur.RetryCount++
		return true
	})
	if err != nil {
		return outcome{}, err
	}

	switch {
	case !m.policy.Retryable(code):
		if _, _, err := m.update(ctx, f, func(cur *models.PaymentFailure) bool {
			cur.RetryBlocked = true
			return true
		}); err != nil {
			return outcome{}, err
		}
		if err := m.exhaustImmediate(ctx, f); err != nil {
			return outcome{}, err
		}
	case action.Attempt < m.policy.MaxAttempts(f.TemporaryKind, f.HighValue):
		if err := m.scheduleImmediate(ctx, f, action.Attempt+1, m.now()); err != nil {
			return outcome{}, err
		}
	default:
		if err := m.exhaustImmediate(ctx, f); err != nil {
			return outcome{}, err
		}
	}
	return failed(code), nil
}

// runRetryCharge sends a ladder retry for the full amount.
func (m *Machine) runRetryCharge(ctx context.Context, f *models.PaymentFailure, action *models.RecoveryAction) (outcome, error) {
	if f.RetryBlocked {
		return skipped("retries blocked until payment method update"), nil
	}

	res, code, err := m.charge(ctx, f, action, f.Amount)
	if errors.Is(err, retry.ErrActionCancelled) {
		return skipped("cancelled before charge"), nil
	}
	if err != nil {
		return outcome{}, err
	}
	if res.Succeeded {
		if err := m.Recover(ctx, f, "scheduled_retry"); err != nil {
			return outcome{}, err
		}
		return succeeded("charged " + formatAmount(f.Amount)), nil
	}

	permanent := !m.policy.Retryable(code)
	if _, _, err := m.update(ctx, f, func(cur *models.PaymentFailure) bool {
		cur.RetryCount++
		if permanent {
			cur.RetryBlocked = true
		}
		return true
	}); err != nil {
		return outcome{}, err
	}
	return failed(code), nil
}

// charge sends the action's charge and folds transient gateway errors into a
// declined result carrying their code.
func (m *Machine) charge(ctx context.Context, f *models.PaymentFailure, action *models.RecoveryAction, amount int64) (gateway.ChargeResult, string, error) {
	res, err := m.scheduler.Charge(ctx, action, f, amount)
	switch {
	case err == nil:
		return res, res.ErrorCode, nil
	case errors.Is(err, models.ErrTransientCharge):
		code := gateway.ChargeErrorCode(err)
		return gateway.ChargeResult{ErrorCode: code}, code, nil
	case idempotency.IsCached(err):
		return gateway.ChargeResult{ErrorCode: "processing_error"}, "processing_error", nil
	default:
		return res, "", err
	}
}
