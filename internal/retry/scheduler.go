package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/gateway"
	"payment-recovery/internal/idempotency"
	"payment-recovery/internal/models"
	"payment-recovery/internal/storage"
	"payment-recovery/pkg/metrics"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const chargeOperation = "charge_retry"

// ErrActionCancelled means the action or its failure was closed before it ran.
var ErrActionCancelled = errors.New("recovery action cancelled")

// Store is the persistence the scheduler needs.
type Store interface {
	storage.ActionRepository
	storage.FailureRepository
}

type Scheduler struct {
	store         Store
	keys          *idempotency.Manager
	charger       gateway.Charger
	offsets       map[models.DunningStage]time.Duration
	actionTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewScheduler(store Store, keys *idempotency.Manager, charger gateway.Charger, stages []config.StageConfig, actionTimeout time.Duration, logger *zap.Logger) *Scheduler {
	offsets := make(map[models.DunningStage]time.Duration, len(stages))
	for _, s := range stages {
		offsets[s.Stage] = time.Duration(s.OffsetDays) * 24 * time.Hour
	}
	return &Scheduler{
		store:         store,
		keys:          keys,
		charger:       charger,
		offsets:       offsets,
		actionTimeout: actionTimeout,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the scheduler's time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// ScheduleAt is when stage fires for failure: failure time plus the stage offset.
func (s *Scheduler) ScheduleAt(failure *models.PaymentFailure, stage models.DunningStage) (time.Time, error) {
	offset, ok := s.offsets[stage]
	if !ok {
		return time.Time{}, fmt.Errorf("no schedule for stage %q", stage)
	}
	return failure.FailedAt.Add(offset), nil
}

// ActionSpec describes an action to schedule.
type ActionSpec struct {
	Type     models.ActionType
	Stage    models.DunningStage
	At       time.Time
	Attempt  int
	Amount   int64
	Metadata map[string]string
}

// Schedule stores a new action for failure.
func (s *Scheduler) Schedule(ctx context.Context, failure *models.PaymentFailure, spec ActionSpec) (*models.RecoveryAction, error) {
	action := &models.RecoveryAction{
		ID:          uuid.NewString(),
		FailureID:   failure.ID,
		Type:        spec.Type,
		Stage:       spec.Stage,
		Strategy:    failure.Strategy,
		Status:      models.ActionStatusScheduled,
		Attempt:     spec.Attempt,
		Amount:      spec.Amount,
		ScheduledAt: spec.At,
		Metadata:    spec.Metadata,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertAction(ctx, action); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", spec.Type, err)
	}
	s.logger.Debug("Recovery action scheduled",
		zap.String("failure_id", failure.ID),
		zap.String("action_id", action.ID),
		zap.String("type", string(spec.Type)),
		zap.String("stage", string(spec.Stage)),
		zap.Time("scheduled_at", spec.At))
	return action, nil
}

// Due returns actions ready to run, in execution order.
func (s *Scheduler) Due(ctx context.Context, limit int) ([]*models.RecoveryAction, error) {
	now := s.now()
	return s.store.DueActions(ctx, now, now.Add(-s.actionTimeout), limit)
}

// Claim marks the action executing. It returns false when another worker
// holds it or it is no longer scheduled.
func (s *Scheduler) Claim(ctx context.Context, action *models.RecoveryAction) (bool, error) {
	now := s.now()
	switch action.Status {
	case models.ActionStatusScheduled:
	case models.ActionStatusExecuting:
		if action.StartedAt == nil || now.Sub(*action.StartedAt) < s.actionTimeout {
			return false, nil
		}
	default:
		return false, nil
	}

	action.Status = models.ActionStatusExecuting
	action.StartedAt = &now
	if err := s.store.UpdateAction(ctx, action); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("claim action: %w", err)
	}
	return true, nil
}

// Finish records the action's outcome.
func (s *Scheduler) Finish(ctx context.Context, action *models.RecoveryAction, status models.ActionStatus, success *bool, note string) error {
	now := s.now()
	action.Status = status
	action.ExecutedAt = &now
	action.Success = success
	if note != "" {
		if action.Metadata == nil {
			action.Metadata = make(map[string]string)
		}
		action.Metadata["result"] = note
	}
	if err := s.store.UpdateAction(ctx, action); err != nil {
		return fmt.Errorf("finish action: %w", err)
	}
	metrics.RecoveryActions.WithLabelValues(string(action.Type), string(status)).Inc()
	return nil
}

// Charge sends the action's retry charge at most once, keyed on
// (failure, action type, scheduled time, action). The action id keeps two
// actions scheduled in the same millisecond apart. A cancelled action or
// closed failure returns ErrActionCancelled without charging.
func (s *Scheduler) Charge(ctx context.Context, action *models.RecoveryAction, failure *models.PaymentFailure, amount int64) (gateway.ChargeResult, error) {
	current, err := s.store.GetAction(ctx, action.ID)
	if err != nil {
		return gateway.ChargeResult{}, fmt.Errorf("reload action: %w", err)
	}
	if current.Status == models.ActionStatusCancelled {
		return gateway.ChargeResult{}, ErrActionCancelled
	}
	latest, err := s.store.GetFailure(ctx, failure.ID)
	if err != nil {
		return gateway.ChargeResult{}, fmt.Errorf("reload failure: %w", err)
	}
	if !latest.Open() {
		return gateway.ChargeResult{}, ErrActionCancelled
	}

	parts := []string{failure.ID, string(action.Type), action.ScheduledAt.UTC().Format(time.RFC3339Nano), action.ID}
	key := idempotency.Key(chargeOperation, parts...)
	action.IdempotencyKey = key
	action.Amount = amount

	req := gateway.ChargeRequest{
		CustomerID:      latest.CustomerID,
		PaymentMethodID: latest.PaymentMethodID,
		Amount:          amount,
		Currency:        latest.Currency,
		IdempotencyKey:  key,
	}
	raw, err := s.keys.Do(ctx, chargeOperation, func(ctx context.Context) (any, error) {
		return s.charger.ChargeRetry(ctx, req)
	}, parts...)
	if err != nil {
		metrics.ChargeAttempts.WithLabelValues(string(action.Type), "error").Inc()
		return gateway.ChargeResult{}, err
	}

	var result gateway.ChargeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return gateway.ChargeResult{}, fmt.Errorf("decode charge result: %w", err)
	}
	outcome := "declined"
	if result.Succeeded {
		outcome = "succeeded"
	}
	metrics.ChargeAttempts.WithLabelValues(string(action.Type), outcome).Inc()
	s.logger.Info("Retry charge sent",
		zap.String("failure_id", failure.ID),
		zap.String("action_id", action.ID),
		zap.String("type", string(action.Type)),
		zap.Int64("amount", amount),
		zap.Bool("succeeded", result.Succeeded),
		zap.String("error_code", result.ErrorCode))
	return result, nil
}

// CancelPending flips every scheduled action of the failure to cancelled and
// returns how many it cancelled.
func (s *Scheduler) CancelPending(ctx context.Context, failureID string) (int, error) {
	actions, err := s.store.ListActions(ctx, failureID)
	if err != nil {
		return 0, fmt.Errorf("list actions: %w", err)
	}

	cancelled := 0
	for _, a := range actions {
		for a.Pending() {
			a.Status = models.ActionStatusCancelled
			err := s.store.UpdateAction(ctx, a)
			if err == nil {
				cancelled++
				metrics.RecoveryActions.WithLabelValues(string(a.Type), string(models.ActionStatusCancelled)).Inc()
				break
			}
			if !errors.Is(err, storage.ErrConflict) {
				return cancelled, fmt.Errorf("cancel action %s: %w", a.ID, err)
			}
			if a, err = s.store.GetAction(ctx, a.ID); err != nil {
				return cancelled, fmt.Errorf("reload action: %w", err)
			}
		}
	}
	return cancelled, nil
}

// Pending returns the failure's actions that have not started.
func (s *Scheduler) Pending(ctx context.Context, failureID string) ([]*models.RecoveryAction, error) {
	actions, err := s.store.ListActions(ctx, failureID)
	if err != nil {
		return nil, err
	}
	out := actions[:0]
	for _, a := range actions {
		if a.Pending() {
			out = append(out, a)
		}
	}
	return out, nil
}
