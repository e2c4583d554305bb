package models

import (
	"sort"
	"time"
)

// DunningStage is a step on the recovery ladder
type DunningStage string

const (
	StageSoftFailure  DunningStage = "SOFT_FAILURE"
	StageHardFailure  DunningStage = "HARD_FAILURE"
	StageDunning1     DunningStage = "DUNNING_1"
	StageDunning2     DunningStage = "DUNNING_2"
	StageDunning3     DunningStage = "DUNNING_3"
	StageDunning4     DunningStage = "DUNNING_4"
	StageDunning5     DunningStage = "DUNNING_5"
	StageFinalNotice  DunningStage = "FINAL_NOTICE"
	StageCancellation DunningStage = "CANCELLATION"
	StageRecovery     DunningStage = "RECOVERY"
)

// Ladder is the fixed forward order of dunning stages.
var Ladder = []DunningStage{
	StageSoftFailure,
	StageHardFailure,
	StageDunning1,
	StageDunning2,
	StageDunning3,
	StageDunning4,
	StageDunning5,
	StageFinalNotice,
	StageCancellation,
}

// Ordinal returns the position on the ladder, or -1 for RECOVERY and unknown stages.
func (s DunningStage) Ordinal() int {
	for i, st := range Ladder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s on the ladder.
func (s DunningStage) Next() (DunningStage, bool) {
	i := s.Ordinal()
	if i < 0 || i+1 >= len(Ladder) {
		return "", false
	}
	return Ladder[i+1], true
}

func (s DunningStage) IsTerminal() bool {
	return s == StageCancellation || s == StageRecovery
}

// FailureType is the classified cause of a failed charge
type FailureType string

const (
	FailureCardDeclined      FailureType = "card_declined"
	FailureInsufficientFunds FailureType = "insufficient_funds"
	FailureExpiredCard       FailureType = "expired_card"
	FailureFraudulent        FailureType = "fraudulent"
	FailureProcessingError   FailureType = "processing_error"
	FailureUnknown           FailureType = "unknown"
)

// Strategy is a recovery approach chosen for a failure
type Strategy string

const (
	StrategyAutomaticRetry      Strategy = "AUTOMATIC_RETRY"
	StrategyPaymentMethodUpdate Strategy = "PAYMENT_METHOD_UPDATE"
	StrategyGracePeriod         Strategy = "GRACE_PERIOD"
	StrategyPartialPayment      Strategy = "PARTIAL_PAYMENT"
	StrategyPaymentPlan         Strategy = "PAYMENT_PLAN"
	StrategyManualIntervention  Strategy = "MANUAL_INTERVENTION"
	StrategyCancellation        Strategy = "CANCELLATION"
)

// FailureStatus is the lifecycle of a payment failure
type FailureStatus string

const (
	FailureStatusOpen         FailureStatus = "open"
	FailureStatusRecovered    FailureStatus = "recovered"
	FailureStatusCancelled    FailureStatus = "cancelled"
	FailureStatusManualReview FailureStatus = "manual_review"
)

// PaymentFailure is one failed recurring charge under recovery
type PaymentFailure struct {
	ID                string         `json:"id" bson:"_id"`
	CustomerID        string         `json:"customer_id" bson:"customer_id"`
	SubscriptionID    string         `json:"subscription_id" bson:"subscription_id"`
	InvoiceID         string         `json:"invoice_id,omitempty" bson:"invoice_id,omitempty"`
	PaymentIntentID   string         `json:"payment_intent_id,omitempty" bson:"payment_intent_id,omitempty"`
	PaymentMethodID   string         `json:"payment_method_id,omitempty" bson:"payment_method_id,omitempty"`
	Amount            int64          `json:"amount" bson:"amount"`
	Currency          string         `json:"currency" bson:"currency"`
	FailureReason     string         `json:"failure_reason" bson:"failure_reason"`
	FailureCode       string         `json:"failure_code" bson:"failure_code"`
	FailureType       FailureType    `json:"failure_type" bson:"failure_type"`
	TemporaryKind     string         `json:"temporary_kind,omitempty" bson:"temporary_kind,omitempty"`
	Strategy          Strategy       `json:"strategy" bson:"strategy"`
	HighValue         bool           `json:"high_value" bson:"high_value"`
	Stage             DunningStage   `json:"stage,omitempty" bson:"stage,omitempty"`
	StagesVisited     []DunningStage `json:"stages_visited,omitempty" bson:"stages_visited,omitempty"`
	Status            FailureStatus  `json:"status" bson:"status"`
	ImmediateAttempts int            `json:"immediate_attempts" bson:"immediate_attempts"`
	RetryCount        int            `json:"retry_count" bson:"retry_count"`
	RetryBlocked      bool           `json:"retry_blocked" bson:"retry_blocked"`
	FailedAt          time.Time      `json:"failed_at" bson:"failed_at"`
	NextRetryAt       *time.Time     `json:"next_retry_at,omitempty" bson:"next_retry_at,omitempty"`
	ClosedAt          *time.Time     `json:"closed_at,omitempty" bson:"closed_at,omitempty"`
	Version           int64          `json:"version" bson:"version"`
	CreatedAt         time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" bson:"updated_at"`
}

// Open reports whether automated recovery may still act on the failure.
func (f *PaymentFailure) Open() bool {
	return f.Status == FailureStatusOpen
}

// InLadder reports whether the failure has entered the dunning ladder.
func (f *PaymentFailure) InLadder() bool {
	return f.Stage != ""
}

// ActionType is the kind of work a recovery action performs
type ActionType string

const (
	ActionEnterStage          ActionType = "enter_stage"
	ActionRetryCharge         ActionType = "retry_charge"
	ActionImmediateRetry      ActionType = "immediate_retry"
	ActionPaymentMethodPrompt ActionType = "payment_method_prompt"
	ActionGracePeriod         ActionType = "grace_period"
)

// Precedence orders actions that fire at the same instant: the ladder moves
// first, then the new stage's charge, then access and communication.
func (t ActionType) Precedence() int {
	switch t {
	case ActionEnterStage:
		return 0
	case ActionImmediateRetry, ActionRetryCharge:
		return 1
	case ActionGracePeriod:
		return 2
	case ActionPaymentMethodPrompt:
		return 3
	default:
		return 4
	}
}

// ActionStatus is the lifecycle of a recovery action
type ActionStatus string

const (
	ActionStatusScheduled ActionStatus = "scheduled"
	ActionStatusExecuting ActionStatus = "executing"
	ActionStatusSucceeded ActionStatus = "succeeded"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusCancelled ActionStatus = "cancelled"
	ActionStatusSkipped   ActionStatus = "skipped"
)

// RecoveryAction is one scheduled step of a failure's recovery chain
type RecoveryAction struct {
	ID             string            `json:"id" bson:"_id"`
	FailureID      string            `json:"failure_id" bson:"failure_id"`
	Type           ActionType        `json:"type" bson:"type"`
	Stage          DunningStage      `json:"dunning_stage,omitempty" bson:"dunning_stage,omitempty"`
	Strategy       Strategy          `json:"strategy" bson:"strategy"`
	Status         ActionStatus      `json:"status" bson:"status"`
	Attempt        int               `json:"attempt,omitempty" bson:"attempt,omitempty"`
	Amount         int64             `json:"amount,omitempty" bson:"amount,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	ScheduledAt    time.Time         `json:"scheduled_at" bson:"scheduled_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty" bson:"started_at,omitempty"`
	ExecutedAt     *time.Time        `json:"executed_at,omitempty" bson:"executed_at,omitempty"`
	Success        *bool             `json:"success,omitempty" bson:"success,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Version        int64             `json:"version" bson:"version"`
	CreatedAt      time.Time         `json:"created_at" bson:"created_at"`
}

// Pending reports whether the action has not started yet.
func (a *RecoveryAction) Pending() bool {
	return a.Status == ActionStatusScheduled
}

// SortActions orders actions for execution: earliest first, then ladder order
// when two stages fire at the same instant, then action precedence.
func SortActions(actions []*RecoveryAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if ao, bo := a.Stage.Ordinal(), b.Stage.Ordinal(); ao != bo {
			return ao < bo
		}
		if ap, bp := a.Type.Precedence(), b.Type.Precedence(); ap != bp {
			return ap < bp
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
