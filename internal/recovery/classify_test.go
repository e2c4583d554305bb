package recovery

import (
	"testing"

	"payment-recovery/config"
	"payment-recovery/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(config.Default().Recovery.Classification)

	tests := []struct {
		code, reason string
		want         models.FailureType
	}{
		{"insufficient_funds", "", models.FailureInsufficientFunds},
		{"card_declined", "Your card has insufficient funds.", models.FailureCardDeclined},
		{"", "Your card has insufficient funds.", models.FailureInsufficientFunds},
		{"stolen_card", "", models.FailureFraudulent},
		{"expired_card", "", models.FailureExpiredCard},
		{"do_not_honor", "Do not honor", models.FailureCardDeclined},
		{"try_again_later", "", models.FailureProcessingError},
		{"generic_decline", "card was declined", models.FailureCardDeclined},
		{"bank_transfer_rejected", "", models.FailureUnknown},
		{"", "", models.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.code, tt.reason))
		})
	}
}

func TestSelectStrategy(t *testing.T) {
	s := NewSelector(config.Default().Recovery)

	tests := []struct {
		name      string
		ft        models.FailureType
		amount    int64
		highValue bool
		want      models.Strategy
	}{
		{"funds", models.FailureInsufficientFunds, 10000, false, models.StrategyAutomaticRetry},
		{"funds high value has no manual candidate", models.FailureInsufficientFunds, 10000, true, models.StrategyAutomaticRetry},
		{"declined", models.FailureCardDeclined, 1000, false, models.StrategyPaymentMethodUpdate},
		{"declined high value", models.FailureCardDeclined, 1000, true, models.StrategyManualIntervention},
		{"expired", models.FailureExpiredCard, 1000, false, models.StrategyPaymentMethodUpdate},
		{"fraud", models.FailureFraudulent, 100, false, models.StrategyManualIntervention},
		{"unknown", models.FailureUnknown, 100, false, models.StrategyAutomaticRetry},
		{"unlisted type falls back to unknown", models.FailureType("chargeback"), 100, true, models.StrategyManualIntervention},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Select(tt.ft, tt.amount, tt.highValue))
		})
	}
}

func TestSelectSkipsStrategiesBelowTheirMinimum(t *testing.T) {
	cfg := config.Default().Recovery
	cfg.Strategies = map[models.FailureType][]models.Strategy{
		models.FailureInsufficientFunds: {models.StrategyPaymentPlan, models.StrategyPartialPayment, models.StrategyGracePeriod},
	}
	s := NewSelector(cfg)

	assert.Equal(t, models.StrategyPaymentPlan, s.Select(models.FailureInsufficientFunds, 20000, false))
	assert.Equal(t, models.StrategyPartialPayment, s.Select(models.FailureInsufficientFunds, 5000, false))
	assert.Equal(t, models.StrategyGracePeriod, s.Select(models.FailureInsufficientFunds, 4999, false))
	assert.Equal(t, models.StrategyManualIntervention, s.Select(models.FailureCardDeclined, 100, false),
		"no candidates at all")
}

func TestStageTableRejectsBrokenLadder(t *testing.T) {
	stages := config.Default().Recovery.Stages

	_, err := NewStageTable(stages)
	require.NoError(t, err)

	missing := append([]config.StageConfig(nil), stages[:8]...)
	_, err = NewStageTable(missing)
	assert.ErrorContains(t, err, "CANCELLATION")

	backwards := append([]config.StageConfig(nil), stages...)
	backwards[4].OffsetDays = 2
	_, err = NewStageTable(backwards)
	assert.ErrorContains(t, err, "DUNNING_3")

	foreign := append([]config.StageConfig(nil), stages...)
	foreign = append(foreign, config.StageConfig{Stage: models.StageRecovery})
	_, err = NewStageTable(foreign)
	assert.Error(t, err)
}
