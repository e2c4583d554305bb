package recovery

import (
	"payment-recovery/config"
	"payment-recovery/internal/models"
)

// Selector picks the recovery strategy for a classified failure.
type Selector struct {
	candidates map[models.FailureType][]models.Strategy
	partialMin int64
	planMin    int64
}

func NewSelector(cfg config.RecoveryConfig) *Selector {
	return &Selector{
		candidates: cfg.Strategies,
		partialMin: cfg.PartialPaymentMinAmount,
		planMin:    cfg.PaymentPlanMinAmount,
	}
}

// Select returns the first applicable candidate for ft. Fraud always goes to
// manual intervention; high-value customers prefer it whenever it is listed.
func (s *Selector) Select(ft models.FailureType, amount int64, highValue bool) models.Strategy {
	if ft == models.FailureFraudulent {
		return models.StrategyManualIntervention
	}

	list, ok := s.candidates[ft]
	if !ok {
		list = s.candidates[models.FailureUnknown]
	}

	if highValue {
		for _, st := range list {
			if st == models.StrategyManualIntervention {
				return st
			}
		}
	}
	for _, st := range list {
		if s.applicable(st, amount) {
			return st
		}
	}
	return models.StrategyManualIntervention
}

// Offers reports whether st is among the candidates for ft.
func (s *Selector) Offers(ft models.FailureType, st models.Strategy) bool {
	list, ok := s.candidates[ft]
	if !ok {
		list = s.candidates[models.FailureUnknown]
	}
	for _, c := range list {
		if c == st {
			return true
		}
	}
	return false
}

func (s *Selector) applicable(st models.Strategy, amount int64) bool {
	switch st {
	case models.StrategyPartialPayment:
		return amount >= s.partialMin
	case models.StrategyPaymentPlan:
		return amount >= s.planMin
	default:
		return true
	}
}
