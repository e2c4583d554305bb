package recovery

import (
	"payment-recovery/internal/models"
	"payment-recovery/internal/retry"
)

// classifyOrder is the precedence of failure types when several patterns match.
var classifyOrder = []models.FailureType{
	models.FailureFraudulent,
	models.FailureExpiredCard,
	models.FailureInsufficientFunds,
	models.FailureProcessingError,
	models.FailureCardDeclined,
}

// Classifier maps a processor failure code and reason to a FailureType.
type Classifier struct {
	patterns map[models.FailureType][]string
}

func NewClassifier(patterns map[models.FailureType][]string) *Classifier {
	return &Classifier{patterns: patterns}
}

func (c *Classifier) Classify(code, reason string) models.FailureType {
	for _, ft := range classifyOrder {
		if retry.ContainsToken(code, string(ft)) {
			return ft
		}
	}
	text := code + "_" + reason
	for _, ft := range classifyOrder {
		if retry.ContainsToken(text, c.patterns[ft]...) {
			return ft
		}
	}
	return models.FailureUnknown
}
