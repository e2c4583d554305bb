// Package gateway holds the contracts of the external billing collaborators:
// charging, customer notifications, feature access and subscription billing.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-recovery/internal/models"
)

type ChargeRequest struct {
	CustomerID      string `json:"customer_id"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type ChargeResult struct {
	Succeeded bool   `json:"succeeded"`
	ErrorCode string `json:"error_code,omitempty"`
	ChargeID  string `json:"charge_id,omitempty"`
}

type Notification struct {
	CustomerID string            `json:"customer_id"`
	TemplateID string            `json:"template_id"`
	Channel    string            `json:"channel"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// Charger retries a charge on the customer's payment method. A decline is a
// result with Succeeded=false; an error means the outcome is unknown.
type Charger interface {
	ChargeRetry(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

type Notifier interface {
	SendNotification(ctx context.Context, n Notification) error
}

// FeatureAccess applies a restriction set until the given time; nil means
// until changed, an empty set restores full access.
type FeatureAccess interface {
	SetFeatureAccess(ctx context.Context, customerID string, restrictions []string, until *time.Time) error
}

type Billing interface {
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error
}

// CustomerDirectory reports the summed amount of a customer's active subscriptions.
type CustomerDirectory interface {
	ActiveSubscriptionTotal(ctx context.Context, customerID string) (int64, error)
}

// ChargeError is a failed charge attempt with the processor's code.
type ChargeError struct {
	Code      string
	Permanent bool
}

func (e *ChargeError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s charge error: %s", kind, e.Code)
}

func (e *ChargeError) Unwrap() error {
	if e.Permanent {
		return models.ErrPermanentCharge
	}
	return models.ErrTransientCharge
}

// ChargeErrorCode returns the processor code carried by err, if any.
func ChargeErrorCode(err error) string {
	var ce *ChargeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
