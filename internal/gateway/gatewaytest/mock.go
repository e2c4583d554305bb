// Package gatewaytest provides testify mocks of the gateway collaborators.
package gatewaytest

import (
	"context"
	"time"

	"payment-recovery/internal/gateway"

	"github.com/stretchr/testify/mock"
)

// Gateway mocks every collaborator interface at once.
type Gateway struct {
	mock.Mock
}

func (m *Gateway) ChargeRetry(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.ChargeResult), args.Error(1)
}

func (m *Gateway) SendNotification(ctx context.Context, n gateway.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func (m *Gateway) SetFeatureAccess(ctx context.Context, customerID string, restrictions []string, until *time.Time) error {
	args := m.Called(ctx, customerID, restrictions, until)
	return args.Error(0)
}

func (m *Gateway) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	args := m.Called(ctx, subscriptionID, reason)
	return args.Error(0)
}

func (m *Gateway) ActiveSubscriptionTotal(ctx context.Context, customerID string) (int64, error) {
	args := m.Called(ctx, customerID)
	return args.Get(0).(int64), args.Error(1)
}

// Quiet accepts every notification and feature-access change.
func (m *Gateway) Quiet() *Gateway {
	m.On("SendNotification", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SetFeatureAccess", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

// Notifications returns the notifications sent so far.
func (m *Gateway) Notifications() []gateway.Notification {
	var out []gateway.Notification
	for _, c := range m.Calls {
		if c.Method == "SendNotification" {
			out = append(out, c.Arguments.Get(1).(gateway.Notification))
		}
	}
	return out
}

// Charges returns the charge requests sent so far.
func (m *Gateway) Charges() []gateway.ChargeRequest {
	var out []gateway.ChargeRequest
	for _, c := range m.Calls {
		if c.Method == "ChargeRetry" {
			out = append(out, c.Arguments.Get(1).(gateway.ChargeRequest))
		}
	}
	return out
}

var (
	_ gateway.Charger           = (*Gateway)(nil)
	_ gateway.Notifier          = (*Gateway)(nil)
	_ gateway.FeatureAccess     = (*Gateway)(nil)
	_ gateway.Billing           = (*Gateway)(nil)
	_ gateway.CustomerDirectory = (*Gateway)(nil)
)
