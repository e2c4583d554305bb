package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"payment-recovery/config"
	"payment-recovery/pkg/metrics"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// errClient marks 4xx responses, which say nothing about gateway health.
var errClient = errors.New("billing gateway rejected request")

// Client talks JSON over HTTP to the billing platform. All calls share one
// circuit breaker; an open breaker fails fast with a transient error.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
}

func NewClient(cfg config.GatewayConfig, logger *zap.Logger) *Client {
	name := "billing-gateway"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerHalfOpen,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errClient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		cb:      cb,
		logger:  logger,
	}
}

func (c *Client) ChargeRetry(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var result ChargeResult
	err := c.do(ctx, http.MethodPost, "/v1/charges/retry", req, &result, req.IdempotencyKey)
	if err != nil {
		var declined *declineError
		if errors.As(err, &declined) {
			return ChargeResult{Succeeded: false, ErrorCode: declined.Code}, nil
		}
		return ChargeResult{}, err
	}
	return result, nil
}

func (c *Client) SendNotification(ctx context.Context, n Notification) error {
	return c.do(ctx, http.MethodPost, "/v1/notifications", n, nil, "")
}

func (c *Client) SetFeatureAccess(ctx context.Context, customerID string, restrictions []string, until *time.Time) error {
	body := struct {
		Restrictions []string   `json:"restrictions"`
		Until        *time.Time `json:"until,omitempty"`
	}{Restrictions: restrictions, Until: until}
	if body.Restrictions == nil {
		body.Restrictions = []string{}
	}
	return c.do(ctx, http.MethodPut, "/v1/customers/"+url.PathEscape(customerID)+"/feature-access", body, nil, "")
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(subscriptionID)+"/cancel", body, nil, "")
}

func (c *Client) ActiveSubscriptionTotal(ctx context.Context, customerID string) (int64, error) {
	var out struct {
		Total int64 `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(customerID)+"/active-subscription-total", nil, &out, ""); err != nil {
		return 0, err
	}
	return out.Total, nil
}

// declineError is a 402 from the charge endpoint: the processor refused the card.
type declineError struct {
	Code string
}

func (e *declineError) Error() string { return "charge declined: " + e.Code }

func (e *declineError) Is(target error) bool { return target == errClient }

func (c *Client) do(ctx context.Context, method, path string, in, out any, idempotencyKey string) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, in, out, idempotencyKey)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ChargeError{Code: "gateway_unavailable"}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any, idempotencyKey string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode gateway request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Billing gateway request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return &ChargeError{Code: "network_error"}
	}
	defer resp.Body.Close()

	c.logger.Debug("Billing gateway response",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		var decline struct {
			ErrorCode string `json:"error_code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&decline)
		if decline.ErrorCode == "" {
			decline.ErrorCode = "card_declined"
		}
		return &declineError{Code: decline.ErrorCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ChargeError{Code: "rate_limit"}
	case resp.StatusCode >= 500:
		return &ChargeError{Code: "service_unavailable"}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %d %s", errClient, method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

var (
	_ Charger           = (*Client)(nil)
	_ Notifier          = (*Client)(nil)
	_ FeatureAccess     = (*Client)(nil)
	_ Billing           = (*Client)(nil)
	_ CustomerDirectory = (*Client)(nil)
)
