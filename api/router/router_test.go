package router

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payment-recovery/api/middleware"
	"payment-recovery/config"
	"payment-recovery/internal/dedup"
	"payment-recovery/internal/ingest"
	"payment-recovery/internal/models"
	"payment-recovery/internal/ordering"
	"payment-recovery/internal/storage"
	"payment-recovery/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRouter(t *testing.T, checks map[string]HealthCheck) (*gin.Engine, *storage.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Security.SigningSecrets = []string{"whsec_test"}
	cfg.Security.OpsAPIKeys = map[string]string{"alice": "ops-key"}

	repo := storage.NewMemory()
	nop := zap.NewNop()
	index := dedup.NewIndex(repo, cfg.Ingestion.DedupWindow, cfg.Ingestion.DedupBucket, nop)
	q := ordering.NewQueue(repo, cfg.Ordering, nop)
	gate := ingest.NewGate(repo, index, q, nil, cfg.Ingestion, nop)
	return Setup(logger.NewLogger("error", "router-test"), gate, q, cfg, checks), repo
}

func post(r *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Billing-Signature", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBillingWebhookEndToEnd(t *testing.T) {
	r, repo := newRouter(t, nil)
	body := []byte(`{"source_event_id":"evt_router_1","event_type":"invoice.payment_failed",` +
		`"entity_references":{"customer_id":"cus_1","subscription_id":"sub_1","invoice_id":"in_1"},` +
		`"payload":{"amount":5000,"currency":"usd","failure_code":"card_declined"},` +
		`"created_at":"2026-04-02T10:00:00Z"}`)
	sig := middleware.Sign("whsec_test", time.Now(), body)

	w := post(r, body, sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first ingest.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, ingest.OutcomeAccepted, first.Outcome)
	assert.Equal(t, int64(1), first.Sequence)

	w = post(r, body, sig)
	require.Equal(t, http.StatusOK, w.Code)
	var second ingest.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, ingest.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.EventID, second.EventID)

	ev, err := repo.GetEventBySourceID(context.Background(), "evt_router_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", ev.EntityID)
}

func TestBillingWebhookRejectsBadSignature(t *testing.T) {
	r, repo := newRouter(t, nil)
	body := []byte(`{"source_event_id":"evt_router_2","event_type":"invoice.payment_failed",` +
		`"entity_references":{"customer_id":"cus_1"},"payload":{}}`)

	w := post(r, body, middleware.Sign("whsec_wrong", time.Now(), body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(r, body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := repo.GetEventBySourceID(context.Background(), "evt_router_2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBillingWebhookRejectsInvalidEnvelope(t *testing.T) {
	r, _ := newRouter(t, nil)
	body := []byte(`{"event_type":"invoice.payment_failed"}`)

	w := post(r, body, middleware.Sign("whsec_test", time.Now(), body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	r, _ := newRouter(t, map[string]HealthCheck{
		"mongodb": func(context.Context) error { return nil },
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	r, _ = newRouter(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestOpsResolveFailedEntry(t *testing.T) {
	r, repo := newRouter(t, nil)
	ctx := context.Background()
	body := []byte(`{"source_event_id":"evt_router_3","event_type":"invoice.payment_failed",` +
		`"entity_references":{"customer_id":"cus_9","subscription_id":"sub_9"},"payload":{"amount":100}}`)
	require.Equal(t, http.StatusOK, post(r, body, middleware.Sign("whsec_test", time.Now(), body)).Code)

	key := models.EntityKey{Type: models.EntitySubscription, ID: "sub_9"}
	entry, err := repo.GetEntry(ctx, key, 1)
	require.NoError(t, err)
	entry.Status = models.QueueStatusFailed
	require.NoError(t, repo.UpdateEntry(ctx, entry))

	ops := func(method, path, apiKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, ops(http.MethodGet, "/ops/ordering/failed", "").Code)
	assert.Equal(t, http.StatusUnauthorized, ops(http.MethodGet, "/ops/ordering/failed", "wrong").Code)

	w := ops(http.MethodGet, "/ops/ordering/failed", "ops-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = ops(http.MethodPost, "/ops/ordering/subscription/sub_9/1/resolve", "ops-key")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	entry, err = repo.GetEntry(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSkipped, entry.Status)

	st, err := repo.GetProcessingState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LastProcessedSequence)

	assert.Equal(t, http.StatusConflict, ops(http.MethodPost, "/ops/ordering/subscription/sub_9/1/resolve", "ops-key").Code)
	assert.Equal(t, http.StatusNotFound, ops(http.MethodPost, "/ops/ordering/subscription/sub_9/7/resolve", "ops-key").Code)
	assert.Equal(t, http.StatusBadRequest, ops(http.MethodPost, "/ops/ordering/subscription/sub_9/x/resolve", "ops-key").Code)
}
