package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"payment-recovery/api/middleware"
	"payment-recovery/internal/ingest"
	"payment-recovery/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Ingestor accepts verified deliveries.
type Ingestor interface {
	Accept(ctx context.Context, env *models.Envelope, signatureValid bool) (ingest.Result, error)
}

type BillingWebhookHandler struct {
	logger *zap.Logger
	gate   Ingestor
}

func NewBillingWebhookHandler(logger *zap.Logger, gate Ingestor) *BillingWebhookHandler {
	return &BillingWebhookHandler{logger: logger, gate: gate}
}

// HandleWebhook answers 200 for accepted and duplicate deliveries so the
// processor stops redelivering, 401 for a bad signature, 400 for a malformed
// envelope and 500 when the event could not be stored.
func (h *BillingWebhookHandler) HandleWebhook(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
			return
		}
	}
	valid := c.GetBool(middleware.SignatureValidKey)

	var env *models.Envelope
	if len(body) > 0 {
		var decoded models.Envelope
		if err := json.Unmarshal(body, &decoded); err != nil {
			h.logger.Warn("Failed to parse webhook envelope", zap.Error(err))
		} else {
			env = &decoded
		}
	}

	res, err := h.gate.Accept(c.Request.Context(), env, valid)
	switch {
	case errors.Is(err, models.ErrSignatureInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	case errors.Is(err, models.ErrInvalidEnvelope):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event envelope"})
		return
	case err != nil:
		h.logger.Error("Failed to ingest webhook", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
		return
	}

	c.JSON(http.StatusOK, res)
}

func rawBody(c *gin.Context) ([]byte, bool) {
	v, ok := c.Get(middleware.RawBodyKey)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}
