package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"payment-recovery/api/middleware"
	"payment-recovery/internal/models"
	"payment-recovery/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OrderingOps is the manual-review surface of the ordering queue.
type OrderingOps interface {
	ListFailed(ctx context.Context, limit int) ([]*models.OrderingEntry, error)
	Resolve(ctx context.Context, key models.EntityKey, seq int64) error
}

type OpsHandler struct {
	logger *zap.Logger
	queue  OrderingOps
}

func NewOpsHandler(logger *zap.Logger, queue OrderingOps) *OpsHandler {
	return &OpsHandler{logger: logger, queue: queue}
}

// ListFailed returns ordering entries that exhausted their retries.
func (h *OpsHandler) ListFailed(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	entries, err := h.queue.ListFailed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list failed entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list entries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Resolve skips a failed entry so its entity can continue.
func (h *OpsHandler) Resolve(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("sequence"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sequence"})
		return
	}
	key := models.EntityKey{Type: c.Param("entityType"), ID: c.Param("entityId")}

	err = h.queue.Resolve(c.Request.Context(), key, seq)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Entry not found"})
		return
	case errors.Is(err, models.ErrOrderingViolation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Failed to resolve entry", zap.String("entity", key.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve entry"})
		return
	}

	h.logger.Info("Ordering entry resolved by operator",
		zap.String("operator", c.GetString(middleware.OperatorKey)),
		zap.String("entity", key.String()),
		zap.Int64("sequence", seq))
	c.JSON(http.StatusOK, gin.H{"status": "skipped", "entity": key, "sequence": seq})
}
