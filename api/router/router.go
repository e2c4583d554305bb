package router

import (
	"context"

	"payment-recovery/api/handlers"
	"payment-recovery/api/middleware"
	"payment-recovery/config"
	"payment-recovery/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

func Setup(logger *logger.Logger, gate handlers.Ingestor, ops handlers.OrderingOps, cfg *config.Config, checks map[string]HealthCheck) *gin.Engine {
	router := gin.Default()

	security := middleware.NewSecurityMiddleware(logger.Named("security"), cfg.Security)
	limiter := middleware.NewRateLimiter(cfg.Security.RateLimit, cfg.Security.RateBurst)

	router.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		code := 200
		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				status[name] = err.Error()
				status["status"] = "degraded"
				code = 503
				continue
			}
			status[name] = "ok"
		}
		c.JSON(code, status)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	webhook := handlers.NewBillingWebhookHandler(logger.Named("webhook"), gate)
	hooks := router.Group("/webhooks")
	hooks.Use(limiter.Middleware(), security.ValidatePayload(), security.VerifySignature())
	hooks.POST("/billing", webhook.HandleWebhook)

	opsHandler := handlers.NewOpsHandler(logger.Named("ops"), ops)
	admin := router.Group("/ops")
	admin.Use(security.Authenticate())
	admin.GET("/ordering/failed", opsHandler.ListFailed)
	admin.POST("/ordering/:entityType/:entityId/:sequence/resolve", opsHandler.Resolve)

	logger.Desugar().Info("Router configured",
		zap.String("signature_header", cfg.Security.SignatureHeader),
		zap.Int("signing_secrets", len(cfg.Security.SigningSecrets)),
		zap.Int("operators", len(cfg.Security.OpsAPIKeys)),
	)

	return router
}
