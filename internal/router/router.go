// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/handlers"
	"github.com/javajoker/payguard/internal/middleware"
	"github.com/javajoker/payguard/internal/services"
	"github.com/javajoker/payguard/internal/utils"
)

func Initialize(cfg *config.Config, deps *services.Registry) *gin.Engine {
	// Initialize handlers
	webhookHandler := handlers.NewWebhookHandler(
		deps.RateLimit, deps.Security, deps.Risk, deps.Ledger, deps.Audit, deps.Gateway, cfg)
	transactionHandler := handlers.NewTransactionHandler(deps.Ledger, deps.RateLimit, cfg)
	adminHandler := handlers.NewAdminHandler(deps.Security, deps.Audit, deps.Ledger, deps.Recovery, cfg)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Gateway callbacks; signature-authenticated, POST only.
		webhooks := v1.Group("/webhooks")
		webhooks.Use(middleware.WebhookRateLimit())
		{
			webhooks.POST("/payment/:provider", webhookHandler.HandlePaymentWebhook)
		}

		// Purchase-flow transaction surface
		transactions := v1.Group("/transactions")
		transactions.Use(middleware.GeneralRateLimit(), middleware.AuthRequired())
		{
			transactions.POST("", transactionHandler.CreateTransaction)
			transactions.GET("/:id", transactionHandler.GetTransaction)
		}

		// Operator / reviewer routes
		admin := v1.Group("/admin")
		admin.Use(middleware.GeneralRateLimit(), middleware.AuthRequired(), middleware.AdminRequired())
		{
			security := admin.Group("/security-events")
			{
				security.GET("", adminHandler.GetSecurityEvents)
				security.PUT("/:id/review", adminHandler.ReviewSecurityEvent)
			}

			audit := admin.Group("/audit-logs")
			{
				audit.GET("", adminHandler.GetAuditLogs)
				audit.GET("/export", adminHandler.ExportAuditLogs)
			}

			adminTransactions := admin.Group("/transactions")
			{
				adminTransactions.GET("", adminHandler.GetTransactions)
				adminTransactions.POST("/:id/retry", adminHandler.RetryTransaction)
				adminTransactions.POST("/retry-recoverable", adminHandler.BulkRetryRecoverable)
			}

			admin.GET("/metrics", adminHandler.GetMetrics)
		}
	}

	return r
}
