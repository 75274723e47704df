// internal/handlers/webhook.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
	"github.com/javajoker/payguard/internal/services"
	"github.com/javajoker/payguard/internal/utils"
)

// WebhookHandler runs the ingestion pipeline for gateway callbacks:
// rate limiter → origin validator → risk scorer → ledger transition, with an
// audit entry for every decision before the response leaves.
type WebhookHandler struct {
	rateLimiter *services.RateLimitService
	security    *services.SecurityService
	risk        *services.RiskService
	ledger      *services.LedgerService
	audit       *services.AuditService
	gateway     *services.GatewayService
	cfg         *config.Config
}

func NewWebhookHandler(
	rateLimiter *services.RateLimitService,
	security *services.SecurityService,
	risk *services.RiskService,
	ledger *services.LedgerService,
	audit *services.AuditService,
	gateway *services.GatewayService,
	cfg *config.Config,
) *WebhookHandler {
	return &WebhookHandler{
		rateLimiter: rateLimiter,
		security:    security,
		risk:        risk,
		ledger:      ledger,
		audit:       audit,
		gateway:     gateway,
		cfg:         cfg,
	}
}

type webhookPayload struct {
	TransactionID string  `json:"transaction_id" validate:"required,max=255"`
	Status        string  `json:"status" validate:"required,oneof=completed failed"`
	Amount        float64 `json:"amount" validate:"required,gt=0"`
	Currency      string  `json:"currency,omitempty" validate:"omitempty,currency_code"`
}

func signatureHeader(c *gin.Context, provider string) string {
	if provider == "stripe" {
		return c.GetHeader("Stripe-Signature")
	}
	return c.GetHeader("X-Webhook-Signature")
}

// POST /webhooks/payment/:provider
func (h *WebhookHandler) HandlePaymentWebhook(c *gin.Context) {
	start := time.Now()
	provider := c.Param("provider")
	clientIP := c.ClientIP()
	userAgent := c.Request.UserAgent()

	body, err := c.GetRawData()
	if err != nil {
		utils.BadRequestResponse(c, "", nil)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		utils.BadRequestResponse(c, "", nil)
		return
	}
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&payload)); len(validationErrors) > 0 {
		utils.BadRequestResponse(c, "", nil)
		return
	}

	// Logging is committed first and is never rolled back, even if the caller
	// aborts before the state transition lands.
	if err := h.audit.Record(&models.AuditLogEntry{
		ExternalReference: payload.TransactionID,
		EventType:         models.AuditEventReceived,
		IPAddress:         clientIP,
		UserAgent:         userAgent,
		EventData: models.JSONB{
			"provider":       provider,
			"status":         payload.Status,
			"amount":         payload.Amount,
			"payload_sha256": utils.HashString(string(body)),
		},
	}); err != nil {
		logrus.WithError(err).Error("Failed to record webhook receipt")
		utils.RetryLaterResponse(c)
		return
	}

	// Durable sliding-window limiter, fail-closed on store trouble.
	limit, err := h.rateLimiter.CheckAndConsume(
		clientIP,
		models.IdentifierTypeIP,
		models.ActionTypeWebhook,
		h.cfg.Security.WebhookMaxRequests,
		time.Duration(h.cfg.Security.WebhookWindowMinutes)*time.Minute,
	)
	if err != nil {
		logrus.WithError(err).Warn("Rate limit store unavailable; denying")
		utils.RetryLaterResponse(c)
		return
	}
	if !limit.Allowed {
		h.recordBlocked(c, &payload, clientIP, userAgent, "rate_limit", start)
		return
	}

	origin, err := h.security.ValidateOrigin(clientIP, userAgent)
	if err != nil {
		logrus.WithError(err).Warn("Origin validation store unavailable; denying")
		utils.RetryLaterResponse(c)
		return
	}
	if !origin.Valid {
		h.recordBlocked(c, &payload, clientIP, userAgent, "origin:"+origin.Reason, start)
		return
	}

	signatureValid := h.gateway.VerifySignature(provider, body, signatureHeader(c, provider)) == nil

	assessment, err := h.risk.Assess(clientIP, payload.TransactionID, provider, payload.Amount, signatureValid)
	if err != nil {
		logrus.WithError(err).Warn("Risk assessment unavailable; denying")
		utils.RetryLaterResponse(c)
		return
	}
	if assessment.AutoBlock {
		h.recordBlocked(c, &payload, clientIP, userAgent, "risk_auto_block", start)
		return
	}

	h.applyTransition(c, &payload, assessment, clientIP, userAgent, start)
}

func (h *WebhookHandler) applyTransition(c *gin.Context, payload *webhookPayload, assessment *services.Assessment, clientIP, userAgent string, start time.Time) {
	transaction, err := h.ledger.GetByReference(payload.TransactionID)
	if errors.Is(err, services.ErrTransactionNotFound) {
		// The purchase flow has not opened this transaction yet; ask the
		// gateway to redeliver later.
		c.JSON(http.StatusAccepted, utils.APIResponse{Success: true, Data: gin.H{"status": "deferred"}})
		return
	}
	if err != nil {
		logrus.WithError(err).Error("Ledger lookup failed")
		utils.RetryLaterResponse(c)
		return
	}

	if err := h.ledger.RecordSecurityScore(transaction.ID, assessment.RiskScore); err != nil {
		logrus.WithError(err).Warn("Failed to store security score")
	}

	target := models.TransactionStatusCompleted
	if payload.Status == "failed" {
		target = models.TransactionStatusFailed
	}

	token := uuid.NewString()
	if err := h.ledger.AcquireLock(transaction.ID, token); err != nil {
		if errors.Is(err, services.ErrLockHeld) {
			// A concurrent delivery for the same transaction is mid-flight.
			utils.RetryLaterResponse(c)
			return
		}
		logrus.WithError(err).Error("Lock acquisition failed")
		utils.RetryLaterResponse(c)
		return
	}
	defer func() {
		if rerr := h.ledger.ReleaseLock(transaction.ID, token); rerr != nil {
			logrus.WithError(rerr).WithField("transaction_id", transaction.ID).Error("Failed to release processing lock")
		}
	}()

	err = h.ledger.Transition(transaction.ID, models.TransactionStatusPending, target, token)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTransactionExpired):
			if merr := h.ledger.MarkExpired(transaction.ID); merr != nil {
				logrus.WithError(merr).Warn("Failed to persist lazy expiry")
			}
			h.recordBlocked(c, payload, clientIP, userAgent, "deadline_passed", start)
			return
		case errors.Is(err, services.ErrInvalidTransition):
			// Redelivery of an already-settled transaction; acknowledge so the
			// gateway stops retrying, without a second applied entry.
			c.JSON(http.StatusOK, utils.APIResponse{Success: true, Data: gin.H{"status": "acknowledged"}})
			return
		default:
			logrus.WithError(err).Error("Ledger transition failed")
			utils.RetryLaterResponse(c)
			return
		}
	}

	if err := h.audit.Record(&models.AuditLogEntry{
		TransactionID:     &transaction.ID,
		ExternalReference: payload.TransactionID,
		EventType:         models.AuditEventApplied,
		IPAddress:         clientIP,
		UserAgent:         userAgent,
		EventData: models.JSONB{
			"from": string(models.TransactionStatusPending),
			"to":   string(target),
		},
		SecurityFlags: models.JSONB{"risk_score": assessment.RiskScore},
		LatencyMS:     time.Since(start).Milliseconds(),
	}); err != nil {
		// The transition landed but cannot be proven logged; report transient
		// so the gateway redelivers, which lands as an acknowledged no-op.
		logrus.WithError(err).Error("Failed to record applied audit entry")
		utils.RetryLaterResponse(c)
		return
	}

	c.JSON(http.StatusOK, utils.APIResponse{Success: true, Data: gin.H{"status": "applied"}})
}

// recordBlocked writes the blocked audit entry and answers with the one
// generic rejection shape. The reason stays in the audit trail only.
func (h *WebhookHandler) recordBlocked(c *gin.Context, payload *webhookPayload, clientIP, userAgent, reason string, start time.Time) {
	if err := h.audit.Record(&models.AuditLogEntry{
		ExternalReference: payload.TransactionID,
		EventType:         models.AuditEventBlocked,
		IPAddress:         clientIP,
		UserAgent:         userAgent,
		EventData:         models.JSONB{"status": payload.Status},
		SecurityFlags:     models.JSONB{"reason": reason},
		LatencyMS:         time.Since(start).Milliseconds(),
	}); err != nil {
		logrus.WithError(err).Error("Failed to record blocked audit entry")
		utils.RetryLaterResponse(c)
		return
	}

	utils.RejectedResponse(c)
}
