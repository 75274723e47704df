// internal/handlers/transaction.go
package handlers

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
	"github.com/javajoker/payguard/internal/services"
	"github.com/javajoker/payguard/internal/utils"
)

type TransactionHandler struct {
	ledger      *services.LedgerService
	rateLimiter *services.RateLimitService
	cfg         *config.Config
}

func NewTransactionHandler(ledger *services.LedgerService, rateLimiter *services.RateLimitService, cfg *config.Config) *TransactionHandler {
	return &TransactionHandler{
		ledger:      ledger,
		rateLimiter: rateLimiter,
		cfg:         cfg,
	}
}

// POST /transactions
func (h *TransactionHandler) CreateTransaction(c *gin.Context) {
	userID, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	// The purchase flow shares the durable limiter with the webhook pipeline,
	// keyed by the calling user instead of the delivery IP.
	limit, err := h.rateLimiter.CheckAndConsume(
		userID,
		models.IdentifierTypeUser,
		models.ActionTypeAPI,
		h.cfg.Security.APIMaxRequests,
		time.Duration(h.cfg.Security.APIWindowMinutes)*time.Minute,
	)
	if err != nil {
		logrus.WithError(err).Warn("Rate limit store unavailable; denying")
		utils.RetryLaterResponse(c)
		return
	}
	if !limit.Allowed {
		utils.TooManyRequestsResponse(c)
		return
	}

	var req services.CreateTransactionParams
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "", err.Error())
		return
	}
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	transaction, err := h.ledger.Create(req)
	if err != nil {
		if errors.Is(err, services.ErrDuplicateReference) {
			utils.ConflictResponse(c, "Transaction already exists")
			return
		}
		logrus.WithError(err).Error("Failed to create transaction")
		utils.InternalErrorResponse(c, "")
		return
	}

	utils.CreatedResponse(c, transaction)
}

// GET /transactions/:id
func (h *TransactionHandler) GetTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid transaction ID", nil)
		return
	}

	transaction, err := h.ledger.Get(id)
	if err != nil {
		if errors.Is(err, services.ErrTransactionNotFound) {
			utils.NotFoundResponse(c, "Transaction")
			return
		}
		utils.InternalErrorResponse(c, "")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"transaction":      transaction,
		"effective_status": transaction.EffectiveStatus(time.Now()),
	})
}
