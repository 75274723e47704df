// internal/handlers/admin.go
package handlers

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
	"github.com/javajoker/payguard/internal/services"
	"github.com/javajoker/payguard/internal/utils"
)

// AdminHandler is the operator surface: security-event triage, audit queries
// and export, ledger queries, metrics, and manual recovery.
type AdminHandler struct {
	security *services.SecurityService
	audit    *services.AuditService
	ledger   *services.LedgerService
	recovery *services.RecoveryService
	cfg      *config.Config
}

func NewAdminHandler(security *services.SecurityService, audit *services.AuditService, ledger *services.LedgerService, recovery *services.RecoveryService, cfg *config.Config) *AdminHandler {
	return &AdminHandler{
		security: security,
		audit:    audit,
		ledger:   ledger,
		recovery: recovery,
		cfg:      cfg,
	}
}

// GET /admin/security-events
func (h *AdminHandler) GetSecurityEvents(c *gin.Context) {
	filter := services.SecurityEventFilter{
		PaginationParams: utils.GetPaginationParams(c),
		Identifier:       c.Query("identifier"),
		EventType:        c.Query("event_type"),
	}

	if severity := c.Query("severity"); severity != "" {
		s := models.Severity(severity)
		filter.Severity = &s
	}
	if reviewed := c.Query("reviewed"); reviewed != "" {
		value := reviewed == "true"
		filter.Reviewed = &value
	}
	if autoBlocked := c.Query("auto_blocked"); autoBlocked != "" {
		value := autoBlocked == "true"
		filter.AutoBlocked = &value
	}

	events, total, err := h.security.ListEvents(filter)
	if err != nil {
		logrus.WithError(err).Error("Failed to list security events")
		utils.InternalErrorResponse(c, "")
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(events, total, filter.PaginationParams))
}

type reviewEventRequest struct {
	Decision models.ReviewDecision `json:"decision" validate:"required,oneof=approved rejected"`
}

// PUT /admin/security-events/:id/review
func (h *AdminHandler) ReviewSecurityEvent(c *gin.Context) {
	reviewerIDStr, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}
	reviewerID, err := uuid.Parse(reviewerIDStr)
	if err != nil {
		utils.BadRequestResponse(c, "Invalid reviewer ID", nil)
		return
	}

	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid event ID", nil)
		return
	}

	var req reviewEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "", err.Error())
		return
	}
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	if err := h.security.ReviewEvent(eventID, req.Decision, reviewerID); err != nil {
		switch {
		case errors.Is(err, services.ErrEventNotFound):
			utils.NotFoundResponse(c, "Security event")
		case errors.Is(err, services.ErrAlreadyReviewed):
			utils.ConflictResponse(c, "Event already reviewed")
		default:
			logrus.WithError(err).Error("Failed to review security event")
			utils.InternalErrorResponse(c, "")
		}
		return
	}

	utils.SuccessResponse(c, gin.H{"message": "Event reviewed"})
}

func auditFilterFromQuery(c *gin.Context) (services.AuditFilter, error) {
	filter := services.AuditFilter{
		PaginationParams:  utils.GetPaginationParams(c),
		ExternalReference: c.Query("external_reference"),
		IPAddress:         c.Query("ip_address"),
	}

	if eventType := c.Query("event_type"); eventType != "" {
		t := models.AuditEventType(eventType)
		filter.EventType = &t
	}
	if txID := c.Query("transaction_id"); txID != "" {
		id, err := uuid.Parse(txID)
		if err != nil {
			return filter, fmt.Errorf("invalid transaction id")
		}
		filter.TransactionID = &id
	}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return filter, fmt.Errorf("invalid from timestamp")
		}
		filter.From = &t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return filter, fmt.Errorf("invalid to timestamp")
		}
		filter.To = &t
	}

	return filter, nil
}

// GET /admin/audit-logs
func (h *AdminHandler) GetAuditLogs(c *gin.Context) {
	filter, err := auditFilterFromQuery(c)
	if err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	entries, total, err := h.audit.List(filter)
	if err != nil {
		logrus.WithError(err).Error("Failed to list audit entries")
		utils.InternalErrorResponse(c, "")
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(entries, total, filter.PaginationParams))
}

// GET /admin/audit-logs/export
func (h *AdminHandler) ExportAuditLogs(c *gin.Context) {
	filter, err := auditFilterFromQuery(c)
	if err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=audit-export.csv")

	if err := h.audit.ExportCSV(c.Writer, filter, h.cfg.Retention.ExportMaxRangeDays); err != nil {
		if errors.Is(err, services.ErrExportRangeTooWide) {
			utils.BadRequestResponse(c, "Export range too wide", nil)
			return
		}
		logrus.WithError(err).Error("Audit export failed")
		utils.InternalErrorResponse(c, "")
		return
	}
}

// GET /admin/transactions
func (h *AdminHandler) GetTransactions(c *gin.Context) {
	filter := services.TransactionFilter{
		PaginationParams: utils.GetPaginationParams(c),
		PaymentProvider:  c.Query("provider"),
	}
	if status := c.Query("status"); status != "" {
		s := models.TransactionStatus(status)
		filter.Status = &s
	}

	transactions, total, err := h.ledger.List(filter)
	if err != nil {
		logrus.WithError(err).Error("Failed to list transactions")
		utils.InternalErrorResponse(c, "")
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(transactions, total, filter.PaginationParams))
}

// POST /admin/transactions/:id/retry
func (h *AdminHandler) RetryTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid transaction ID", nil)
		return
	}

	outcome, err := h.recovery.Retry(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTransactionNotFound):
			utils.NotFoundResponse(c, "Transaction")
		case errors.Is(err, services.ErrNotRecoverable):
			utils.ConflictResponse(c, "Transaction is not recoverable")
		case errors.Is(err, services.ErrLockHeld):
			utils.ConflictResponse(c, "Transaction is being processed")
		default:
			logrus.WithError(err).Error("Manual retry failed")
			utils.InternalErrorResponse(c, "")
		}
		return
	}

	utils.SuccessResponse(c, outcome)
}

// POST /admin/transactions/retry-recoverable
func (h *AdminHandler) BulkRetryRecoverable(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}

	result, err := h.recovery.BulkRetryRecoverable(c.Request.Context(), limit)
	if err != nil {
		logrus.WithError(err).Error("Bulk retry failed")
		utils.InternalErrorResponse(c, "")
		return
	}

	utils.SuccessResponse(c, result)
}

// GET /admin/metrics
func (h *AdminHandler) GetMetrics(c *gin.Context) {
	window := 24 * time.Hour
	if hours := c.Query("hours"); hours != "" {
		var parsed int
		if _, err := fmt.Sscanf(hours, "%d", &parsed); err == nil && parsed > 0 && parsed <= 24*31 {
			window = time.Duration(parsed) * time.Hour
		}
	}

	pipeline, err := h.audit.Metrics(window)
	if err != nil {
		logrus.WithError(err).Error("Failed to compute pipeline metrics")
		utils.InternalErrorResponse(c, "")
		return
	}

	eventsPerHour, err := h.security.EventsPerHour(window)
	if err != nil {
		logrus.WithError(err).Error("Failed to compute event rate")
		utils.InternalErrorResponse(c, "")
		return
	}

	recoverable, err := h.ledger.CountRecoverable()
	if err != nil {
		logrus.WithError(err).Error("Failed to count recoverable transactions")
		utils.InternalErrorResponse(c, "")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"pipeline":        pipeline,
		"events_per_hour": eventsPerHour,
		"recoverable":     recoverable,
	})
}
