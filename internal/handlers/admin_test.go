// internal/handlers/admin_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
	"github.com/javajoker/payguard/internal/services"
)

// settledGateway reports every referenced payment as settled, standing in for
// the live gateway during recovery endpoint tests.
type settledGateway struct{}

func (settledGateway) VerifyStatus(ctx context.Context, externalReference string) (services.GatewayStatus, error) {
	return services.GatewayStatusSucceeded, nil
}

type AdminHandlerTestSuite struct {
	suite.Suite
	db     *gorm.DB
	cfg    *config.Config
	deps   *services.Registry
	router *gin.Engine
	userID uuid.UUID
}

func (suite *AdminHandlerTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	suite.db = openHandlerTestDB(suite.T())
	suite.cfg = handlerTestConfig()
	suite.userID = uuid.New()

	deps, err := services.NewRegistry(suite.db, suite.cfg)
	require.NoError(suite.T(), err)
	suite.deps = deps

	recovery := services.NewRecoveryService(suite.db, deps.Ledger, deps.Audit, settledGateway{}, suite.cfg)
	handler := NewAdminHandler(deps.Security, deps.Audit, deps.Ledger, recovery, suite.cfg)

	suite.router = gin.New()
	suite.router.Use(func(c *gin.Context) {
		c.Set("user_id", suite.userID.String())
		c.Set("user_type", "admin")
		c.Next()
	})

	admin := suite.router.Group("/v1/admin")
	{
		admin.GET("/security-events", handler.GetSecurityEvents)
		admin.PUT("/security-events/:id/review", handler.ReviewSecurityEvent)
		admin.GET("/audit-logs", handler.GetAuditLogs)
		admin.GET("/audit-logs/export", handler.ExportAuditLogs)
		admin.GET("/transactions", handler.GetTransactions)
		admin.POST("/transactions/:id/retry", handler.RetryTransaction)
		admin.POST("/transactions/retry-recoverable", handler.BulkRetryRecoverable)
		admin.GET("/metrics", handler.GetMetrics)
	}
}

func (suite *AdminHandlerTestSuite) request(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(suite.T(), err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	suite.router.ServeHTTP(w, req)
	return w
}

func (suite *AdminHandlerTestSuite) seedEvent(identifier string) *models.SecurityEvent {
	event := &models.SecurityEvent{
		Identifier:     identifier,
		IdentifierType: models.IdentifierTypeIP,
		EventType:      "webhook_anomaly",
		RiskScore:      85,
		AutoBlocked:    true,
	}
	require.NoError(suite.T(), suite.deps.Security.RecordEvent(event))
	return event
}

func (suite *AdminHandlerTestSuite) seedFailedTransaction(reference string) *models.Transaction {
	transaction, err := suite.deps.Ledger.Create(services.CreateTransactionParams{
		ExternalReference: reference,
		Amount:            49.99,
		PaymentProvider:   "adyen",
	})
	require.NoError(suite.T(), err)

	require.NoError(suite.T(), suite.db.Model(&models.Transaction{}).
		Where("id = ?", transaction.ID).
		Update("status", models.TransactionStatusFailed).Error)
	return transaction
}

func (suite *AdminHandlerTestSuite) TestListSecurityEvents() {
	suite.seedEvent("203.0.113.1")
	suite.seedEvent("203.0.113.2")

	w := suite.request(http.MethodGet, "/v1/admin/security-events?auto_blocked=true", nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	var response struct {
		Success bool                   `json:"success"`
		Data    []models.SecurityEvent `json:"data"`
	}
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &response))
	assert.Len(suite.T(), response.Data, 2)
}

func (suite *AdminHandlerTestSuite) TestReviewSecurityEvent() {
	event := suite.seedEvent("203.0.113.1")

	path := fmt.Sprintf("/v1/admin/security-events/%s/review", event.ID)
	w := suite.request(http.MethodPut, path, gin.H{"decision": "approved"})
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	var stored models.SecurityEvent
	require.NoError(suite.T(), suite.db.First(&stored, "id = ?", event.ID).Error)
	assert.True(suite.T(), stored.Reviewed)
	assert.False(suite.T(), stored.AutoBlocked)
	require.NotNil(suite.T(), stored.ReviewedBy)
	assert.Equal(suite.T(), suite.userID, *stored.ReviewedBy)

	// A second decision on the same event is refused.
	w = suite.request(http.MethodPut, path, gin.H{"decision": "rejected"})
	assert.Equal(suite.T(), http.StatusConflict, w.Code)
}

func (suite *AdminHandlerTestSuite) TestReviewRejectsBadDecision() {
	event := suite.seedEvent("203.0.113.1")

	path := fmt.Sprintf("/v1/admin/security-events/%s/review", event.ID)
	w := suite.request(http.MethodPut, path, gin.H{"decision": "maybe"})
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)
}

func (suite *AdminHandlerTestSuite) TestReviewUnknownEvent() {
	path := fmt.Sprintf("/v1/admin/security-events/%s/review", uuid.New())
	w := suite.request(http.MethodPut, path, gin.H{"decision": "approved"})
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)
}

func (suite *AdminHandlerTestSuite) TestAuditLogQueryAndExport() {
	require.NoError(suite.T(), suite.deps.Audit.Record(&models.AuditLogEntry{
		ExternalReference: "pi_100",
		EventType:         models.AuditEventReceived,
		IPAddress:         "203.0.113.1",
	}))

	w := suite.request(http.MethodGet, "/v1/admin/audit-logs?external_reference=pi_100", nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	from := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w = suite.request(http.MethodGet, "/v1/admin/audit-logs/export?from="+from+"&to="+to, nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Contains(suite.T(), w.Header().Get("Content-Type"), "text/csv")

	rows, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(suite.T(), err)
	require.Len(suite.T(), rows, 2)
	assert.Equal(suite.T(), "pi_100", rows[1][4])
}

func (suite *AdminHandlerTestSuite) TestAuditExportRejectsWideRange() {
	from := time.Now().Add(-60 * 24 * time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().UTC().Format(time.RFC3339)

	w := suite.request(http.MethodGet, "/v1/admin/audit-logs/export?from="+from+"&to="+to, nil)
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)
}

func (suite *AdminHandlerTestSuite) TestManualRetryRecoversTransaction() {
	transaction := suite.seedFailedTransaction("pi_100")

	w := suite.request(http.MethodPost, "/v1/admin/transactions/"+transaction.ID.String()+"/retry", nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	var reloaded models.Transaction
	require.NoError(suite.T(), suite.db.First(&reloaded, "id = ?", transaction.ID).Error)
	assert.Equal(suite.T(), models.TransactionStatusCompleted, reloaded.Status)
	assert.Equal(suite.T(), 1, reloaded.RetryCount)
}

func (suite *AdminHandlerTestSuite) TestManualRetryNonRecoverable() {
	transaction := suite.seedFailedTransaction("pi_100")
	require.NoError(suite.T(), suite.db.Model(&models.Transaction{}).
		Where("id = ?", transaction.ID).
		Update("retry_count", models.MaxRetryCount).Error)

	w := suite.request(http.MethodPost, "/v1/admin/transactions/"+transaction.ID.String()+"/retry", nil)
	assert.Equal(suite.T(), http.StatusConflict, w.Code)
}

func (suite *AdminHandlerTestSuite) TestBulkRetryEndpoint() {
	suite.seedFailedTransaction("pi_100")
	suite.seedFailedTransaction("pi_101")

	w := suite.request(http.MethodPost, "/v1/admin/transactions/retry-recoverable", nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	var response struct {
		Data services.BulkRetryResult `json:"data"`
	}
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(suite.T(), 2, response.Data.Attempted)
	assert.Equal(suite.T(), 2, response.Data.Completed)
}

func (suite *AdminHandlerTestSuite) TestMetricsEndpoint() {
	require.NoError(suite.T(), suite.deps.Audit.Record(&models.AuditLogEntry{
		ExternalReference: "pi_100",
		EventType:         models.AuditEventReceived,
	}))
	suite.seedFailedTransaction("pi_101")

	w := suite.request(http.MethodGet, "/v1/admin/metrics?hours=24", nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	var response struct {
		Data struct {
			Pipeline      services.PipelineMetrics `json:"pipeline"`
			EventsPerHour float64                  `json:"events_per_hour"`
			Recoverable   int64                    `json:"recoverable"`
		} `json:"data"`
	}
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(suite.T(), int64(1), response.Data.Pipeline.Received)
	assert.Equal(suite.T(), int64(1), response.Data.Recoverable)
}

func (suite *AdminHandlerTestSuite) TestListTransactions() {
	suite.seedFailedTransaction("pi_100")

	w := suite.request(http.MethodGet, "/v1/admin/transactions?status=failed", nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	var response struct {
		Data []models.Transaction `json:"data"`
	}
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &response))
	require.Len(suite.T(), response.Data, 1)
	assert.Equal(suite.T(), "pi_100", response.Data[0].ExternalReference)
}

func TestAdminHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(AdminHandlerTestSuite))
}
