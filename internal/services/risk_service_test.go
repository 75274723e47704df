// internal/services/risk_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/models"
)

type RiskServiceTestSuite struct {
	suite.Suite
	db      *gorm.DB
	service *RiskService
	clock   time.Time
}

func (suite *RiskServiceTestSuite) SetupTest() {
	suite.db = openTestDB(suite.T())
	security := NewSecurityService(suite.db)
	suite.service = NewRiskService(suite.db, security, testConfig())

	suite.clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	suite.service.now = func() time.Time { return suite.clock }
}

func (suite *RiskServiceTestSuite) TestScoreCleanDelivery() {
	assessment := suite.service.Score(AssessmentInput{
		Amount:         50,
		SignatureValid: true,
	})

	assert.Equal(suite.T(), 0, assessment.RiskScore)
	assert.False(suite.T(), assessment.AutoBlock)
	assert.False(suite.T(), assessment.RequiresReview)
	assert.Empty(suite.T(), assessment.AnomalyFlags)
}

func (suite *RiskServiceTestSuite) TestScoreMissingSignature() {
	assessment := suite.service.Score(AssessmentInput{
		Amount:         50,
		SignatureValid: false,
	})

	assert.Equal(suite.T(), 50, assessment.RiskScore)
	assert.False(suite.T(), assessment.AutoBlock)
	assert.True(suite.T(), assessment.RequiresReview)
	assert.Contains(suite.T(), assessment.AnomalyFlags, "missing_signature")
}

func (suite *RiskServiceTestSuite) TestScoreVelocityPlusMissingSignatureAutoBlocks() {
	assessment := suite.service.Score(AssessmentInput{
		Amount:             50,
		SignatureValid:     false,
		RecentWebhookCount: 11,
	})

	assert.Equal(suite.T(), 90, assessment.RiskScore)
	assert.True(suite.T(), assessment.AutoBlock)
	assert.False(suite.T(), assessment.RequiresReview)
}

func (suite *RiskServiceTestSuite) TestScoreVelocityAtLimitNotFlagged() {
	assessment := suite.service.Score(AssessmentInput{
		Amount:             50,
		SignatureValid:     true,
		RecentWebhookCount: 10,
	})

	assert.Equal(suite.T(), 0, assessment.RiskScore)
}

func (suite *RiskServiceTestSuite) TestScoreCrossIPReplay() {
	assessment := suite.service.Score(AssessmentInput{
		Amount:            50,
		SignatureValid:    true,
		DistinctSourceIPs: 2,
	})

	assert.Equal(suite.T(), 30, assessment.RiskScore)
	assert.Contains(suite.T(), assessment.AnomalyFlags, "cross_ip_replay")
}

func (suite *RiskServiceTestSuite) TestScoreAmountDeviation() {
	base := AssessmentInput{
		SignatureValid:     true,
		BaselineMeanAmount: 10,
		BaselineSamples:    20,
	}

	base.Amount = 25
	assert.Equal(suite.T(), 0, suite.service.Score(base).RiskScore)

	base.Amount = 35
	assessment := suite.service.Score(base)
	assert.Equal(suite.T(), 20, assessment.RiskScore)
	assert.Equal(suite.T(), 20, assessment.AnomalyFlags["amount_deviation"])

	base.Amount = 150
	assessment = suite.service.Score(base)
	assert.Equal(suite.T(), 35, assessment.RiskScore)
	assert.Equal(suite.T(), 35, assessment.AnomalyFlags["amount_deviation"])
}

func (suite *RiskServiceTestSuite) TestScoreIgnoresThinBaseline() {
	assessment := suite.service.Score(AssessmentInput{
		Amount:             900,
		SignatureValid:     true,
		BaselineMeanAmount: 10,
		BaselineSamples:    2,
	})

	assert.Equal(suite.T(), 0, assessment.RiskScore)
}

func (suite *RiskServiceTestSuite) TestScoreCapsAtHundred() {
	assessment := suite.service.Score(AssessmentInput{
		Amount:             900,
		SignatureValid:     false,
		RecentWebhookCount: 50,
		DistinctSourceIPs:  3,
		BaselineMeanAmount: 10,
		BaselineSamples:    20,
	})

	assert.Equal(suite.T(), 100, assessment.RiskScore)
	assert.True(suite.T(), assessment.AutoBlock)
}

func (suite *RiskServiceTestSuite) TestAssessGathersVelocityFromAuditTrail() {
	for i := 0; i < 11; i++ {
		require.NoError(suite.T(), suite.db.Create(&models.AuditLogEntry{
			ExternalReference: "pi_flood",
			EventType:         models.AuditEventReceived,
			IPAddress:         "203.0.113.1",
			BaseModel:         models.BaseModel{CreatedAt: suite.clock.Add(-time.Minute)},
		}).Error)
	}

	assessment, err := suite.service.Assess("203.0.113.1", "pi_flood", "stripe", 50, false)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 90, assessment.RiskScore)
	assert.True(suite.T(), assessment.AutoBlock)

	var event models.SecurityEvent
	require.NoError(suite.T(), suite.db.First(&event, "event_type = ?", "webhook_anomaly").Error)
	assert.Equal(suite.T(), "203.0.113.1", event.Identifier)
	assert.True(suite.T(), event.AutoBlocked)
	assert.Equal(suite.T(), models.SeverityCritical, event.Severity)
}

func (suite *RiskServiceTestSuite) TestAssessIgnoresStaleDeliveries() {
	for i := 0; i < 11; i++ {
		require.NoError(suite.T(), suite.db.Create(&models.AuditLogEntry{
			ExternalReference: "pi_old",
			EventType:         models.AuditEventReceived,
			IPAddress:         "203.0.113.1",
			BaseModel:         models.BaseModel{CreatedAt: suite.clock.Add(-time.Hour)},
		}).Error)
	}

	assessment, err := suite.service.Assess("203.0.113.1", "pi_old", "stripe", 50, true)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 0, assessment.RiskScore)
}

func (suite *RiskServiceTestSuite) TestAssessCountsOtherSourceAddresses() {
	for _, ip := range []string{"198.51.100.1", "198.51.100.2"} {
		require.NoError(suite.T(), suite.db.Create(&models.AuditLogEntry{
			ExternalReference: "pi_replay",
			EventType:         models.AuditEventReceived,
			IPAddress:         ip,
			BaseModel:         models.BaseModel{CreatedAt: suite.clock.Add(-time.Hour)},
		}).Error)
	}

	assessment, err := suite.service.Assess("203.0.113.1", "pi_replay", "stripe", 50, true)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 30, assessment.RiskScore)
	assert.Contains(suite.T(), assessment.AnomalyFlags, "cross_ip_replay")

	// Below the review band, nothing is written to the event log.
	var count int64
	require.NoError(suite.T(), suite.db.Model(&models.SecurityEvent{}).Count(&count).Error)
	assert.Equal(suite.T(), int64(0), count)
}

func (suite *RiskServiceTestSuite) TestAssessUsesCompletedAmountBaseline() {
	for i := 0; i < 6; i++ {
		require.NoError(suite.T(), suite.db.Create(&models.Transaction{
			ExternalReference: "pi_base_" + string(rune('a'+i)),
			Amount:            10,
			Currency:          "usd",
			Status:            models.TransactionStatusCompleted,
			PaymentProvider:   "stripe",
			ExpiresAt:         suite.clock.Add(24 * time.Hour),
			BaseModel:         models.BaseModel{CreatedAt: suite.clock.Add(-48 * time.Hour)},
		}).Error)
	}

	assessment, err := suite.service.Assess("203.0.113.1", "pi_spike", "stripe", 150, true)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 35, assessment.RiskScore)
	assert.Equal(suite.T(), 35, assessment.AnomalyFlags["amount_deviation"])
}

func (suite *RiskServiceTestSuite) TestAssessFailsClosedOnStoreError() {
	require.NoError(suite.T(), suite.db.Migrator().DropTable(&models.AuditLogEntry{}))

	_, err := suite.service.Assess("203.0.113.1", "pi_x", "stripe", 50, true)
	assert.Error(suite.T(), err)
}

func TestRiskServiceTestSuite(t *testing.T) {
	suite.Run(t, new(RiskServiceTestSuite))
}
