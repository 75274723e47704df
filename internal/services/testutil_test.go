// internal/services/testutil_test.go
package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
)

// openTestDB gives each test its own in-memory database. cache=shared keeps
// the pooled connections pointed at the same store.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Transaction{},
		&models.SecurityEvent{},
		&models.AuditLogEntry{},
		&models.RateLimitWindow{},
	))

	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Payment: config.PaymentConfig{
			WebhookHMACSecret: "test-webhook-secret",
			GatewayTimeout:    5,
		},
		Security: config.SecurityConfig{
			WebhookMaxRequests:   20,
			WebhookWindowMinutes: 5,
			APIMaxRequests:       100,
			APIWindowMinutes:     1,
			AutoBlockThreshold:   70,
			ReviewThreshold:      40,
			BaselineMultiplier:   3.0,
			BaselineHardMult:     10.0,
			LockStaleSeconds:     30,
			ExpiryHours:          24,
			RetryPacingSeconds:   0,
			RecoveryBatchLimit:   25,
			EncryptionSecret:     "test-encryption-secret",
			EncryptionSalt:       "test-salt",
		},
		Retention: config.RetentionConfig{
			AuditLogDays:       90,
			SecurityEventDays:  30,
			ExportMaxRangeDays: 31,
			CleanupIntervalHrs: 24,
		},
	}
}

// stubGateway stands in for the payment gateway during recovery tests.
type stubGateway struct {
	status GatewayStatus
	err    error
	calls  int
}

func (g *stubGateway) VerifyStatus(ctx context.Context, externalReference string) (GatewayStatus, error) {
	g.calls++
	return g.status, g.err
}
