// internal/services/ledger_service_test.go
package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/models"
)

type LedgerServiceTestSuite struct {
	suite.Suite
	db      *gorm.DB
	service *LedgerService
	clock   time.Time
}

func (suite *LedgerServiceTestSuite) SetupTest() {
	suite.db = openTestDB(suite.T())
	suite.service = NewLedgerService(suite.db, testConfig())

	suite.clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	suite.service.now = func() time.Time { return suite.clock }
}

func (suite *LedgerServiceTestSuite) create(reference string) *models.Transaction {
	transaction, err := suite.service.Create(CreateTransactionParams{
		ExternalReference: reference,
		Amount:            49.99,
		PaymentProvider:   "stripe",
		RawPayload:        `{"id":"` + reference + `"}`,
	})
	require.NoError(suite.T(), err)
	return transaction
}

func (suite *LedgerServiceTestSuite) reload(id uuid.UUID) *models.Transaction {
	transaction, err := suite.service.Get(id)
	require.NoError(suite.T(), err)
	return transaction
}

func (suite *LedgerServiceTestSuite) TestCreateOpensPendingWithDeadline() {
	transaction := suite.create("pi_100")

	assert.Equal(suite.T(), models.TransactionStatusPending, transaction.Status)
	assert.Equal(suite.T(), "usd", transaction.Currency)
	assert.Equal(suite.T(), 0, transaction.RetryCount)
	assert.True(suite.T(), transaction.ExpiresAt.Equal(suite.clock.Add(24*time.Hour)))
}

func (suite *LedgerServiceTestSuite) TestCreateDuplicateReference() {
	suite.create("pi_100")

	_, err := suite.service.Create(CreateTransactionParams{
		ExternalReference: "pi_100",
		Amount:            10,
		PaymentProvider:   "stripe",
	})
	assert.ErrorIs(suite.T(), err, ErrDuplicateReference)
}

func (suite *LedgerServiceTestSuite) TestGetByReference() {
	created := suite.create("pi_100")

	found, err := suite.service.GetByReference("pi_100")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), created.ID, found.ID)

	_, err = suite.service.GetByReference("pi_missing")
	assert.ErrorIs(suite.T(), err, ErrTransactionNotFound)
}

func (suite *LedgerServiceTestSuite) TestAcquireLockIsExclusive() {
	transaction := suite.create("pi_100")

	require.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-a"))
	assert.ErrorIs(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-b"), ErrLockHeld)
}

func (suite *LedgerServiceTestSuite) TestReleaseLockRequiresToken() {
	transaction := suite.create("pi_100")
	require.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-a"))

	// A non-holder release changes nothing.
	require.NoError(suite.T(), suite.service.ReleaseLock(transaction.ID, "worker-b"))
	assert.ErrorIs(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-b"), ErrLockHeld)

	require.NoError(suite.T(), suite.service.ReleaseLock(transaction.ID, "worker-a"))
	assert.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-b"))
}

func (suite *LedgerServiceTestSuite) TestStaleLockIsReclaimable() {
	transaction := suite.create("pi_100")
	require.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "crashed-worker"))

	suite.clock = suite.clock.Add(31 * time.Second)
	assert.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-b"))

	reloaded := suite.reload(transaction.ID)
	assert.Equal(suite.T(), "worker-b", reloaded.LockToken)
}

func (suite *LedgerServiceTestSuite) TestAcquireLockUnknownTransaction() {
	assert.ErrorIs(suite.T(), suite.service.AcquireLock(uuid.New(), "worker-a"), ErrTransactionNotFound)
}

func (suite *LedgerServiceTestSuite) TestTransitionToCompleted() {
	transaction := suite.create("pi_100")
	require.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-a"))

	require.NoError(suite.T(), suite.service.Transition(
		transaction.ID, models.TransactionStatusPending, models.TransactionStatusCompleted, "worker-a"))

	reloaded := suite.reload(transaction.ID)
	assert.Equal(suite.T(), models.TransactionStatusCompleted, reloaded.Status)
	require.NotNil(suite.T(), reloaded.CompletedAt)
}

func (suite *LedgerServiceTestSuite) TestTransitionRequiresLockToken() {
	transaction := suite.create("pi_100")
	require.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-a"))

	err := suite.service.Transition(
		transaction.ID, models.TransactionStatusPending, models.TransactionStatusCompleted, "worker-b")
	assert.ErrorIs(suite.T(), err, ErrLockNotHeld)

	err = suite.service.Transition(
		transaction.ID, models.TransactionStatusPending, models.TransactionStatusCompleted, "")
	assert.ErrorIs(suite.T(), err, ErrLockNotHeld)
}

func (suite *LedgerServiceTestSuite) TestCompletedIsTerminal() {
	transaction := suite.create("pi_100")
	require.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-a"))
	require.NoError(suite.T(), suite.service.Transition(
		transaction.ID, models.TransactionStatusPending, models.TransactionStatusCompleted, "worker-a"))

	// A redelivered completion finds no pending row to update.
	err := suite.service.Transition(
		transaction.ID, models.TransactionStatusPending, models.TransactionStatusCompleted, "worker-a")
	assert.ErrorIs(suite.T(), err, ErrInvalidTransition)

	err = suite.service.Transition(
		transaction.ID, models.TransactionStatusCompleted, models.TransactionStatusPending, "worker-a")
	assert.ErrorIs(suite.T(), err, ErrInvalidTransition)
}

func (suite *LedgerServiceTestSuite) TestFailedReentersPending() {
	transaction := suite.create("pi_100")
	require.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-a"))
	require.NoError(suite.T(), suite.service.Transition(
		transaction.ID, models.TransactionStatusPending, models.TransactionStatusFailed, "worker-a"))

	require.NoError(suite.T(), suite.service.Transition(
		transaction.ID, models.TransactionStatusFailed, models.TransactionStatusPending, "worker-a"))

	reloaded := suite.reload(transaction.ID)
	assert.Equal(suite.T(), models.TransactionStatusPending, reloaded.Status)
}

func (suite *LedgerServiceTestSuite) TestCompletionPastDeadline() {
	transaction := suite.create("pi_100")

	suite.clock = suite.clock.Add(25 * time.Hour)
	require.NoError(suite.T(), suite.service.AcquireLock(transaction.ID, "worker-a"))

	err := suite.service.Transition(
		transaction.ID, models.TransactionStatusPending, models.TransactionStatusCompleted, "worker-a")
	assert.ErrorIs(suite.T(), err, ErrTransactionExpired)
}

func (suite *LedgerServiceTestSuite) TestEffectiveStatusEvaluatesExpiryLazily() {
	transaction := suite.create("pi_100")

	assert.Equal(suite.T(), models.TransactionStatusPending,
		transaction.EffectiveStatus(suite.clock))
	assert.Equal(suite.T(), models.TransactionStatusExpired,
		transaction.EffectiveStatus(suite.clock.Add(25*time.Hour)))
}

func (suite *LedgerServiceTestSuite) TestMarkExpiredPersistsLazyExpiry() {
	transaction := suite.create("pi_100")

	// Before the deadline the row is left alone.
	require.NoError(suite.T(), suite.service.MarkExpired(transaction.ID))
	assert.Equal(suite.T(), models.TransactionStatusPending, suite.reload(transaction.ID).Status)

	suite.clock = suite.clock.Add(25 * time.Hour)
	require.NoError(suite.T(), suite.service.MarkExpired(transaction.ID))
	assert.Equal(suite.T(), models.TransactionStatusExpired, suite.reload(transaction.ID).Status)
}

func (suite *LedgerServiceTestSuite) TestRecordSecurityScoreKeepsMaximum() {
	transaction := suite.create("pi_100")

	require.NoError(suite.T(), suite.service.RecordSecurityScore(transaction.ID, 50))
	assert.Equal(suite.T(), 50, suite.reload(transaction.ID).SecurityScore)

	require.NoError(suite.T(), suite.service.RecordSecurityScore(transaction.ID, 30))
	assert.Equal(suite.T(), 50, suite.reload(transaction.ID).SecurityScore)

	require.NoError(suite.T(), suite.service.RecordSecurityScore(transaction.ID, 80))
	assert.Equal(suite.T(), 80, suite.reload(transaction.ID).SecurityScore)
}

func (suite *LedgerServiceTestSuite) TestListFiltersByStatus() {
	first := suite.create("pi_100")
	suite.create("pi_101")

	require.NoError(suite.T(), suite.db.Model(&models.Transaction{}).
		Where("id = ?", first.ID).
		Update("status", models.TransactionStatusFailed).Error)

	status := models.TransactionStatusFailed
	transactions, total, err := suite.service.List(TransactionFilter{Status: &status})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
	require.Len(suite.T(), transactions, 1)
	assert.Equal(suite.T(), first.ID, transactions[0].ID)
}

func (suite *LedgerServiceTestSuite) TestCountRecoverable() {
	recoverable := suite.create("pi_100")
	exhausted := suite.create("pi_101")
	expired := suite.create("pi_102")
	suite.create("pi_103") // still pending

	require.NoError(suite.T(), suite.db.Model(&models.Transaction{}).Where("id = ?", recoverable.ID).
		Updates(map[string]interface{}{"status": models.TransactionStatusFailed, "retry_count": 1}).Error)
	require.NoError(suite.T(), suite.db.Model(&models.Transaction{}).Where("id = ?", exhausted.ID).
		Updates(map[string]interface{}{"status": models.TransactionStatusFailed, "retry_count": models.MaxRetryCount}).Error)
	require.NoError(suite.T(), suite.db.Model(&models.Transaction{}).Where("id = ?", expired.ID).
		Updates(map[string]interface{}{"status": models.TransactionStatusFailed, "expires_at": suite.clock.Add(-time.Hour)}).Error)

	count, err := suite.service.CountRecoverable()
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), count)
}

func (suite *LedgerServiceTestSuite) TestConcurrentCompletionAppliesOnce() {
	transaction := suite.create("pi_100")

	// Redelivery storms race the same row with distinct tokens; the CAS lock
	// and the guarded transition let exactly one completion through.
	const workers = 8
	var applied int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()

			token := uuid.NewString()
			if err := suite.service.AcquireLock(transaction.ID, token); err != nil {
				return
			}
			if err := suite.service.Transition(transaction.ID, models.TransactionStatusPending, models.TransactionStatusCompleted, token); err == nil {
				atomic.AddInt64(&applied, 1)
			}
			if err := suite.service.ReleaseLock(transaction.ID, token); err != nil {
				suite.T().Error(err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(suite.T(), int64(1), applied)

	reloaded := suite.reload(transaction.ID)
	assert.Equal(suite.T(), models.TransactionStatusCompleted, reloaded.Status)
	assert.Empty(suite.T(), reloaded.LockToken)
}

func TestLedgerServiceTestSuite(t *testing.T) {
	suite.Run(t, new(LedgerServiceTestSuite))
}
