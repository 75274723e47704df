// internal/services/recovery_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
)

var ErrNotRecoverable = errors.New("transaction not recoverable")

type RecoveryService struct {
	db      *gorm.DB
	ledger  *LedgerService
	audit   *AuditService
	gateway GatewayVerifier
	cfg     *config.Config
	now     func() time.Time
	sleep   func(time.Duration)
}

func NewRecoveryService(db *gorm.DB, ledger *LedgerService, audit *AuditService, gateway GatewayVerifier, cfg *config.Config) *RecoveryService {
	return &RecoveryService{
		db:      db,
		ledger:  ledger,
		audit:   audit,
		gateway: gateway,
		cfg:     cfg,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Recoverable: failed, retry budget left, deadline not passed. Expired
// transactions are never auto-retried; the caller has to open a new one.
func (s *RecoveryService) Recoverable(transaction *models.Transaction, now time.Time) bool {
	return transaction.Status == models.TransactionStatusFailed &&
		transaction.RetryCount < models.MaxRetryCount &&
		now.Before(transaction.ExpiresAt)
}

type RetryOutcome struct {
	TransactionID uuid.UUID                `json:"transaction_id"`
	Outcome       models.TransactionStatus `json:"outcome"`
	RetryCount    int                      `json:"retry_count"`
	GatewayError  string                   `json:"gateway_error,omitempty"`
}

// Retry drives one bounded recovery attempt: lock, re-enter pending with the
// budget check inside the statement, ask the gateway for the real status, and
// settle. Every step leaves an audit entry before the outcome is reported.
func (s *RecoveryService) Retry(ctx context.Context, id uuid.UUID) (*RetryOutcome, error) {
	now := s.now()

	transaction, err := s.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	if !s.Recoverable(transaction, now) {
		return nil, ErrNotRecoverable
	}

	token := uuid.NewString()
	if err := s.ledger.AcquireLock(id, token); err != nil {
		return nil, err
	}
	defer func() {
		if rerr := s.ledger.ReleaseLock(id, token); rerr != nil {
			logrus.WithError(rerr).WithField("transaction_id", id).Error("Failed to release recovery lock")
		}
	}()

	// Guarded re-entry: the status, budget, and deadline predicates live in
	// the statement itself so a concurrent attempt cannot overspend the
	// retry budget.
	result := s.db.Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND retry_count < ? AND lock_token = ? AND expires_at > ?",
			id, models.TransactionStatusFailed, models.MaxRetryCount, token, now).
		Updates(map[string]interface{}{
			"status":      models.TransactionStatusPending,
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to re-enter transaction: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotRecoverable
	}

	attempt := transaction.RetryCount + 1
	if err := s.audit.Record(&models.AuditLogEntry{
		TransactionID:     &transaction.ID,
		ExternalReference: transaction.ExternalReference,
		EventType:         models.AuditEventRetryAttempt,
		EventData: models.JSONB{
			"attempt":     attempt,
			"max_retries": models.MaxRetryCount,
		},
	}); err != nil {
		// Cannot prove the attempt was logged; do not proceed with it.
		if terr := s.ledger.Transition(id, models.TransactionStatusPending, models.TransactionStatusFailed, token); terr != nil {
			logrus.WithError(terr).WithField("transaction_id", id).Error("Failed to roll back unlogged retry attempt")
		}
		return nil, err
	}

	gatewayCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Payment.GatewayTimeout)*time.Second)
	defer cancel()

	status, gatewayErr := s.gateway.VerifyStatus(gatewayCtx, transaction.ExternalReference)

	outcome := &RetryOutcome{
		TransactionID: transaction.ID,
		RetryCount:    attempt,
	}

	if gatewayErr == nil && status == GatewayStatusSucceeded {
		if err := s.ledger.Transition(id, models.TransactionStatusPending, models.TransactionStatusCompleted, token); err != nil {
			return nil, err
		}
		outcome.Outcome = models.TransactionStatusCompleted

		if err := s.audit.Record(&models.AuditLogEntry{
			TransactionID:     &transaction.ID,
			ExternalReference: transaction.ExternalReference,
			EventType:         models.AuditEventRetrySuccess,
			EventData:         models.JSONB{"attempt": attempt},
		}); err != nil {
			return nil, err
		}

		return outcome, nil
	}

	if gatewayErr != nil {
		outcome.GatewayError = gatewayErr.Error()
	} else {
		outcome.GatewayError = fmt.Sprintf("gateway status %s", status)
	}

	if err := s.ledger.Transition(id, models.TransactionStatusPending, models.TransactionStatusFailed, token); err != nil {
		return nil, err
	}
	outcome.Outcome = models.TransactionStatusFailed

	if err := s.audit.Record(&models.AuditLogEntry{
		TransactionID:     &transaction.ID,
		ExternalReference: transaction.ExternalReference,
		EventType:         models.AuditEventRetryFailed,
		EventData: models.JSONB{
			"attempt": attempt,
			"reason":  outcome.GatewayError,
		},
	}); err != nil {
		return nil, err
	}

	return outcome, nil
}

type BulkRetryResult struct {
	Scanned   int `json:"scanned"`
	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// BulkRetryRecoverable sweeps at most limit recoverable transactions,
// strictly one at a time with a pacing gap between attempts. The sequencing
// is deliberate backpressure: recovery traffic must never trip the pipeline's
// own rate limits or flood the gateway.
func (s *RecoveryService) BulkRetryRecoverable(ctx context.Context, limit int) (*BulkRetryResult, error) {
	if limit <= 0 {
		limit = s.cfg.Security.RecoveryBatchLimit
	}
	now := s.now()

	var candidates []models.Transaction
	err := s.db.
		Where("status = ? AND retry_count < ? AND expires_at > ?",
			models.TransactionStatusFailed, models.MaxRetryCount, now).
		Order("created_at asc").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan for recoverable transactions: %w", err)
	}

	result := &BulkRetryResult{Scanned: len(candidates)}
	pacing := time.Duration(s.cfg.Security.RetryPacingSeconds) * time.Second

	for i := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if i > 0 && pacing > 0 {
			s.sleep(pacing)
		}

		outcome, err := s.Retry(ctx, candidates[i].ID)
		if err != nil {
			if errors.Is(err, ErrNotRecoverable) || errors.Is(err, ErrLockHeld) {
				result.Skipped++
				continue
			}
			logrus.WithError(err).WithField("transaction_id", candidates[i].ID).Error("Recovery attempt failed")
			result.Skipped++
			continue
		}

		result.Attempted++
		if outcome.Outcome == models.TransactionStatusCompleted {
			result.Completed++
		} else {
			result.Failed++
		}
	}

	return result, nil
}

// Run is the scheduled sweep entry point.
func (s *RecoveryService) Run(ctx context.Context) {
	result, err := s.BulkRetryRecoverable(ctx, s.cfg.Security.RecoveryBatchLimit)
	if err != nil {
		logrus.WithError(err).Error("Recovery sweep failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"scanned":   result.Scanned,
		"attempted": result.Attempted,
		"completed": result.Completed,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}).Info("Recovery sweep finished")
}
