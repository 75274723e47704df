// internal/services/ledger_service.go
package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
	"github.com/javajoker/payguard/internal/utils"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateReference  = errors.New("transaction reference already exists")
	ErrLockHeld            = errors.New("processing lock held by another worker")
	ErrLockNotHeld         = errors.New("processing lock not held")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrTransactionExpired  = errors.New("transaction deadline passed")
)

// validTransitions is the full state machine. completed and cancelled are
// terminal; failed and expired re-enter pending only through the guarded
// recovery path.
var validTransitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.TransactionStatusPending: {
		models.TransactionStatusCompleted,
		models.TransactionStatusFailed,
		models.TransactionStatusExpired,
		models.TransactionStatusCancelled,
	},
	models.TransactionStatusFailed:  {models.TransactionStatusPending},
	models.TransactionStatusExpired: {models.TransactionStatusPending},
}

func transitionAllowed(from, to models.TransactionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type LedgerService struct {
	db  *gorm.DB
	cfg *config.Config
	now func() time.Time
}

func NewLedgerService(db *gorm.DB, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:  db,
		cfg: cfg,
		now: time.Now,
	}
}

type CreateTransactionParams struct {
	ExternalReference string  `json:"external_reference" validate:"required,max=255"`
	Amount            float64 `json:"amount" validate:"required,gt=0"`
	Currency          string  `json:"currency,omitempty" validate:"omitempty,currency_code"`
	PaymentProvider   string  `json:"payment_provider" validate:"required,max=50"`
	RawPayload        string  `json:"raw_payload,omitempty"`
}

// Create opens a pending transaction with a fixed expiry horizon. Creation is
// idempotent on the external reference: a redelivered create maps to
// ErrDuplicateReference instead of a second row.
func (s *LedgerService) Create(params CreateTransactionParams) (*models.Transaction, error) {
	now := s.now()
	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}

	transaction := &models.Transaction{
		ExternalReference: params.ExternalReference,
		Amount:            params.Amount,
		Currency:          currency,
		Status:            models.TransactionStatusPending,
		PaymentProvider:   params.PaymentProvider,
		RawPayload:        params.RawPayload,
		ExpiresAt:         now.Add(time.Duration(s.cfg.Security.ExpiryHours) * time.Hour),
	}

	if err := s.db.Create(transaction).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	return transaction, nil
}

func (s *LedgerService) Get(id uuid.UUID) (*models.Transaction, error) {
	var transaction models.Transaction
	if err := s.db.First(&transaction, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}

	return &transaction, nil
}

func (s *LedgerService) GetByReference(externalReference string) (*models.Transaction, error) {
	var transaction models.Transaction
	if err := s.db.First(&transaction, "external_reference = ?", externalReference).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}

	return &transaction, nil
}

// AcquireLock takes the processing lock with a compare-and-set on the lock
// token. A lock older than the stale window counts as released, so a crashed
// worker cannot wedge a transaction. Single attempt, never blocks.
func (s *LedgerService) AcquireLock(id uuid.UUID, token string) error {
	now := s.now()
	staleBefore := now.Add(-time.Duration(s.cfg.Security.LockStaleSeconds) * time.Second)

	result := s.db.Model(&models.Transaction{}).
		Where("id = ? AND (lock_token = '' OR locked_at IS NULL OR locked_at < ?)", id, staleBefore).
		Updates(map[string]interface{}{
			"lock_token": token,
			"locked_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to acquire processing lock: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.Model(&models.Transaction{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to acquire processing lock: %w", err)
		}
		if count == 0 {
			return ErrTransactionNotFound
		}
		return ErrLockHeld
	}

	return nil
}

// ReleaseLock clears the lock only for the holder of the token. Releasing an
// already-released or reassigned lock is a no-op.
func (s *LedgerService) ReleaseLock(id uuid.UUID, token string) error {
	err := s.db.Model(&models.Transaction{}).
		Where("id = ? AND lock_token = ?", id, token).
		Updates(map[string]interface{}{
			"lock_token": "",
			"locked_at":  nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to release processing lock: %w", err)
	}

	return nil
}

// Transition applies one state-machine step in a single guarded statement.
// The status and lock-token predicates make the update apply at most once
// even under concurrent redelivery; a completion past the expiry deadline
// never applies regardless of the stored status.
func (s *LedgerService) Transition(id uuid.UUID, from, to models.TransactionStatus, lockToken string) error {
	if !transitionAllowed(from, to) {
		return ErrInvalidTransition
	}
	if lockToken == "" {
		return ErrLockNotHeld
	}

	now := s.now()
	updates := map[string]interface{}{"status": to}
	if to == models.TransactionStatusCompleted {
		updates["completed_at"] = now
	}

	query := s.db.Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND lock_token = ?", id, from, lockToken)
	if to == models.TransactionStatusCompleted {
		query = query.Where("expires_at > ?", now)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to apply transition: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		transaction, err := s.Get(id)
		if err != nil {
			return err
		}
		if transaction.LockToken != lockToken {
			return ErrLockNotHeld
		}
		if to == models.TransactionStatusCompleted && transaction.EffectiveStatus(now) == models.TransactionStatusExpired {
			return ErrTransactionExpired
		}
		return ErrInvalidTransition
	}

	return nil
}

// RecordSecurityScore keeps the ledger row's score at the highest value any
// delivery has been assessed at.
func (s *LedgerService) RecordSecurityScore(id uuid.UUID, score int) error {
	err := s.db.Model(&models.Transaction{}).
		Where("id = ? AND security_score < ?", id, score).
		Update("security_score", score).Error
	if err != nil {
		return fmt.Errorf("failed to record security score: %w", err)
	}

	return nil
}

// MarkExpired persists lazily-observed expiry. Readers already treat the row
// as expired; this just catches the stored status up.
func (s *LedgerService) MarkExpired(id uuid.UUID) error {
	now := s.now()
	err := s.db.Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND expires_at <= ?", id, models.TransactionStatusPending, now).
		Update("status", models.TransactionStatusExpired).Error
	if err != nil {
		return fmt.Errorf("failed to mark transaction expired: %w", err)
	}

	return nil
}

type TransactionFilter struct {
	utils.PaginationParams
	Status          *models.TransactionStatus
	PaymentProvider string
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
}

func (s *LedgerService) List(filter TransactionFilter) ([]models.Transaction, int64, error) {
	query := s.db.Model(&models.Transaction{})

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.PaymentProvider != "" {
		query = query.Where("payment_provider = ?", filter.PaymentProvider)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	allowedSortFields := []string{"created_at", "amount", "status", "expires_at"}
	query = utils.ApplySort(query, filter.PaginationParams, allowedSortFields)
	query = utils.ApplyPagination(query, filter.PaginationParams)

	var transactions []models.Transaction
	if err := query.Find(&transactions).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch transactions: %w", err)
	}

	return transactions, total, nil
}

// CountRecoverable is the durable "pending recoveries" figure for the
// operator dashboard, computed over rows rather than process memory.
func (s *LedgerService) CountRecoverable() (int64, error) {
	var count int64
	err := s.db.Model(&models.Transaction{}).
		Where("status = ? AND retry_count < ? AND expires_at > ?",
			models.TransactionStatusFailed, models.MaxRetryCount, s.now()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count recoverable transactions: %w", err)
	}

	return count, nil
}
