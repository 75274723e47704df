// internal/models/transaction.go
package models

import (
	"time"
)

// MaxRetryCount caps how many times the recovery manager may re-enter a
// failed transaction into pending.
const MaxRetryCount = 3

type Transaction struct {
	BaseModel
	ExternalReference string            `json:"external_reference" gorm:"size:255;not null;uniqueIndex"`
	Amount            float64           `json:"amount" gorm:"type:decimal(10,2);not null"`
	Currency          string            `json:"currency" gorm:"size:3;not null;default:'usd'"`
	Status            TransactionStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	PaymentProvider   string            `json:"payment_provider" gorm:"size:50;not null;index"`
	RetryCount        int               `json:"retry_count" gorm:"not null;default:0"`
	SecurityScore     int               `json:"security_score" gorm:"not null;default:0"`
	LockToken         string            `json:"-" gorm:"size:36;not null;default:''"`
	LockedAt          *time.Time        `json:"-"`
	RawPayload        string            `json:"-" gorm:"type:text"`
	PayloadEncrypted  bool              `json:"payload_encrypted" gorm:"not null;default:false"`
	ExpiresAt         time.Time         `json:"expires_at" gorm:"not null;index"`
	CompletedAt       *time.Time        `json:"completed_at"`
}

// EffectiveStatus evaluates expiry lazily: a pending transaction whose
// deadline has passed is expired for every decision, even before the stored
// status row is rewritten.
func (t *Transaction) EffectiveStatus(now time.Time) TransactionStatus {
	if t.Status == TransactionStatusPending && !now.Before(t.ExpiresAt) {
		return TransactionStatusExpired
	}
	return t.Status
}

// IsTerminal reports whether the status allows no further transitions.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusCancelled
}
