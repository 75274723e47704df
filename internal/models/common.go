// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// BeforeCreate assigns IDs client-side so the schema needs no server-side
// default function.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	}

	return nil
}

// Enums
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusExpired   TransactionStatus = "expired"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

type IdentifierType string

const (
	IdentifierTypeIP   IdentifierType = "ip"
	IdentifierTypeUser IdentifierType = "user"
)

type ActionType string

const (
	ActionTypeWebhook ActionType = "webhook"
	ActionTypeAPI     ActionType = "api"
	ActionTypeLogin   ActionType = "login"
	ActionTypeRetry   ActionType = "retry"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type ReviewDecision string

const (
	ReviewDecisionApproved ReviewDecision = "approved"
	ReviewDecisionRejected ReviewDecision = "rejected"
)

// Audit event types written by the webhook pipeline and the recovery manager.
type AuditEventType string

const (
	AuditEventReceived     AuditEventType = "received"
	AuditEventBlocked      AuditEventType = "blocked"
	AuditEventApplied      AuditEventType = "applied"
	AuditEventRetryAttempt AuditEventType = "retry_attempt"
	AuditEventRetrySuccess AuditEventType = "retry_success"
	AuditEventRetryFailed  AuditEventType = "retry_failed"
)
