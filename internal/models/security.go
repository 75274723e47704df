// internal/models/security.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// SecurityEvent is the append-only record of a scored anomaly. The only
// mutation path after creation is a reviewer decision.
type SecurityEvent struct {
	BaseModel
	Identifier     string          `json:"identifier" gorm:"size:255;not null;index:idx_security_events_identifier"`
	IdentifierType IdentifierType  `json:"identifier_type" gorm:"type:varchar(10);not null"`
	EventType      string          `json:"event_type" gorm:"size:100;not null;index"`
	Severity       Severity        `json:"severity" gorm:"type:varchar(20);not null;index"`
	RiskScore      int             `json:"risk_score" gorm:"not null"`
	AutoBlocked    bool            `json:"auto_blocked" gorm:"not null;default:false;index"`
	Reviewed       bool            `json:"reviewed" gorm:"not null;default:false;index"`
	ReviewDecision *ReviewDecision `json:"review_decision,omitempty" gorm:"type:varchar(20)"`
	ReviewedBy     *uuid.UUID      `json:"reviewed_by,omitempty" gorm:"type:uuid"`
	ReviewedAt     *time.Time      `json:"reviewed_at,omitempty"`
	EventData      JSONB           `json:"event_data" gorm:"type:jsonb"`
}

// AuditLogEntry is the immutable evidentiary trail for every pipeline
// decision. Entries are written before the response is returned and are never
// updated.
type AuditLogEntry struct {
	BaseModel
	TransactionID     *uuid.UUID     `json:"transaction_id" gorm:"type:uuid;index"`
	ExternalReference string         `json:"external_reference" gorm:"size:255;index"`
	EventType         AuditEventType `json:"event_type" gorm:"type:varchar(30);not null;index"`
	EventData         JSONB          `json:"event_data" gorm:"type:jsonb"`
	IPAddress         string         `json:"ip_address" gorm:"size:45;index"`
	UserAgent         string         `json:"user_agent" gorm:"type:text"`
	SecurityFlags     JSONB          `json:"security_flags" gorm:"type:jsonb"`
	LatencyMS         int64          `json:"latency_ms" gorm:"not null;default:0"`
}

// RateLimitWindow is one sliding counting window per (identifier, action).
// Rows are mutated only through single-statement updates.
type RateLimitWindow struct {
	BaseModel
	Identifier     string         `json:"identifier" gorm:"size:255;not null;uniqueIndex:ux_rate_limit_identifier_action,priority:1"`
	IdentifierType IdentifierType `json:"identifier_type" gorm:"type:varchar(10);not null"`
	ActionType     ActionType     `json:"action_type" gorm:"type:varchar(20);not null;uniqueIndex:ux_rate_limit_identifier_action,priority:2"`
	WindowStart    time.Time      `json:"window_start" gorm:"not null;index"`
	RequestCount   int            `json:"request_count" gorm:"not null;default:0"`
	BlockedUntil   *time.Time     `json:"blocked_until"`
}
