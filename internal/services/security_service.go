// internal/services/security_service.go
package services

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/models"
	"github.com/javajoker/payguard/internal/utils"
)

var (
	ErrEventNotFound   = errors.New("security event not found")
	ErrAlreadyReviewed = errors.New("security event already reviewed")
)

// Auto-blocked identifiers stay rejected for this long unless a reviewer
// approves the event.
const autoBlockWindow = 24 * time.Hour

const minUserAgentLength = 10

var uaDenyPattern = regexp.MustCompile(`(?i)(bot|crawl|spider|scan|curl|wget|python|php|perl|script|httpclient|libwww)`)

type SecurityService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSecurityService(db *gorm.DB) *SecurityService {
	return &SecurityService{
		db:  db,
		now: time.Now,
	}
}

// SeverityForScore maps a risk score to the severity bands used across the
// pipeline.
func SeverityForScore(score int) models.Severity {
	switch {
	case score >= 90:
		return models.SeverityCritical
	case score >= 70:
		return models.SeverityHigh
	case score >= 40:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// RecordEvent appends a security event. Callers treat a failed write as a
// failed pipeline step.
func (s *SecurityService) RecordEvent(event *models.SecurityEvent) error {
	if event.Severity == "" {
		event.Severity = SeverityForScore(event.RiskScore)
	}

	if err := s.db.Create(event).Error; err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}

	return nil
}

type OriginResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidateOrigin rejects callers that were auto-blocked within the last 24
// hours or present no plausible client identification. It reads the event
// log but writes nothing; the caller's audit entry carries the outcome.
func (s *SecurityService) ValidateOrigin(clientIP, userAgent string) (*OriginResult, error) {
	if clientIP == "" {
		return &OriginResult{Valid: false, Reason: "missing client address"}, nil
	}

	blocked, err := s.IsAutoBlocked(clientIP)
	if err != nil {
		return nil, err
	}
	if blocked {
		return &OriginResult{Valid: false, Reason: "identifier auto-blocked"}, nil
	}

	if len(userAgent) < minUserAgentLength {
		return &OriginResult{Valid: false, Reason: "missing or short user agent"}, nil
	}

	if uaDenyPattern.MatchString(userAgent) {
		return &OriginResult{Valid: false, Reason: "user agent matches deny pattern"}, nil
	}

	return &OriginResult{Valid: true}, nil
}

// IsAutoBlocked reports whether the identifier has an unreleased auto-block
// within the block window. An approving review clears the auto_blocked flag,
// which lifts the block immediately.
func (s *SecurityService) IsAutoBlocked(identifier string) (bool, error) {
	var count int64
	err := s.db.Model(&models.SecurityEvent{}).
		Where("identifier = ? AND auto_blocked = ? AND created_at > ?",
			identifier, true, s.now().Add(-autoBlockWindow)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check auto-block status: %w", err)
	}

	return count > 0, nil
}

// ReviewEvent is the only mutation path for a security event. Approving also
// releases the auto-block on the identifier.
func (s *SecurityService) ReviewEvent(eventID uuid.UUID, decision models.ReviewDecision, reviewerID uuid.UUID) error {
	if decision != models.ReviewDecisionApproved && decision != models.ReviewDecisionRejected {
		return fmt.Errorf("invalid review decision %q", decision)
	}

	now := s.now()
	updates := map[string]interface{}{
		"reviewed":        true,
		"review_decision": decision,
		"reviewed_by":     reviewerID,
		"reviewed_at":     now,
	}
	if decision == models.ReviewDecisionApproved {
		updates["auto_blocked"] = false
	}

	result := s.db.Model(&models.SecurityEvent{}).
		Where("id = ? AND reviewed = ?", eventID, false).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to review security event: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.Model(&models.SecurityEvent{}).Where("id = ?", eventID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to review security event: %w", err)
		}
		if count == 0 {
			return ErrEventNotFound
		}
		return ErrAlreadyReviewed
	}

	return nil
}

type SecurityEventFilter struct {
	utils.PaginationParams
	Identifier  string
	Severity    *models.Severity
	Reviewed    *bool
	AutoBlocked *bool
	EventType   string
}

func (s *SecurityService) ListEvents(filter SecurityEventFilter) ([]models.SecurityEvent, int64, error) {
	query := s.db.Model(&models.SecurityEvent{})

	if filter.Identifier != "" {
		query = query.Where("identifier = ?", filter.Identifier)
	}
	if filter.Severity != nil {
		query = query.Where("severity = ?", *filter.Severity)
	}
	if filter.Reviewed != nil {
		query = query.Where("reviewed = ?", *filter.Reviewed)
	}
	if filter.AutoBlocked != nil {
		query = query.Where("auto_blocked = ?", *filter.AutoBlocked)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count security events: %w", err)
	}

	allowedSortFields := []string{"created_at", "risk_score", "severity"}
	query = utils.ApplySort(query, filter.PaginationParams, allowedSortFields)
	query = utils.ApplyPagination(query, filter.PaginationParams)

	var events []models.SecurityEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch security events: %w", err)
	}

	return events, total, nil
}

// EventsPerHour is the operator-metrics rate over the trailing window.
func (s *SecurityService) EventsPerHour(window time.Duration) (float64, error) {
	if window <= 0 {
		window = time.Hour
	}

	var count int64
	err := s.db.Model(&models.SecurityEvent{}).
		Where("created_at > ?", s.now().Add(-window)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count security events: %w", err)
	}

	return float64(count) / window.Hours(), nil
}
