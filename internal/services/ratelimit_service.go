// internal/services/ratelimit_service.go
package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/models"
)

// ErrRateLimitStore marks a counter-store failure. The limiter fails closed:
// when it cannot count, it denies.
var ErrRateLimitStore = errors.New("rate limit store unavailable")

type RateLimitService struct {
	db       *gorm.DB
	security *SecurityService
	now      func() time.Time
}

func NewRateLimitService(db *gorm.DB, security *SecurityService) *RateLimitService {
	return &RateLimitService{
		db:       db,
		security: security,
		now:      time.Now,
	}
}

type RateLimitResult struct {
	Allowed      bool       `json:"allowed"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// CheckAndConsume counts one request against the (identifier, action) sliding
// window. Exceeding maxRequests blocks the identifier until the window ends;
// denials are sticky until blocked_until passes. Counter mutations are
// single-statement updates so concurrent deliveries never double-allow.
func (s *RateLimitService) CheckAndConsume(identifier string, identifierType models.IdentifierType, actionType models.ActionType, maxRequests int, window time.Duration) (*RateLimitResult, error) {
	now := s.now()

	var row models.RateLimitWindow
	err := s.db.Where("identifier = ? AND action_type = ?", identifier, actionType).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.RateLimitWindow{
			Identifier:     identifier,
			IdentifierType: identifierType,
			ActionType:     actionType,
			WindowStart:    now,
			RequestCount:   1,
		}
		cerr := s.db.Create(&row).Error
		if cerr == nil {
			return &RateLimitResult{Allowed: true}, nil
		}
		if !errors.Is(cerr, gorm.ErrDuplicatedKey) {
			return &RateLimitResult{Allowed: false}, fmt.Errorf("%w: %v", ErrRateLimitStore, cerr)
		}
		// A concurrent request created the window first; count against it.
		if err = s.db.Where("identifier = ? AND action_type = ?", identifier, actionType).First(&row).Error; err != nil {
			return &RateLimitResult{Allowed: false}, fmt.Errorf("%w: %v", ErrRateLimitStore, err)
		}
	} else if err != nil {
		return &RateLimitResult{Allowed: false}, fmt.Errorf("%w: %v", ErrRateLimitStore, err)
	}

	return s.consume(&row, identifier, identifierType, actionType, maxRequests, window, now)
}

func (s *RateLimitService) consume(row *models.RateLimitWindow, identifier string, identifierType models.IdentifierType, actionType models.ActionType, maxRequests int, window time.Duration, now time.Time) (*RateLimitResult, error) {
	if row.BlockedUntil != nil && now.Before(*row.BlockedUntil) {
		return &RateLimitResult{Allowed: false, BlockedUntil: row.BlockedUntil}, nil
	}

	if !now.Before(row.WindowStart.Add(window)) {
		// The window has elapsed; rotate it. The window_start predicate makes
		// concurrent rotations collapse into one winner.
		result := s.db.Model(&models.RateLimitWindow{}).
			Where("id = ? AND window_start = ?", row.ID, row.WindowStart).
			Updates(map[string]interface{}{
				"window_start":  now,
				"request_count": 1,
				"blocked_until": nil,
			})
		if result.Error != nil {
			return &RateLimitResult{Allowed: false}, fmt.Errorf("%w: %v", ErrRateLimitStore, result.Error)
		}
		if result.RowsAffected == 1 {
			return &RateLimitResult{Allowed: true}, nil
		}
		// Lost the rotation race; fall through and count against the fresh window.
	}

	result := s.db.Model(&models.RateLimitWindow{}).
		Where("id = ?", row.ID).
		UpdateColumn("request_count", gorm.Expr("request_count + 1"))
	if result.Error != nil {
		return &RateLimitResult{Allowed: false}, fmt.Errorf("%w: %v", ErrRateLimitStore, result.Error)
	}

	if err := s.db.First(row, "id = ?", row.ID).Error; err != nil {
		return &RateLimitResult{Allowed: false}, fmt.Errorf("%w: %v", ErrRateLimitStore, err)
	}

	if row.BlockedUntil != nil && now.Before(*row.BlockedUntil) {
		return &RateLimitResult{Allowed: false, BlockedUntil: row.BlockedUntil}, nil
	}

	if row.RequestCount > maxRequests {
		blockedUntil := row.WindowStart.Add(window)
		err := s.db.Model(&models.RateLimitWindow{}).
			Where("id = ? AND blocked_until IS NULL", row.ID).
			Update("blocked_until", blockedUntil).Error
		if err != nil {
			logrus.WithError(err).Warn("Failed to persist rate limit block")
		}

		s.recordDenial(identifier, identifierType, actionType, row.RequestCount, maxRequests)
		return &RateLimitResult{Allowed: false, BlockedUntil: &blockedUntil}, nil
	}

	return &RateLimitResult{Allowed: true}, nil
}

// Webhook denials score higher than ordinary API traffic: a flooded webhook
// endpoint is an active attack signal, not just an over-eager client.
func (s *RateLimitService) recordDenial(identifier string, identifierType models.IdentifierType, actionType models.ActionType, observed, limit int) {
	severity := models.SeverityMedium
	riskScore := 30
	if actionType == models.ActionTypeWebhook {
		severity = models.SeverityHigh
		riskScore = 60
	}

	event := &models.SecurityEvent{
		Identifier:     identifier,
		IdentifierType: identifierType,
		EventType:      "rate_limit_exceeded",
		Severity:       severity,
		RiskScore:      riskScore,
		EventData: models.JSONB{
			"action_type":   string(actionType),
			"request_count": observed,
			"max_requests":  limit,
		},
	}

	if err := s.security.RecordEvent(event); err != nil {
		// The denial stands either way.
		logrus.WithError(err).WithFields(logrus.Fields{
			"identifier":  identifier,
			"action_type": actionType,
		}).Error("Failed to record rate limit security event")
	}
}

// Purge removes windows that ended before the cutoff and are no longer
// blocking anyone. Called by the cleanup job.
func (s *RateLimitService) Purge(cutoff time.Time) (int64, error) {
	result := s.db.Unscoped().
		Where("window_start < ? AND (blocked_until IS NULL OR blocked_until < ?)", cutoff, s.now()).
		Delete(&models.RateLimitWindow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge rate limit windows: %w", result.Error)
	}

	return result.RowsAffected, nil
}
