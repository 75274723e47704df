// internal/services/risk_service.go
package services

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
)

// Signal weights. Each signal is independent; the score is their capped sum.
const (
	weightWebhookVelocity     = 40
	weightMissingSignature    = 50
	weightCrossIPReplay       = 30
	weightAmountDeviation     = 20
	weightAmountDeviationHard = 35
)

const (
	velocityWindow     = 5 * time.Minute
	velocityLimit      = 10
	baselineWindow     = 30 * 24 * time.Hour
	minBaselineSamples = 5
)

type RiskService struct {
	db       *gorm.DB
	security *SecurityService
	cfg      *config.Config
	now      func() time.Time
}

func NewRiskService(db *gorm.DB, security *SecurityService, cfg *config.Config) *RiskService {
	return &RiskService{
		db:       db,
		security: security,
		cfg:      cfg,
		now:      time.Now,
	}
}

// AssessmentInput carries every signal the scorer needs, pre-gathered so
// Score stays pure and clock-independent.
type AssessmentInput struct {
	Identifier         string
	ExternalReference  string
	Amount             float64
	SignatureValid     bool
	RecentWebhookCount int     // deliveries from the same IP in the trailing 5 minutes
	DistinctSourceIPs  int     // other IPs that already sent this external reference
	BaselineMeanAmount float64 // mean completed amount over the trailing 30 days
	BaselineSamples    int
}

type Assessment struct {
	RiskScore      int            `json:"risk_score"`
	AutoBlock      bool           `json:"auto_block"`
	RequiresReview bool           `json:"requires_review"`
	AnomalyFlags   map[string]int `json:"anomaly_flags"`
}

// Score is a deterministic weighted sum over the input signals. No clock, no
// store access.
func (s *RiskService) Score(in AssessmentInput) Assessment {
	flags := make(map[string]int)

	if in.RecentWebhookCount > velocityLimit {
		flags["webhook_velocity"] = weightWebhookVelocity
	}

	if !in.SignatureValid {
		flags["missing_signature"] = weightMissingSignature
	}

	if in.DistinctSourceIPs > 0 {
		flags["cross_ip_replay"] = weightCrossIPReplay
	}

	if in.BaselineSamples >= minBaselineSamples && in.BaselineMeanAmount > 0 {
		switch {
		case in.Amount > in.BaselineMeanAmount*s.cfg.Security.BaselineHardMult:
			flags["amount_deviation"] = weightAmountDeviationHard
		case in.Amount > in.BaselineMeanAmount*s.cfg.Security.BaselineMultiplier:
			flags["amount_deviation"] = weightAmountDeviation
		}
	}

	score := 0
	for _, points := range flags {
		score += points
	}
	if score > 100 {
		score = 100
	}

	return Assessment{
		RiskScore:      score,
		AutoBlock:      score >= s.cfg.Security.AutoBlockThreshold,
		RequiresReview: score >= s.cfg.Security.ReviewThreshold && score < s.cfg.Security.AutoBlockThreshold,
		AnomalyFlags:   flags,
	}
}

// Assess gathers the scorer's inputs from the audit trail and ledger, scores
// them, and records a security event when the score reaches the review band.
// Any store failure fails the assessment closed.
func (s *RiskService) Assess(clientIP, externalReference, provider string, amount float64, signatureValid bool) (*Assessment, error) {
	now := s.now()

	var recentCount int64
	err := s.db.Model(&models.AuditLogEntry{}).
		Where("ip_address = ? AND event_type = ? AND created_at > ?",
			clientIP, models.AuditEventReceived, now.Add(-velocityWindow)).
		Count(&recentCount).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count recent webhooks: %w", err)
	}

	var distinctIPs int64
	err = s.db.Model(&models.AuditLogEntry{}).
		Where("external_reference = ? AND ip_address <> ? AND ip_address <> ''",
			externalReference, clientIP).
		Distinct("ip_address").
		Count(&distinctIPs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count source addresses: %w", err)
	}

	var baseline struct {
		Mean    float64
		Samples int64
	}
	err = s.db.Model(&models.Transaction{}).
		Select("COALESCE(AVG(amount), 0) AS mean, COUNT(*) AS samples").
		Where("payment_provider = ? AND status = ? AND created_at > ?",
			provider, models.TransactionStatusCompleted, now.Add(-baselineWindow)).
		Scan(&baseline).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load amount baseline: %w", err)
	}

	assessment := s.Score(AssessmentInput{
		Identifier:         clientIP,
		ExternalReference:  externalReference,
		Amount:             amount,
		SignatureValid:     signatureValid,
		RecentWebhookCount: int(recentCount),
		DistinctSourceIPs:  int(distinctIPs),
		BaselineMeanAmount: baseline.Mean,
		BaselineSamples:    int(baseline.Samples),
	})

	if assessment.RiskScore >= s.cfg.Security.ReviewThreshold {
		flags := models.JSONB{
			"external_reference": externalReference,
			"provider":           provider,
			"amount":             amount,
		}
		for name, points := range assessment.AnomalyFlags {
			flags[name] = points
		}

		event := &models.SecurityEvent{
			Identifier:     clientIP,
			IdentifierType: models.IdentifierTypeIP,
			EventType:      "webhook_anomaly",
			RiskScore:      assessment.RiskScore,
			AutoBlocked:    assessment.AutoBlock,
			EventData:      flags,
		}
		if err := s.security.RecordEvent(event); err != nil {
			return nil, err
		}
	}

	return &assessment, nil
}
