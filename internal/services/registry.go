// internal/services/registry.go
package services

import (
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/config"
)

// Registry wires the service graph once for both the HTTP surface and the
// background sweeps.
type Registry struct {
	Security  *SecurityService
	RateLimit *RateLimitService
	Risk      *RiskService
	Audit     *AuditService
	Ledger    *LedgerService
	Gateway   *GatewayService
	Recovery  *RecoveryService
	Archive   *ArchiveService
	Cleanup   *CleanupService
}

func NewRegistry(db *gorm.DB, cfg *config.Config) (*Registry, error) {
	security := NewSecurityService(db)
	rateLimit := NewRateLimitService(db, security)
	risk := NewRiskService(db, security, cfg)
	audit := NewAuditService(db)
	ledger := NewLedgerService(db, cfg)
	gateway := NewGatewayService(cfg)
	recovery := NewRecoveryService(db, ledger, audit, gateway, cfg)

	archive, err := NewArchiveService(cfg)
	if err != nil {
		return nil, err
	}
	cleanup := NewCleanupService(db, rateLimit, archive, cfg)

	return &Registry{
		Security:  security,
		RateLimit: rateLimit,
		Risk:      risk,
		Audit:     audit,
		Ledger:    ledger,
		Gateway:   gateway,
		Recovery:  recovery,
		Archive:   archive,
		Cleanup:   cleanup,
	}, nil
}
