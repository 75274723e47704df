// internal/services/cleanup_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
	"github.com/javajoker/payguard/internal/utils"
)

const cleanupBatchSize = 1000

// CleanupService is the scheduled maintenance pass: retention purges with
// archival, rate-limit table compaction, and encryption of any payment
// payloads still sitting in plaintext. Every step is re-entrant; running the
// job twice in the same period changes nothing the second time.
type CleanupService struct {
	db        *gorm.DB
	ratelimit *RateLimitService
	archive   *ArchiveService
	cfg       *config.Config
	now       func() time.Time
	key       []byte
}

func NewCleanupService(db *gorm.DB, ratelimit *RateLimitService, archive *ArchiveService, cfg *config.Config) *CleanupService {
	var key []byte
	if cfg.Security.EncryptionSecret != "" {
		key = utils.DeriveKey(cfg.Security.EncryptionSecret, cfg.Security.EncryptionSalt)
	}

	return &CleanupService{
		db:        db,
		ratelimit: ratelimit,
		archive:   archive,
		cfg:       cfg,
		now:       time.Now,
		key:       key,
	}
}

type CleanupReport struct {
	AuditArchived     int64 `json:"audit_archived"`
	AuditPurged       int64 `json:"audit_purged"`
	EventsPurged      int64 `json:"events_purged"`
	WindowsCompacted  int64 `json:"windows_compacted"`
	PayloadsEncrypted int64 `json:"payloads_encrypted"`
}

func (s *CleanupService) Run(ctx context.Context) (*CleanupReport, error) {
	report := &CleanupReport{}

	if err := s.purgeAuditLogs(ctx, report); err != nil {
		return report, err
	}
	if err := s.purgeSecurityEvents(report); err != nil {
		return report, err
	}
	if err := s.compactRateLimitWindows(report); err != nil {
		return report, err
	}
	if err := s.encryptPayloads(ctx, report); err != nil {
		return report, err
	}

	logrus.WithFields(logrus.Fields{
		"audit_archived":     report.AuditArchived,
		"audit_purged":       report.AuditPurged,
		"events_purged":      report.EventsPurged,
		"windows_compacted":  report.WindowsCompacted,
		"payloads_encrypted": report.PayloadsEncrypted,
	}).Info("Cleanup run finished")

	return report, nil
}

// purgeAuditLogs archives entries past retention to S3, then deletes them.
// Rows are deleted only after their archive batch is stored: compliance keeps
// the trail even when the hot table does not.
func (s *CleanupService) purgeAuditLogs(ctx context.Context, report *CleanupReport) error {
	cutoff := s.now().Add(-time.Duration(s.cfg.Retention.AuditLogDays) * 24 * time.Hour)

	for batch := 0; ; batch++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var entries []models.AuditLogEntry
		err := s.db.Unscoped().
			Where("created_at < ?", cutoff).
			Order("id asc").
			Limit(cleanupBatchSize).
			Find(&entries).Error
		if err != nil {
			return fmt.Errorf("failed to fetch expired audit entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		if s.archive.Enabled() {
			var buf bytes.Buffer
			if err := WriteCSV(&buf, entries, true); err != nil {
				return err
			}

			key := fmt.Sprintf("audit-archive/%s/batch-%s.csv",
				s.now().UTC().Format("2006-01-02"), entries[len(entries)-1].ID)
			if _, err := s.archive.Upload(key, buf.Bytes(), "text/csv"); err != nil {
				// Never purge what was not archived.
				return err
			}
			report.AuditArchived += int64(len(entries))
		} else {
			logrus.Warn("Audit archive storage not configured; purging without archival")
		}

		ids := make([]uuid.UUID, len(entries))
		for i := range entries {
			ids[i] = entries[i].ID
		}

		result := s.db.Unscoped().Where("id IN ?", ids).Delete(&models.AuditLogEntry{})
		if result.Error != nil {
			return fmt.Errorf("failed to purge audit entries: %w", result.Error)
		}
		report.AuditPurged += result.RowsAffected

		if len(entries) < cleanupBatchSize {
			return nil
		}
	}
}

// Unreviewed events survive retention regardless of age; an operator still
// owes them a decision.
func (s *CleanupService) purgeSecurityEvents(report *CleanupReport) error {
	cutoff := s.now().Add(-time.Duration(s.cfg.Retention.SecurityEventDays) * 24 * time.Hour)

	result := s.db.Unscoped().
		Where("reviewed = ? AND created_at < ?", true, cutoff).
		Delete(&models.SecurityEvent{})
	if result.Error != nil {
		return fmt.Errorf("failed to purge security events: %w", result.Error)
	}

	report.EventsPurged = result.RowsAffected
	return nil
}

func (s *CleanupService) compactRateLimitWindows(report *CleanupReport) error {
	compacted, err := s.ratelimit.Purge(s.now().Add(-24 * time.Hour))
	if err != nil {
		return err
	}

	report.WindowsCompacted = compacted
	return nil
}

// encryptPayloads seals raw payment payloads at rest. The flag predicate in
// the update makes each row encrypt exactly once no matter how often the job
// runs.
func (s *CleanupService) encryptPayloads(ctx context.Context, report *CleanupReport) error {
	if s.key == nil {
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var transactions []models.Transaction
		err := s.db.
			Where("payload_encrypted = ? AND raw_payload <> ''", false).
			Limit(cleanupBatchSize).
			Find(&transactions).Error
		if err != nil {
			return fmt.Errorf("failed to fetch plaintext payloads: %w", err)
		}
		if len(transactions) == 0 {
			return nil
		}

		for i := range transactions {
			sealed, err := utils.EncryptPayload(s.key, transactions[i].RawPayload)
			if err != nil {
				return fmt.Errorf("failed to encrypt payload: %w", err)
			}

			result := s.db.Model(&models.Transaction{}).
				Where("id = ? AND payload_encrypted = ?", transactions[i].ID, false).
				Updates(map[string]interface{}{
					"raw_payload":       sealed,
					"payload_encrypted": true,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to store encrypted payload: %w", result.Error)
			}
			report.PayloadsEncrypted += result.RowsAffected
		}

		if len(transactions) < cleanupBatchSize {
			return nil
		}
	}
}
