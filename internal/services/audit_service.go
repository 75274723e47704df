// internal/services/audit_service.go
package services

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/payguard/internal/models"
	"github.com/javajoker/payguard/internal/utils"
)

var ErrExportRangeTooWide = errors.New("export date range too wide")

const exportBatchSize = 500

type AuditService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{
		db:  db,
		now: time.Now,
	}
}

// Record appends one audit entry. Every pipeline decision is written before
// the response goes out; a failed write fails the enclosing step.
func (s *AuditService) Record(entry *models.AuditLogEntry) error {
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	return nil
}

type AuditFilter struct {
	utils.PaginationParams
	EventType         *models.AuditEventType
	TransactionID     *uuid.UUID
	ExternalReference string
	IPAddress         string
	From              *time.Time
	To                *time.Time
}

func (s *AuditService) applyFilter(filter AuditFilter) *gorm.DB {
	query := s.db.Model(&models.AuditLogEntry{})

	if filter.EventType != nil {
		query = query.Where("event_type = ?", *filter.EventType)
	}
	if filter.TransactionID != nil {
		query = query.Where("transaction_id = ?", *filter.TransactionID)
	}
	if filter.ExternalReference != "" {
		query = query.Where("external_reference = ?", filter.ExternalReference)
	}
	if filter.IPAddress != "" {
		query = query.Where("ip_address = ?", filter.IPAddress)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at < ?", *filter.To)
	}

	return query
}

func (s *AuditService) List(filter AuditFilter) ([]models.AuditLogEntry, int64, error) {
	query := s.applyFilter(filter)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	allowedSortFields := []string{"created_at", "event_type", "latency_ms"}
	query = utils.ApplySort(query, filter.PaginationParams, allowedSortFields)
	query = utils.ApplyPagination(query, filter.PaginationParams)

	var entries []models.AuditLogEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch audit entries: %w", err)
	}

	return entries, total, nil
}

var exportHeader = []string{
	"id", "created_at", "event_type", "transaction_id", "external_reference",
	"ip_address", "user_agent", "latency_ms", "event_data", "security_flags",
}

func exportRow(entry *models.AuditLogEntry) []string {
	txID := ""
	if entry.TransactionID != nil {
		txID = entry.TransactionID.String()
	}

	eventData, _ := json.Marshal(entry.EventData)
	securityFlags, _ := json.Marshal(entry.SecurityFlags)

	return []string{
		entry.ID.String(),
		entry.CreatedAt.UTC().Format(time.RFC3339),
		string(entry.EventType),
		txID,
		entry.ExternalReference,
		entry.IPAddress,
		entry.UserAgent,
		strconv.FormatInt(entry.LatencyMS, 10),
		string(eventData),
		string(securityFlags),
	}
}

// WriteCSV streams entries as delimited rows. Shared by the compliance export
// endpoint and the cleanup job's archival path.
func WriteCSV(w io.Writer, entries []models.AuditLogEntry, includeHeader bool) error {
	writer := csv.NewWriter(w)

	if includeHeader {
		if err := writer.Write(exportHeader); err != nil {
			return fmt.Errorf("failed to write export header: %w", err)
		}
	}

	for i := range entries {
		if err := writer.Write(exportRow(&entries[i])); err != nil {
			return fmt.Errorf("failed to write export row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// ExportCSV writes the filtered audit trail in flat tabular form. The date
// range is mandatory and capped so a single export cannot scan the whole log.
func (s *AuditService) ExportCSV(w io.Writer, filter AuditFilter, maxRangeDays int) error {
	if filter.From == nil || filter.To == nil {
		return errors.New("export requires a date range")
	}
	if maxRangeDays > 0 && filter.To.Sub(*filter.From) > time.Duration(maxRangeDays)*24*time.Hour {
		return ErrExportRangeTooWide
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write export header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}

	var lastID uuid.UUID
	first := true
	for {
		query := s.applyFilter(filter).Order("id asc").Limit(exportBatchSize)
		if !first {
			query = query.Where("id > ?", lastID)
		}

		var batch []models.AuditLogEntry
		if err := query.Find(&batch).Error; err != nil {
			return fmt.Errorf("failed to fetch export batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		if err := WriteCSV(w, batch, false); err != nil {
			return err
		}

		lastID = batch[len(batch)-1].ID
		first = false

		if len(batch) < exportBatchSize {
			return nil
		}
	}
}

type PipelineMetrics struct {
	WindowHours    float64 `json:"window_hours"`
	Received       int64   `json:"received"`
	Blocked        int64   `json:"blocked"`
	Applied        int64   `json:"applied"`
	BlockRate      float64 `json:"block_rate"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	RetryAttempts  int64   `json:"retry_attempts"`
	RetrySuccesses int64   `json:"retry_successes"`
}

// Metrics aggregates pipeline counters over the trailing window for the
// operator dashboard.
func (s *AuditService) Metrics(window time.Duration) (*PipelineMetrics, error) {
	if window <= 0 {
		window = time.Hour
	}
	since := s.now().Add(-window)

	counts := map[models.AuditEventType]int64{}
	for _, eventType := range []models.AuditEventType{
		models.AuditEventReceived,
		models.AuditEventBlocked,
		models.AuditEventApplied,
		models.AuditEventRetryAttempt,
		models.AuditEventRetrySuccess,
	} {
		var count int64
		err := s.db.Model(&models.AuditLogEntry{}).
			Where("event_type = ? AND created_at > ?", eventType, since).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("failed to count %s entries: %w", eventType, err)
		}
		counts[eventType] = count
	}

	var avgLatency float64
	err := s.db.Model(&models.AuditLogEntry{}).
		Select("COALESCE(AVG(latency_ms), 0)").
		Where("event_type IN ? AND created_at > ?",
			[]models.AuditEventType{models.AuditEventApplied, models.AuditEventBlocked}, since).
		Scan(&avgLatency).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute average latency: %w", err)
	}

	metrics := &PipelineMetrics{
		WindowHours:    window.Hours(),
		Received:       counts[models.AuditEventReceived],
		Blocked:        counts[models.AuditEventBlocked],
		Applied:        counts[models.AuditEventApplied],
		AvgLatencyMS:   avgLatency,
		RetryAttempts:  counts[models.AuditEventRetryAttempt],
		RetrySuccesses: counts[models.AuditEventRetrySuccess],
	}
	if metrics.Received > 0 {
		metrics.BlockRate = float64(metrics.Blocked) / float64(metrics.Received)
	}

	return metrics, nil
}
