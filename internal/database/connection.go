// internal/database/connection.go
package database

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/models"
)

var DB *gorm.DB

func Initialize(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var err error

	gormConfig := &gorm.Config{
		// Duplicate-key errors surface as gorm.ErrDuplicatedKey so the ledger
		// can treat redelivered creations as idempotent.
		TranslateError: true,
	}
	if cfg.LogLevel == "silent" {
		gormConfig.Logger = logger.Default.LogMode(logger.Silent)
	} else {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	// Connect to database
	DB, err = gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB
	sqlDB, err := DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)

	// Test connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Database connection established successfully")
	return DB, nil
}

func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Printf("Error getting underlying sql.DB: %v", err)
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Printf("Error closing database connection: %v", err)
	} else {
		log.Println("Database connection closed successfully")
	}
}

func RunMigrations(db *gorm.DB) error {
	log.Println("Running database migrations...")

	// Run auto-migrations
	err := db.AutoMigrate(
		&models.Transaction{},
		&models.SecurityEvent{},
		&models.AuditLogEntry{},
		&models.RateLimitWindow{},
	)

	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Create indexes
	if err := createIndexes(db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Transaction indexes
		"CREATE INDEX IF NOT EXISTS idx_transactions_status_retry ON transactions(status, retry_count)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_provider_status ON transactions(payment_provider, status)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_expires_at ON transactions(expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at DESC)",

		// Security event indexes
		"CREATE INDEX IF NOT EXISTS idx_security_events_identifier_created ON security_events(identifier, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_security_events_blocked_created ON security_events(auto_blocked, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_security_events_reviewed ON security_events(reviewed, severity)",

		// Audit log indexes
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_type_created ON audit_log_entries(event_type, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_reference_created ON audit_log_entries(external_reference, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_ip_created ON audit_log_entries(ip_address, created_at DESC)",

		// Rate limit indexes
		"CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_stale ON rate_limit_windows(window_start)",
	}

	for _, index := range indexes {
		if err := db.Exec(index).Error; err != nil {
			log.Printf("Warning: Failed to create index: %s, Error: %v", index, err)
			// Continue with other indexes instead of failing completely
		}
	}

	return nil
}

// Transaction helper
func WithTransaction(db *gorm.DB, fn func(*gorm.DB) error) error {
	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
