// Package database implements the durable catalog: file records, scan
// records, session stats and the event log, with self-backup and
// self-repair for the SQLite backend.
package database

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mantonx/shrinkray/internal/config"
)

// Store wraps the catalog database. All access goes through it so that
// lock and schema errors can trigger a repair and a single retry.
type Store struct {
	mu  sync.Mutex
	db  *gorm.DB
	cfg config.DatabaseConfig

	autoRepair bool
	log        hclog.Logger
}

// Open connects to the configured backend and migrates the schema.
func Open(cfg config.DatabaseConfig, autoRepair bool, log hclog.Logger) (*Store, error) {
	s := &Store{
		cfg:        cfg,
		autoRepair: autoRepair,
		log:        log.Named("catalog"),
	}

	db, err := s.connect()
	if err == nil {
		s.db = db
		err = s.migrate()
	}
	if err != nil {
		// Corruption usually surfaces here rather than at connect time.
		if cfg.Type != "sqlite" || !autoRepair {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		s.log.Error("failed to open catalog, attempting repair", "error", err)
		if repairErr := s.Repair(); repairErr != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		if err := s.migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
		}
	}

	return s, nil
}

func (s *Store) connect() (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	switch s.cfg.Type {
	case "postgres":
		return gorm.Open(postgres.Open(s.cfg.DSN), gormCfg)
	default:
		if dir := filepath.Dir(s.cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
		return gorm.Open(sqlite.Open(s.cfg.Path+"?_busy_timeout=5000"), gormCfg)
	}
}

// migrate evolves the schema in place. AutoMigrate only adds missing
// tables and columns; existing data is never rewritten.
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&FileRecord{},
		&DirectoryScanRecord{},
		&SessionRecord{},
		&EventRecord{},
	)
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return sqlDB.Close()
}

func (s *Store) conn() *gorm.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// run executes op against the store. Lock and missing-table errors
// trigger a repair and one retry; anything else surfaces as-is.
func (s *Store) run(op func(db *gorm.DB) error) error {
	err := op(s.conn())
	if err == nil || !s.autoRepair || !isRepairable(err) {
		return err
	}

	s.log.Error("catalog operation failed, attempting repair", "error", err)
	if repairErr := s.Repair(); repairErr != nil {
		s.log.Error("catalog repair failed", "error", repairErr)
		return err
	}
	return op(s.conn())
}

func isRepairable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "database disk image is malformed")
}

// Backup copies the live store to the configured backup path. SQLite
// only; on postgres it logs a warning and does nothing.
func (s *Store) Backup() error {
	if s.cfg.Type != "sqlite" {
		s.log.Warn("backup is only supported for sqlite catalogs", "type", s.cfg.Type)
		return nil
	}
	if s.cfg.BackupPath == "" {
		return fmt.Errorf("no backup path configured")
	}

	// Vacuum into a staging file so the previous backup survives a
	// failed vacuum; it is only replaced once the new copy is complete.
	staging := s.cfg.BackupPath + ".tmp"
	os.Remove(staging)

	err := s.run(func(db *gorm.DB) error {
		return db.Exec("VACUUM INTO ?", staging).Error
	})
	if err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to back up catalog: %w", err)
	}
	if err := os.Rename(staging, s.cfg.BackupPath); err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to move backup into place: %w", err)
	}

	s.log.Info("catalog backed up", "path", s.cfg.BackupPath)
	return s.LogEvent("database_backup", fmt.Sprintf("backed up to %s", s.cfg.BackupPath), SeverityInfo)
}

// Repair recovers from a corrupt store. The corrupt file is renamed
// aside with a timestamp, the backup is restored and verified with a
// count query. Only if the restore fails is an empty store rebuilt,
// which logs a database_rebuilt event.
func (s *Store) Repair() error {
	if s.cfg.Type != "sqlite" {
		s.log.Warn("repair is only supported for sqlite catalogs", "type", s.cfg.Type)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeLocked(); err != nil {
		s.log.Warn("failed to close corrupt catalog", "error", err)
	}

	if _, err := os.Stat(s.cfg.Path); err == nil {
		aside := fmt.Sprintf("%s.corrupt.%d", s.cfg.Path, time.Now().Unix())
		if err := os.Rename(s.cfg.Path, aside); err != nil {
			return fmt.Errorf("failed to move corrupt catalog aside: %w", err)
		}
		s.log.Warn("moved corrupt catalog aside", "path", aside)
	}

	restored := false
	if _, err := os.Stat(s.cfg.BackupPath); err == nil {
		if err := copyFile(s.cfg.BackupPath, s.cfg.Path); err != nil {
			s.log.Error("failed to restore catalog backup", "error", err)
		} else {
			restored = true
		}
	}

	db, err := s.connect()
	if err != nil {
		return fmt.Errorf("failed to reopen catalog after repair: %w", err)
	}
	s.db = db

	if restored {
		var count int64
		if err := s.db.Raw("SELECT count(*) FROM file_records").Scan(&count).Error; err == nil {
			s.log.Info("catalog restored from backup", "records", count)
			return nil
		}
		s.log.Error("restored backup failed verification, rebuilding")
		restored = false
	}

	if err := s.closeLocked(); err != nil {
		s.log.Warn("failed to close unverified catalog", "error", err)
	}
	if err := os.Remove(s.cfg.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unverified catalog: %w", err)
	}
	db, err = s.connect()
	if err != nil {
		return fmt.Errorf("failed to rebuild catalog: %w", err)
	}
	s.db = db
	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to migrate rebuilt catalog: %w", err)
	}

	s.log.Warn("catalog rebuilt from scratch")
	return s.db.Create(&EventRecord{
		Timestamp: time.Now(),
		EventType: "database_rebuilt",
		Details:   "catalog could not be restored from backup and was recreated empty",
		Severity:  SeverityWarning,
	}).Error
}

// CheckIntegrity runs the backend's built-in integrity check.
func (s *Store) CheckIntegrity() error {
	return s.run(func(db *gorm.DB) error {
		if s.cfg.Type != "sqlite" {
			return db.Exec("SELECT 1").Error
		}
		var result string
		if err := db.Raw("PRAGMA integrity_check").Scan(&result).Error; err != nil {
			return err
		}
		if result != "ok" {
			return fmt.Errorf("integrity check failed: %s", result)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
