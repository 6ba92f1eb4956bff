package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetFileStatus looks up a record by path. A missing record returns
// (nil, nil).
func (s *Store) GetFileStatus(path string) (*FileRecord, error) {
	var record FileRecord
	err := s.run(func(db *gorm.DB) error {
		return db.Where("file_path = ?", path).First(&record).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up file record: %w", err)
	}
	return &record, nil
}

// AddNewFile inserts a record for a newly discovered file. Idempotent:
// if the path already exists, only last_checked and checksum are
// refreshed.
func (s *Store) AddNewFile(record *FileRecord) error {
	now := time.Now()
	if record.FirstSeen.IsZero() {
		record.FirstSeen = now
	}
	if record.LastChecked.IsZero() {
		record.LastChecked = now
	}
	if record.Status == "" {
		record.Status = StatusNew
	}

	err := s.run(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_path"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_checked", "checksum"}),
		}).Create(record).Error
	})
	if err != nil {
		return fmt.Errorf("failed to add file record: %w", err)
	}
	return nil
}

// UpdateFileStatus applies a partial update to the record at path.
func (s *Store) UpdateFileStatus(path string, update FileRecordUpdate) error {
	fields := update.fields()
	if len(fields) == 0 {
		return nil
	}
	err := s.run(func(db *gorm.DB) error {
		return db.Model(&FileRecord{}).Where("file_path = ?", path).Updates(fields).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update file record: %w", err)
	}
	return nil
}

// BulkUpdate applies all updates in one transaction. On any failure the
// whole batch rolls back.
func (s *Store) BulkUpdate(updates []BulkFileUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.run(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			for _, u := range updates {
				fields := u.Update.fields()
				if len(fields) == 0 {
					continue
				}
				if err := tx.Model(&FileRecord{}).Where("file_path = ?", u.FilePath).Updates(fields).Error; err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to apply bulk update: %w", err)
	}
	return nil
}

// GetFilesForCompression returns up to limit pending records, highest
// priority first, larger files first within equal priority.
func (s *Store) GetFilesForCompression(limit int) ([]FileRecord, error) {
	var records []FileRecord
	err := s.run(func(db *gorm.DB) error {
		return db.Where("status = ?", StatusPending).
			Order("priority DESC").
			Order("original_size DESC").
			Limit(limit).
			Find(&records).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch compression queue: %w", err)
	}
	return records, nil
}

// PromoteScanned moves new and needs_reprocessing rows to pending,
// stamping queued_at. This is the only path into pending from a scan.
func (s *Store) PromoteScanned() (int64, error) {
	var promoted int64
	err := s.run(func(db *gorm.DB) error {
		result := db.Model(&FileRecord{}).
			Where("status IN ?", []string{StatusNew, StatusNeedsReprocessing}).
			Updates(map[string]interface{}{
				"status":    StatusPending,
				"queued_at": time.Now(),
			})
		promoted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to promote scanned files: %w", err)
	}
	return promoted, nil
}

// ResetInterrupted returns paused and in_progress rows to pending.
// Called at startup: no worker survives a restart, so neither status
// can be owned.
func (s *Store) ResetInterrupted() (int64, error) {
	var reset int64
	err := s.run(func(db *gorm.DB) error {
		result := db.Model(&FileRecord{}).
			Where("status IN ?", []string{StatusPaused, StatusInProgress, StatusValidating}).
			Update("status", StatusPending)
		reset = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted files: %w", err)
	}
	return reset, nil
}

// ResumePaused moves every paused record back to pending.
func (s *Store) ResumePaused() (int64, error) {
	var resumed int64
	err := s.run(func(db *gorm.DB) error {
		result := db.Model(&FileRecord{}).
			Where("status = ?", StatusPaused).
			Update("status", StatusPending)
		resumed = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to resume paused files: %w", err)
	}
	return resumed, nil
}

// Prioritize raises a record's priority and ensures it is queued.
func (s *Store) Prioritize(path string, priority int) error {
	err := s.run(func(db *gorm.DB) error {
		result := db.Model(&FileRecord{}).
			Where("file_path = ?", path).
			Where("status <> ?", StatusInProgress).
			Updates(map[string]interface{}{
				"priority":  priority,
				"status":    StatusPending,
				"queued_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("no queueable record for %s", path)
	}
	if err != nil {
		return fmt.Errorf("failed to prioritize file: %w", err)
	}
	return nil
}

// UpdateCompressionTime stores the observed processing time for path
// and seeds estimated_time for pending rows that have none, using the
// per-megabyte rate from this sample.
func (s *Store) UpdateCompressionTime(path string, actualSeconds float64) error {
	return s.run(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var record FileRecord
			if err := tx.Where("file_path = ?", path).First(&record).Error; err != nil {
				return fmt.Errorf("failed to load record for timing update: %w", err)
			}
			if err := tx.Model(&FileRecord{}).Where("file_path = ?", path).
				Update("actual_time", actualSeconds).Error; err != nil {
				return err
			}

			sizeMB := float64(record.OriginalSize) / (1024 * 1024)
			if sizeMB <= 0 || actualSeconds <= 0 {
				return nil
			}
			rate := actualSeconds / sizeMB
			return tx.Model(&FileRecord{}).
				Where("status = ? AND estimated_time = 0", StatusPending).
				Update("estimated_time", gorm.Expr("? * original_size / 1048576.0", rate)).Error
		})
	})
}

// RecordDirectoryScan upserts the scan summary for one media root.
func (s *Store) RecordDirectoryScan(dir string, fileCount int, totalSize int64, duration float64) error {
	record := DirectoryScanRecord{
		DirectoryPath: dir,
		LastScan:      time.Now(),
		FileCount:     fileCount,
		TotalSize:     totalSize,
		ScanDuration:  duration,
		Status:        "completed",
	}
	err := s.run(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "directory_path"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"last_scan", "file_count", "total_size", "scan_duration", "status",
			}),
		}).Create(&record).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record directory scan: %w", err)
	}
	return nil
}

// RecordSession appends one session stats row.
func (s *Store) RecordSession(session *SessionRecord) error {
	err := s.run(func(db *gorm.DB) error {
		return db.Create(session).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// LogEvent appends to the event log.
func (s *Store) LogEvent(eventType, details, severity string) error {
	err := s.run(func(db *gorm.DB) error {
		return db.Create(&EventRecord{
			Timestamp: time.Now(),
			EventType: eventType,
			Details:   details,
			Severity:  severity,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]EventRecord, error) {
	var events []EventRecord
	err := s.run(func(db *gorm.DB) error {
		return db.Order("timestamp DESC").Order("id DESC").Limit(limit).Find(&events).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return events, nil
}

// GetStatistics aggregates the catalog for the monitor surface.
func (s *Store) GetStatistics() (*Statistics, error) {
	stats := &Statistics{StatusCounts: make(map[string]int64)}

	err := s.run(func(db *gorm.DB) error {
		if err := db.Model(&FileRecord{}).Count(&stats.TotalFiles).Error; err != nil {
			return err
		}

		var counts []struct {
			Status string
			Count  int64
		}
		if err := db.Model(&FileRecord{}).
			Select("status, count(*) as count").
			Group("status").
			Scan(&counts).Error; err != nil {
			return err
		}
		for _, c := range counts {
			stats.StatusCounts[c.Status] = c.Count
		}

		var sizes struct {
			Original   int64
			Compressed int64
		}
		if err := db.Model(&FileRecord{}).
			Where("status = ?", StatusCompleted).
			Select("COALESCE(SUM(original_size),0) as original, COALESCE(SUM(compressed_size),0) as compressed").
			Scan(&sizes).Error; err != nil {
			return err
		}
		stats.TotalOriginalSize = sizes.Original
		stats.TotalCompressedSize = sizes.Compressed
		stats.SpaceSaved = sizes.Original - sizes.Compressed

		var timing struct {
			Avg float64
			Min float64
			Max float64
		}
		if err := db.Model(&FileRecord{}).
			Where("status = ? AND actual_time > 0", StatusCompleted).
			Select("COALESCE(AVG(actual_time),0) as avg, COALESCE(MIN(actual_time),0) as min, COALESCE(MAX(actual_time),0) as max").
			Scan(&timing).Error; err != nil {
			return err
		}
		stats.AvgProcessingTime = timing.Avg
		stats.MinProcessingTime = timing.Min
		stats.MaxProcessingTime = timing.Max

		return db.Model(&FileRecord{}).
			Where("status = ?", StatusPending).
			Select("COALESCE(SUM(estimated_time),0)").
			Scan(&stats.RemainingEstimated).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate statistics: %w", err)
	}
	return stats, nil
}

// fields converts the partial update into a gorm column map.
func (u FileRecordUpdate) fields() map[string]interface{} {
	fields := make(map[string]interface{})

	if u.Status != nil {
		fields["status"] = *u.Status
	}
	if u.OriginalSize != nil {
		fields["original_size"] = *u.OriginalSize
	}
	if u.CompressedSize != nil {
		fields["compressed_size"] = *u.CompressedSize
	}
	if u.Checksum != nil {
		fields["checksum"] = *u.Checksum
	}
	if u.ContentType != nil {
		fields["content_type"] = *u.ContentType
	}
	if u.QualityScore != nil {
		fields["quality_score"] = *u.QualityScore
	}
	if u.ErrorMessage != nil {
		fields["error_message"] = truncateError(*u.ErrorMessage)
	}
	if u.SkipReason != nil {
		fields["skip_reason"] = *u.SkipReason
	}
	if u.Priority != nil {
		fields["priority"] = *u.Priority
	}
	if u.EstimatedTime != nil {
		fields["estimated_time"] = *u.EstimatedTime
	}
	if u.ActualTime != nil {
		fields["actual_time"] = *u.ActualTime
	}
	if u.LastChecked != nil {
		fields["last_checked"] = *u.LastChecked
	}
	if u.QueuedAt != nil {
		fields["queued_at"] = *u.QueuedAt
	}
	if u.ProcessingStarted != nil {
		fields["processing_started"] = *u.ProcessingStarted
	}
	if u.CompressionDate != nil {
		fields["compression_date"] = *u.CompressionDate
	}
	if u.IncrementCompressionCount {
		fields["compression_count"] = gorm.Expr("compression_count + 1")
	}

	return fields
}
