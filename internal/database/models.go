package database

import "time"

// File record statuses. Transitions are documented on the pipeline; the
// store only enforces the shapes of the updates.
const (
	StatusNew               = "new"
	StatusPending           = "pending"
	StatusInProgress        = "in_progress"
	StatusCompleted         = "completed"
	StatusSkipped           = "skipped"
	StatusError             = "error"
	StatusNeedsReprocessing = "needs_reprocessing"
	StatusValidating        = "validating"
	StatusPaused            = "paused"
)

// Event severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Error messages stored on a record are truncated to this length.
const maxErrorMessageLen = 1000

// FileRecord is one catalog row per absolute media path ever seen.
// Records are never deleted; a file removed from disk leaves its row
// behind.
type FileRecord struct {
	ID uint `gorm:"primaryKey" json:"id"`

	FilePath      string `gorm:"uniqueIndex;not null" json:"file_path"`
	FileName      string `gorm:"index" json:"file_name"`
	DirectoryPath string `gorm:"index" json:"directory_path"`

	OriginalSize   int64 `json:"original_size"`
	CompressedSize int64 `json:"compressed_size"`

	FirstSeen         time.Time  `gorm:"index" json:"first_seen"`
	LastChecked       time.Time  `json:"last_checked"`
	QueuedAt          *time.Time `json:"queued_at,omitempty"`
	ProcessingStarted *time.Time `json:"processing_started,omitempty"`
	CompressionDate   *time.Time `json:"compression_date,omitempty"`

	Checksum     string  `json:"checksum"`
	ContentType  string  `json:"content_type"`
	QualityScore float64 `json:"quality_score"`

	Status       string `gorm:"index;default:new" json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	SkipReason   string `json:"skip_reason,omitempty"`

	CompressionCount int     `json:"compression_count"`
	Priority         int     `gorm:"index;default:0" json:"priority"`
	EstimatedTime    float64 `json:"estimated_time"`
	ActualTime       float64 `json:"actual_time"`
}

// DirectoryScanRecord summarizes the most recent scan of one media root.
type DirectoryScanRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	DirectoryPath string    `gorm:"uniqueIndex;not null" json:"directory_path"`
	LastScan      time.Time `json:"last_scan"`
	FileCount     int       `json:"file_count"`
	TotalSize     int64     `json:"total_size"`
	ScanDuration  float64   `json:"scan_duration"`
	Status        string    `json:"status"`
}

// SessionRecord captures the totals of one compression session.
type SessionRecord struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	FilesProcessed      int       `json:"files_processed"`
	TotalOriginalSize   int64     `json:"total_original_size"`
	TotalCompressedSize int64     `json:"total_compressed_size"`
	SavingsPercentage   float64   `json:"savings_percentage"`
	Errors              int       `json:"errors"`
}

// EventRecord is one row of the append-only event log.
type EventRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	EventType string    `gorm:"index" json:"event_type"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
}

// FileRecordUpdate is a partial update of a FileRecord. Nil fields are
// left untouched. IncrementCompressionCount bumps the counter
// atomically instead of overwriting it.
type FileRecordUpdate struct {
	Status            *string
	OriginalSize      *int64
	CompressedSize    *int64
	Checksum          *string
	ContentType       *string
	QualityScore      *float64
	ErrorMessage      *string
	SkipReason        *string
	Priority          *int
	EstimatedTime     *float64
	ActualTime        *float64
	LastChecked       *time.Time
	QueuedAt          *time.Time
	ProcessingStarted *time.Time
	CompressionDate   *time.Time

	IncrementCompressionCount bool
}

// BulkFileUpdate pairs a path with its partial update for BulkUpdate.
type BulkFileUpdate struct {
	FilePath string
	Update   FileRecordUpdate
}

// Statistics is the aggregate view served by the monitor surface.
type Statistics struct {
	TotalFiles          int64            `json:"total_files"`
	StatusCounts        map[string]int64 `json:"status_counts"`
	TotalOriginalSize   int64            `json:"total_original_size"`
	TotalCompressedSize int64            `json:"total_compressed_size"`
	SpaceSaved          int64            `json:"space_saved"`
	AvgProcessingTime   float64          `json:"avg_processing_time"`
	MinProcessingTime   float64          `json:"min_processing_time"`
	MaxProcessingTime   float64          `json:"max_processing_time"`
	RemainingEstimated  float64          `json:"remaining_estimated_time"`
}

func truncateError(msg string) string {
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen]
	}
	return msg
}
