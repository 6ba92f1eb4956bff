// Package scanner reconciles the filesystem against the catalog: it
// walks the media roots concurrently, fingerprints candidates, batches
// catalog updates and promotes discovered work to pending.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/database"
	"github.com/mantonx/shrinkray/internal/events"
	"github.com/mantonx/shrinkray/internal/utils"
)

// ErrScanInProgress is returned when a scan is already running.
var ErrScanInProgress = errors.New("scan already in progress")

// Status is a snapshot of scanner progress for the monitor surface.
type Status struct {
	Scanning         bool      `json:"scanning"`
	CurrentDirectory string    `json:"current_directory,omitempty"`
	FilesScanned     int64     `json:"files_scanned"`
	NewFiles         int64     `json:"new_files"`
	ChangedFiles     int64     `json:"changed_files"`
	Progress         float64   `json:"progress"`
	ETASeconds       float64   `json:"eta_seconds"`
	StartedAt        time.Time `json:"started_at,omitempty"`
}

// Scanner walks media roots and feeds the catalog.
type Scanner struct {
	cfg   *config.Config
	store *database.Store
	bus   *events.Bus
	log   hclog.Logger

	mu            sync.Mutex
	scanning      bool
	status        Status
	totalEstimate int64
}

// New creates a scanner.
func New(cfg *config.Config, store *database.Store, bus *events.Bus, log hclog.Logger) *Scanner {
	return &Scanner{
		cfg:   cfg,
		store: store,
		bus:   bus,
		log:   log.Named("scanner"),
	}
}

// Status returns the current progress snapshot.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.status
	if status.Scanning && status.Progress > 0 {
		elapsed := time.Since(status.StartedAt).Seconds()
		status.ETASeconds = elapsed/(status.Progress/100) - elapsed
	}
	return status
}

// Scanning reports whether a scan is currently running.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Quiesce runs fn while no scan is active, holding the state lock so
// one cannot start underneath it. Reports false when a scan is
// running. Used to swap configuration the scan loop reads.
func (s *Scanner) Quiesce(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanning {
		return false
	}
	fn()
	return true
}

// roots returns a copy of the configured media roots, taken under the
// state lock so callers outside a scan never observe a partial swap.
func (s *Scanner) roots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cfg.MediaPaths...)
}

// candidate is the locked isCandidate variant for the watcher, which
// runs outside a scan.
func (s *Scanner) candidate(path string, size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCandidate(path, size)
}

// Scan walks every configured media root, at most max_concurrent_scans
// at a time, then promotes new and changed rows to pending.
func (s *Scanner) Scan(ctx context.Context) error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return ErrScanInProgress
	}
	s.scanning = true
	s.status = Status{Scanning: true, StartedAt: time.Now()}
	s.totalEstimate = 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.status.Scanning = false
		s.status.Progress = 100
		s.mu.Unlock()
	}()

	// Estimate before walking so progress has a denominator.
	var estimate int64
	for _, root := range s.cfg.MediaPaths {
		estimate += s.estimateCandidates(root)
	}
	s.mu.Lock()
	s.totalEstimate = estimate
	s.mu.Unlock()

	sem := make(chan struct{}, s.cfg.Scanner.MaxConcurrentScans)
	var wg sync.WaitGroup
	for _, root := range s.cfg.MediaPaths {
		wg.Add(1)
		go func(root string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			s.scanRoot(ctx, root)
		}(root)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	promoted, err := s.store.PromoteScanned()
	if err != nil {
		return fmt.Errorf("failed to promote scanned files: %w", err)
	}

	s.mu.Lock()
	newFiles, changed := s.status.NewFiles, s.status.ChangedFiles
	s.mu.Unlock()

	s.log.Info("scan finished", "new", newFiles, "changed", changed, "promoted", promoted)
	if s.bus != nil {
		s.bus.Publish(events.TypeScanCompleted,
			fmt.Sprintf("scan finished: %d new, %d changed, %d queued", newFiles, changed, promoted),
			database.SeverityInfo)
	}
	return nil
}

// scanRoot walks one media root, diffing each candidate against the
// catalog and batching updates.
func (s *Scanner) scanRoot(ctx context.Context, root string) {
	start := time.Now()
	var pending []database.BulkFileUpdate
	fileCount := 0
	var totalSize int64

	s.setCurrentDirectory(root)
	defer s.setCurrentDirectory("")

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.Debug("walk error", "path", path, "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !s.isCandidate(path, info.Size()) {
			return nil
		}

		fileCount++
		totalSize += info.Size()
		s.bumpScanned()

		if err := s.reconcileFile(path, info.Size(), &pending); err != nil {
			s.log.Warn("failed to reconcile file", "path", path, "error", err)
		}

		if len(pending) >= s.cfg.Scanner.BatchSize {
			if err := s.store.BulkUpdate(pending); err != nil {
				s.log.Error("bulk update failed", "error", err)
			}
			pending = pending[:0]
		}

		// Yield so catalog backups and monitor reads are not starved.
		if fileCount%100 == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				time.Sleep(time.Millisecond)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("failed to scan directory", "root", root, "error", err)
		if s.bus != nil {
			s.bus.Publish("scan_error",
				fmt.Sprintf("error scanning %s: %v", root, err), database.SeverityError)
		}
	}

	if len(pending) > 0 {
		if err := s.store.BulkUpdate(pending); err != nil {
			s.log.Error("final bulk update failed", "error", err)
		}
	}

	duration := time.Since(start).Seconds()
	if err := s.store.RecordDirectoryScan(root, fileCount, totalSize, duration); err != nil {
		s.log.Error("failed to record directory scan", "root", root, "error", err)
	}
	s.log.Info("scanned directory", "root", root, "files", fileCount,
		"duration", time.Since(start).Round(time.Millisecond))
}

// reconcileFile diffs one candidate against its catalog row.
func (s *Scanner) reconcileFile(path string, size int64, pending *[]database.BulkFileUpdate) error {
	record, err := s.store.GetFileStatus(path)
	if err != nil {
		return err
	}

	now := time.Now()

	if record == nil {
		checksum, err := utils.FileFingerprint(path)
		if err != nil {
			return fmt.Errorf("failed to fingerprint %s: %w", path, err)
		}
		if err := s.store.AddNewFile(&database.FileRecord{
			FilePath:      path,
			FileName:      filepath.Base(path),
			DirectoryPath: filepath.Dir(path),
			OriginalSize:  size,
			Checksum:      checksum,
			Status:        database.StatusNew,
		}); err != nil {
			return err
		}
		s.bumpNew()
		return nil
	}

	if size != record.OriginalSize {
		// Fingerprint only when the cheap size check already suggests a
		// change.
		checksum, err := utils.FileFingerprint(path)
		if err != nil {
			return fmt.Errorf("failed to fingerprint %s: %w", path, err)
		}
		if checksum != record.Checksum {
			status := database.StatusNeedsReprocessing
			*pending = append(*pending, database.BulkFileUpdate{
				FilePath: path,
				Update: database.FileRecordUpdate{
					Status:       &status,
					OriginalSize: &size,
					Checksum:     &checksum,
					LastChecked:  &now,
				},
			})
			s.bumpChanged()
		}
		return nil
	}

	// Unchanged file: refresh last_checked only for settled rows so
	// repeated scans stay idempotent on everything else.
	if record.Status == database.StatusError || record.Status == database.StatusCompleted {
		*pending = append(*pending, database.BulkFileUpdate{
			FilePath: path,
			Update:   database.FileRecordUpdate{LastChecked: &now},
		})
	}
	return nil
}

// isCandidate applies the cheap extension and size predicates. Files
// exactly at the minimum size are excluded.
func (s *Scanner) isCandidate(path string, size int64) bool {
	if !utils.HasAllowedExtension(path, s.cfg.Extensions) {
		return false
	}
	return size > s.cfg.MinSizeMB*1024*1024
}

// estimateCandidates samples up to 1000 candidate files and
// extrapolates from the visited share of directories.
func (s *Scanner) estimateCandidates(root string) int64 {
	var candidates, visitedDirs, totalDirs int64
	sampled := false

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			totalDirs++
			if !sampled {
				visitedDirs++
			}
			return nil
		}
		if sampled {
			return nil
		}
		if utils.HasAllowedExtension(path, s.cfg.Extensions) {
			candidates++
			if candidates > 1000 {
				sampled = true
			}
		}
		return nil
	})

	if sampled && visitedDirs > 0 {
		return candidates * totalDirs / visitedDirs
	}
	return candidates
}

func (s *Scanner) setCurrentDirectory(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.CurrentDirectory = dir
}

func (s *Scanner) bumpScanned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.FilesScanned++
	if s.totalEstimate > 0 {
		progress := float64(s.status.FilesScanned) / float64(s.totalEstimate) * 100
		if progress > 99 {
			progress = 99
		}
		s.status.Progress = progress
	}
}

func (s *Scanner) bumpNew() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.NewFiles++
}

func (s *Scanner) bumpChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.ChangedFiles++
}
