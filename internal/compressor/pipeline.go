// Package compressor implements the compression pipeline: a bounded
// worker pool draining the priority-ordered pending queue, per-file
// stage tracking, pause/resume/stop semantics and atomic in-place
// replacement of the source file.
package compressor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/database"
	"github.com/mantonx/shrinkray/internal/events"
	"github.com/mantonx/shrinkray/internal/notify"
	"github.com/mantonx/shrinkray/internal/resources"
)

// Session skip reasons.
const (
	ReasonOutsideWindow         = "Outside schedule window"
	ReasonInsufficientResources = "Insufficient system resources"
)

// Processing stages reported per job.
const (
	StageInitializing    = "initializing"
	StageIntegrityCheck  = "integrity_check"
	StageContentAnalysis = "content_analysis"
	StageEncoding        = "encoding"
	StageQualityCheck    = "quality_check"
	StageFinalizing      = "finalizing"
)

// ErrSessionInProgress is returned when a session is already running.
var ErrSessionInProgress = errors.New("compression session already in progress")

// JobInfo is the transient in-memory state of one active worker.
type JobInfo struct {
	Worker     int       `json:"worker"`
	FilePath   string    `json:"file_path"`
	FileName   string    `json:"file_name"`
	FileSize   int64     `json:"file_size"`
	Stage      string    `json:"stage"`
	Progress   float64   `json:"progress"`
	ETASeconds float64   `json:"eta_seconds"`
	StartedAt  time.Time `json:"started_at"`
}

// SessionResult summarizes one pipeline invocation.
type SessionResult struct {
	Status          string        `json:"status"` // "completed" or "skipped"
	Reason          string        `json:"reason,omitempty"`
	FilesProcessed  int           `json:"files_processed"`
	Errors          int           `json:"errors"`
	Skipped         int           `json:"skipped"`
	OriginalBytes   int64         `json:"original_bytes"`
	CompressedBytes int64         `json:"compressed_bytes"`
	Duration        time.Duration `json:"duration"`
}

// Status is the pipeline snapshot served by the monitor surface.
type Status struct {
	InSession       bool      `json:"in_session"`
	Paused          bool      `json:"paused"`
	Jobs            []JobInfo `json:"jobs"`
	FilesProcessed  int       `json:"files_processed"`
	Errors          int       `json:"errors"`
	Skipped         int       `json:"skipped"`
	OriginalBytes   int64     `json:"original_bytes"`
	CompressedBytes int64     `json:"compressed_bytes"`
	SessionStarted  time.Time `json:"session_started,omitempty"`
	QueueETASeconds float64   `json:"queue_eta_seconds"`
}

// Pipeline owns the worker pool and the pause/stop flags.
type Pipeline struct {
	cfg      *config.Config
	store    *database.Store
	bus      *events.Bus
	monitor  *resources.Monitor
	worker   *fileWorker
	notifier *notify.Notifier
	log      hclog.Logger

	mu            sync.Mutex
	jobs          map[int]*JobInfo
	encodeCancels map[int]context.CancelFunc
	paused        bool
	running       bool
	inSession     bool
	sessionStart  time.Time
	processed     int
	errs          int
	skipped       int
	originalBytes int64
	compressed    int64
}

// New creates a pipeline. The worker dependencies (prober, encoder,
// classifier, validator) are bundled in the fileWorker.
func New(cfg *config.Config, store *database.Store, bus *events.Bus, monitor *resources.Monitor,
	worker *fileWorker, notifier *notify.Notifier, log hclog.Logger) *Pipeline {
	return &Pipeline{
		cfg:           cfg,
		store:         store,
		bus:           bus,
		monitor:       monitor,
		worker:        worker,
		notifier:      notifier,
		log:           log.Named("compressor"),
		jobs:          make(map[int]*JobInfo),
		encodeCancels: make(map[int]context.CancelFunc),
		running:       true,
	}
}

// ProcessQueue runs one compression session over up to limit pending
// records. With force set, the schedule window is not consulted (used
// by the manual start verb and --now).
func (p *Pipeline) ProcessQueue(ctx context.Context, limit int, force bool) (*SessionResult, error) {
	p.mu.Lock()
	if p.inSession {
		p.mu.Unlock()
		return nil, ErrSessionInProgress
	}
	p.inSession = true
	p.running = true
	p.sessionStart = time.Now()
	p.processed, p.errs, p.skipped = 0, 0, 0
	p.originalBytes, p.compressed = 0, 0
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inSession = false
		p.mu.Unlock()
	}()

	if !force && !p.monitor.WithinSchedule(time.Now()) {
		return &SessionResult{Status: "skipped", Reason: ReasonOutsideWindow}, nil
	}

	if err := p.monitor.CheckResources(); err != nil {
		p.log.Warn("session skipped", "reason", err)
		if p.bus != nil {
			p.bus.Publish(events.TypeDiskSpaceError, err.Error(), database.SeverityError)
		}
		return &SessionResult{Status: "skipped", Reason: ReasonInsufficientResources}, nil
	}

	if limit <= 0 || limit > p.cfg.CompressionQueueSize {
		limit = p.cfg.CompressionQueueSize
	}
	records, err := p.store.GetFilesForCompression(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch compression queue: %w", err)
	}
	if len(records) == 0 {
		p.log.Info("no files pending compression")
		return p.sessionResult("completed", ""), nil
	}

	p.log.Info("starting compression session", "files", len(records),
		"workers", p.cfg.MaxConcurrentJobs)

	queue := make(chan database.FileRecord, len(records))
	for _, record := range records {
		queue <- record
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.MaxConcurrentJobs; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.runWorker(ctx, workerID, queue)
		}(i)
	}
	wg.Wait()

	result := p.sessionResult("completed", "")
	p.recordSession(result)
	return result, nil
}

// runWorker drains the queue until it is empty or the pipeline is
// paused or stopped.
func (p *Pipeline) runWorker(ctx context.Context, workerID int, queue <-chan database.FileRecord) {
	for record := range queue {
		p.mu.Lock()
		active := p.running && !p.paused
		p.mu.Unlock()
		if !active || ctx.Err() != nil {
			// Abandoned records were never taken out of pending.
			return
		}

		p.processRecord(ctx, workerID, record)
	}
}

func (p *Pipeline) processRecord(ctx context.Context, workerID int, record database.FileRecord) {
	encodeCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.encodeCancels[workerID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.encodeCancels, workerID)
		p.mu.Unlock()
	}()

	outcome := p.worker.compressFile(encodeCtx, p, workerID, record)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch outcome {
	case outcomeCompleted:
		p.processed++
	case outcomeError:
		p.errs++
	case outcomeSkipped:
		p.skipped++
	}
}

// Pause flips the pause flag and interrupts the running encoders.
// Their records land in paused.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	for _, cancel := range p.encodeCancels {
		cancel()
	}
	p.log.Info("pipeline paused")
}

// Resume clears the pause flag and returns all paused records to
// pending.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()

	resumed, err := p.store.ResumePaused()
	if err != nil {
		return fmt.Errorf("failed to resume paused files: %w", err)
	}
	p.log.Info("pipeline resumed", "requeued", resumed)
	return nil
}

// Stop drains the pool: in-flight records revert to pending and the
// session ends.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	for _, cancel := range p.encodeCancels {
		cancel()
	}
	p.log.Info("pipeline stopping")
}

// Prioritize bumps a record to the front of the queue.
func (p *Pipeline) Prioritize(path string, priority int) error {
	if priority == 0 {
		priority = 10
	}
	return p.store.Prioritize(path, priority)
}

// Paused reports the pause flag.
func (p *Pipeline) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// InSession reports whether a session is running.
func (p *Pipeline) InSession() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inSession
}

// Quiesce runs fn while no session is active, holding the state lock
// so one cannot start underneath it. Reports false when a session is
// running. Used to swap configuration the workers read.
func (p *Pipeline) Quiesce(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inSession {
		return false
	}
	fn()
	return true
}

// Status returns the monitor snapshot.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	workers := p.cfg.MaxConcurrentJobs
	status := Status{
		InSession:       p.inSession,
		Paused:          p.paused,
		FilesProcessed:  p.processed,
		Errors:          p.errs,
		Skipped:         p.skipped,
		OriginalBytes:   p.originalBytes,
		CompressedBytes: p.compressed,
		SessionStarted:  p.sessionStart,
	}
	for _, job := range p.jobs {
		status.Jobs = append(status.Jobs, *job)
	}
	p.mu.Unlock()

	if stats, err := p.store.GetStatistics(); err == nil && workers > 0 {
		status.QueueETASeconds = stats.RemainingEstimated / float64(workers)
	}
	return status
}

// stoppedState reports (paused, stopped) for cancellation handling.
func (p *Pipeline) stoppedState() (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused, !p.running
}

func (p *Pipeline) registerJob(workerID int, job *JobInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[workerID] = job
}

func (p *Pipeline) updateJob(workerID int, update func(*JobInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job, ok := p.jobs[workerID]; ok {
		update(job)
	}
}

func (p *Pipeline) deregisterJob(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.jobs, workerID)
}

func (p *Pipeline) addSessionBytes(original, compressed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.originalBytes += original
	p.compressed += compressed
}

func (p *Pipeline) sessionResult(status, reason string) *SessionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &SessionResult{
		Status:          status,
		Reason:          reason,
		FilesProcessed:  p.processed,
		Errors:          p.errs,
		Skipped:         p.skipped,
		OriginalBytes:   p.originalBytes,
		CompressedBytes: p.compressed,
		Duration:        time.Since(p.sessionStart),
	}
}

func (p *Pipeline) recordSession(result *SessionResult) {
	savings := 0.0
	if result.OriginalBytes > 0 {
		savings = float64(result.OriginalBytes-result.CompressedBytes) /
			float64(result.OriginalBytes) * 100
	}

	session := &database.SessionRecord{
		StartTime:           p.sessionStart,
		EndTime:             time.Now(),
		FilesProcessed:      result.FilesProcessed,
		TotalOriginalSize:   result.OriginalBytes,
		TotalCompressedSize: result.CompressedBytes,
		SavingsPercentage:   savings,
		Errors:              result.Errors,
	}
	if err := p.store.RecordSession(session); err != nil {
		p.log.Error("failed to record session", "error", err)
	}

	if p.bus != nil {
		p.bus.Publish(events.TypeSessionCompleted,
			fmt.Sprintf("session finished: %d processed, %d errors, %d skipped",
				result.FilesProcessed, result.Errors, result.Skipped),
			database.SeverityInfo)
	}
	if p.notifier != nil && (result.FilesProcessed > 0 || result.Errors > 0) {
		p.notifier.SessionCompleted(result.FilesProcessed, result.Errors,
			result.OriginalBytes, result.CompressedBytes, result.Duration)
	}

	p.log.Info("compression session finished",
		"processed", result.FilesProcessed,
		"errors", result.Errors,
		"skipped", result.Skipped,
		"savings_pct", fmt.Sprintf("%.1f", savings))
}
