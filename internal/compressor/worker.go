package compressor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/database"
	"github.com/mantonx/shrinkray/internal/events"
	"github.com/mantonx/shrinkray/internal/quality"
	"github.com/mantonx/shrinkray/internal/transcoder"
	"github.com/mantonx/shrinkray/internal/utils"
)

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeSkipped
	outcomeError
	outcomeCancelled
)

// The worker dependencies are small interfaces so tests can substitute
// the external tools.
type encoderRunner interface {
	Encode(ctx context.Context, job transcoder.Job) (transcoder.Outcome, error)
}

type integrityChecker interface {
	VerifyIntegrity(ctx context.Context, path string) error
}

type contentClassifier interface {
	Classify(ctx context.Context, path string) string
}

type qualityValidator interface {
	Validate(ctx context.Context, originalPath, compressedPath string) quality.Result
}

// fileWorker performs the per-file compression stages.
type fileWorker struct {
	cfg        *config.Config
	store      *database.Store
	bus        *events.Bus
	encoder    encoderRunner
	prober     integrityChecker
	classifier contentClassifier
	validator  qualityValidator
	log        hclog.Logger
}

// NewFileWorker bundles the per-file stage dependencies.
func NewFileWorker(cfg *config.Config, store *database.Store, bus *events.Bus,
	encoder encoderRunner, prober integrityChecker, classifier contentClassifier,
	validator qualityValidator, log hclog.Logger) *fileWorker {
	return &fileWorker{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		encoder:    encoder,
		prober:     prober,
		classifier: classifier,
		validator:  validator,
		log:        log.Named("worker"),
	}
}

// compressFile runs the full stage sequence for one record. The
// record's status transitions belong exclusively to this call while it
// runs.
func (w *fileWorker) compressFile(ctx context.Context, p *Pipeline, workerID int, record database.FileRecord) outcome {
	start := time.Now()
	path := record.FilePath

	info, err := os.Stat(path)
	if err != nil {
		// The file vanished between scan and session; leave the record
		// untouched.
		w.log.Error("cannot access file", "path", path, "error", err)
		return outcomeError
	}
	originalSize := info.Size()

	job := &JobInfo{
		Worker:    workerID,
		FilePath:  path,
		FileName:  filepath.Base(path),
		FileSize:  originalSize,
		Stage:     StageInitializing,
		StartedAt: start,
	}
	p.registerJob(workerID, job)
	defer p.deregisterJob(workerID)

	now := time.Now()
	inProgress := database.StatusInProgress
	if err := w.store.UpdateFileStatus(path, database.FileRecordUpdate{
		Status:            &inProgress,
		ProcessingStarted: &now,
	}); err != nil {
		w.log.Error("failed to claim record", "path", path, "error", err)
		return outcomeError
	}

	if w.cfg.Recovery.VerifyFiles {
		p.updateJob(workerID, func(j *JobInfo) { j.Stage = StageIntegrityCheck })
		if err := w.prober.VerifyIntegrity(ctx, path); err != nil {
			return w.markError(p, path, fmt.Sprintf("source integrity check failed: %v", err))
		}
	}

	p.updateJob(workerID, func(j *JobInfo) { j.Stage = StageContentAnalysis })
	label := transcoder.ContentLiveAction
	if w.cfg.Compression.ContentAware {
		label = w.classifier.Classify(ctx, path)
	}
	settings := transcoder.SelectSettings(label, w.cfg.Compression.ContentAware,
		w.cfg.Compression.AnimationQuality, w.cfg.Compression.LiveActionQuality)

	if err := os.MkdirAll(w.cfg.TempDir, 0o755); err != nil {
		return w.markError(p, path, fmt.Sprintf("failed to create temp dir: %v", err))
	}
	tempOutput := utils.TempOutputPath(w.cfg.TempDir, path)

	p.updateJob(workerID, func(j *JobInfo) { j.Stage = StageEncoding })
	encodeOutcome, encodeErr := w.encoder.Encode(ctx, transcoder.Job{
		InputPath:       path,
		OutputPath:      tempOutput,
		InputSize:       originalSize,
		EncoderOptions:  settings.ApplyToOptions(w.cfg.Compression.EncoderOptions),
		AudioOptions:    w.cfg.Compression.AudioOptions,
		SubtitleOptions: w.cfg.Compression.SubtitleOptions,
		Status: func(phase string, progress, eta float64) {
			p.updateJob(workerID, func(j *JobInfo) {
				j.Progress = progress
				if eta >= 0 {
					j.ETASeconds = eta
				} else if progress > 0 {
					elapsed := time.Since(start).Seconds()
					j.ETASeconds = elapsed / (progress / 100) * (1 - progress/100)
				}
			})
		},
	})

	switch encodeOutcome {
	case transcoder.OutcomeCancelled:
		os.Remove(tempOutput)
		paused, _ := p.stoppedState()
		if paused {
			w.log.Info("encode paused", "path", path)
			pausedStatus := database.StatusPaused
			_ = w.store.UpdateFileStatus(path, database.FileRecordUpdate{Status: &pausedStatus})
		} else {
			w.log.Info("encode stopped", "path", path)
			pending := database.StatusPending
			_ = w.store.UpdateFileStatus(path, database.FileRecordUpdate{Status: &pending})
		}
		return outcomeCancelled
	case transcoder.OutcomeFailed:
		os.Remove(tempOutput)
		return w.markError(p, path, fmt.Sprintf("encoder failed: %v", encodeErr))
	}

	outInfo, err := os.Stat(tempOutput)
	if err != nil || outInfo.Size() == 0 {
		os.Remove(tempOutput)
		return w.markError(p, path, "compression produced an empty or missing file")
	}
	compressedSize := outInfo.Size()
	reduction := 1 - float64(compressedSize)/float64(originalSize)

	p.updateJob(workerID, func(j *JobInfo) { j.Stage = StageQualityCheck })
	validating := database.StatusValidating
	_ = w.store.UpdateFileStatus(path, database.FileRecordUpdate{Status: &validating})

	result := quality.Result{Score: 100, Acceptable: true, Method: "none"}
	if w.cfg.Quality.Enabled {
		result = w.validator.Validate(ctx, path, tempOutput)
	}

	if reduction < w.cfg.SizeReductionThreshold || !result.Acceptable {
		var reasons []string
		if reduction < w.cfg.SizeReductionThreshold {
			reasons = append(reasons, fmt.Sprintf("insufficient reduction (got %.1f%%, expected %.1f%%)",
				reduction*100, w.cfg.SizeReductionThreshold*100))
		}
		if !result.Acceptable {
			reasons = append(reasons, fmt.Sprintf("quality below threshold (got %.2f, required %.2f)",
				result.Score, w.cfg.Quality.Threshold))
		}
		reason := strings.Join(reasons, ", ")

		os.Remove(tempOutput)
		w.log.Warn("compression did not meet criteria, keeping original",
			"path", path, "reason", reason)

		skipped := database.StatusSkipped
		_ = w.store.UpdateFileStatus(path, database.FileRecordUpdate{
			Status:       &skipped,
			SkipReason:   &reason,
			ContentType:  &settings.ContentType,
			QualityScore: &result.Score,
		})
		return outcomeSkipped
	}

	p.updateJob(workerID, func(j *JobInfo) {
		j.Stage = StageFinalizing
		j.Progress = 100
	})

	if w.cfg.Recovery.VerifyFiles {
		if err := w.prober.VerifyIntegrity(ctx, tempOutput); err != nil {
			if w.cfg.Quality.Strict {
				os.Remove(tempOutput)
				return w.markError(p, path, fmt.Sprintf("compressed file integrity verification failed: %v", err))
			}
			w.log.Warn("output integrity check failed, accepting anyway", "path", path, "error", err)
		}
	}

	if err := replaceFile(tempOutput, path); err != nil {
		os.Remove(tempOutput)
		return w.markError(p, path, fmt.Sprintf("failed to replace original file: %v", err))
	}

	checksum, err := utils.FileFingerprint(path)
	if err != nil {
		w.log.Warn("failed to fingerprint replaced file", "path", path, "error", err)
	}

	actualTime := time.Since(start).Seconds()
	completed := database.StatusCompleted
	compressionDate := time.Now()
	if err := w.store.UpdateFileStatus(path, database.FileRecordUpdate{
		Status:                    &completed,
		OriginalSize:              &originalSize,
		CompressedSize:            &compressedSize,
		CompressionDate:           &compressionDate,
		Checksum:                  &checksum,
		ContentType:               &settings.ContentType,
		QualityScore:              &result.Score,
		IncrementCompressionCount: true,
	}); err != nil {
		w.log.Error("failed to record completion", "path", path, "error", err)
	}
	if err := w.store.UpdateCompressionTime(path, actualTime); err != nil {
		w.log.Error("failed to record compression time", "path", path, "error", err)
	}

	p.addSessionBytes(originalSize, compressedSize)
	w.log.Info("compressed file",
		"path", path,
		"original_mb", fmt.Sprintf("%.2f", float64(originalSize)/(1024*1024)),
		"compressed_mb", fmt.Sprintf("%.2f", float64(compressedSize)/(1024*1024)),
		"reduction_pct", fmt.Sprintf("%.1f", reduction*100),
		"quality", fmt.Sprintf("%.2f", result.Score),
		"seconds", fmt.Sprintf("%.1f", actualTime))
	return outcomeCompleted
}

func (w *fileWorker) markError(p *Pipeline, path, message string) outcome {
	w.log.Error("compression error", "path", path, "error", message)
	status := database.StatusError
	if err := w.store.UpdateFileStatus(path, database.FileRecordUpdate{
		Status:       &status,
		ErrorMessage: &message,
	}); err != nil {
		w.log.Error("failed to record error status", "path", path, "error", err)
	}
	if w.bus != nil {
		w.bus.Publish(events.TypeCompressionError,
			fmt.Sprintf("%s: %s", path, message), database.SeverityError)
	}
	if p.notifier != nil {
		p.notifier.Send(fmt.Sprintf("Error compressing %s: %s", path, message), "error")
	}
	return outcomeError
}

// replaceFile moves the temp output over the source. A plain rename is
// atomic on the same filesystem; across filesystems the output is
// first copied next to the source so the final rename is still atomic
// and the source is never missing.
func replaceFile(tempOutput, source string) error {
	if err := os.Rename(tempOutput, source); err == nil {
		return nil
	}

	staging := source + ".replacing"
	if err := copyFileSync(tempOutput, staging); err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to stage replacement: %w", err)
	}
	if err := os.Rename(staging, source); err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to commit replacement: %w", err)
	}
	os.Remove(tempOutput)
	return nil
}

func copyFileSync(src, dst string) error {
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
