// Package manager wires the components together and runs the daemon
// loop: scans outside the work window, compression sessions inside it,
// periodic catalog backups and the monitor surface.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/shrinkray/internal/classify"
	"github.com/mantonx/shrinkray/internal/compressor"
	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/database"
	"github.com/mantonx/shrinkray/internal/events"
	"github.com/mantonx/shrinkray/internal/notify"
	"github.com/mantonx/shrinkray/internal/probe"
	"github.com/mantonx/shrinkray/internal/quality"
	"github.com/mantonx/shrinkray/internal/resources"
	"github.com/mantonx/shrinkray/internal/scanner"
	"github.com/mantonx/shrinkray/internal/server"
	"github.com/mantonx/shrinkray/internal/transcoder"
)

const (
	sessionTimeout    = time.Hour
	scanSettleDelay   = 60 * time.Second
	inWindowPoll      = 5 * time.Minute
	outOfWindowStride = 5 * time.Minute
	maxWindowWait     = time.Hour
	dependencyTimeout = 10 * time.Second
)

// ErrInterrupted is returned when the daemon shuts down on a signal.
var ErrInterrupted = errors.New("interrupted by shutdown signal")

// Manager owns the component graph.
type Manager struct {
	cfg        *config.Config
	configPath string
	store      *database.Store
	bus        *events.Bus
	monitor    *resources.Monitor
	scanner    *scanner.Scanner
	pipeline   *compressor.Pipeline
	notifier   *notify.Notifier
	server     *server.Server
	log        hclog.Logger

	reloadMu sync.Mutex
}

// New builds the full component graph from a loaded configuration.
// configPath is kept for reload; empty disables reloading.
func New(cfg *config.Config, configPath string, log hclog.Logger) (*Manager, error) {
	store, err := database.Open(cfg.Database, cfg.Recovery.AutoRepair, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	bus := events.NewBus(store, log)
	monitor := resources.NewMonitor(cfg, log)
	notifier := notify.New(cfg.Notify, cfg.TempDir, bus, log)
	prober := probe.NewProber("", log)

	worker := compressor.NewFileWorker(cfg, store, bus,
		transcoder.NewEncoder(cfg.Compression.EncoderPath, log),
		prober,
		classify.NewClassifier(prober, cfg.TempDir, log),
		quality.NewValidator(cfg.Quality, cfg.TempDir, prober, log),
		log)
	pipeline := compressor.New(cfg, store, bus, monitor, worker, notifier, log)
	sc := scanner.New(cfg, store, bus, log)

	m := &Manager{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		bus:        bus,
		monitor:    monitor,
		scanner:    sc,
		pipeline:   pipeline,
		notifier:   notifier,
		log:        log.Named("manager"),
	}
	m.server = server.New(cfg, store, bus, sc, pipeline, m, log)

	// Records stranded by a previous crash or kill go back to pending.
	requeued, err := store.ResetInterrupted()
	if err != nil {
		return nil, fmt.Errorf("failed to reset interrupted records: %w", err)
	}
	if requeued > 0 {
		m.log.Info("requeued interrupted files", "count", requeued)
	}

	return m, nil
}

// Close releases the catalog connection.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Scanner exposes the scanner for one-shot runs.
func (m *Manager) Scanner() *scanner.Scanner { return m.scanner }

// Pipeline exposes the compression pipeline for one-shot runs.
func (m *Manager) Pipeline() *compressor.Pipeline { return m.pipeline }

// Bus exposes the event bus.
func (m *Manager) Bus() *events.Bus { return m.bus }

// RunScan performs one full scan.
func (m *Manager) RunScan(ctx context.Context) error {
	return m.scanner.Scan(ctx)
}

// RunCompression performs one compression session.
func (m *Manager) RunCompression(ctx context.Context, limit int, force bool) error {
	if missing := m.missingDependencies(ctx); len(missing) > 0 {
		return fmt.Errorf("missing dependencies: %s", strings.Join(missing, ", "))
	}
	result, err := m.pipeline.ProcessQueue(ctx, limit, force)
	if err != nil {
		return err
	}
	if result.Status == "skipped" {
		m.log.Info("compression session skipped", "reason", result.Reason)
	}
	return nil
}

// Reload re-reads the configuration file and applies it in place so
// every component sees the new values. Rejected while a scan or a
// compression session runs; the swap itself happens under both
// component locks, so neither can start mid-swap.
func (m *Manager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	if m.configPath == "" {
		return errors.New("no configuration file specified")
	}

	fresh, err := config.Load(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	sessionBusy := false
	scannerIdle := m.scanner.Quiesce(func() {
		sessionBusy = !m.pipeline.Quiesce(func() {
			*m.cfg = *fresh
			m.notifier.UpdateConfig(fresh.Notify)
		})
	})
	if !scannerIdle {
		return errors.New("scan in progress, try again later")
	}
	if sessionBusy {
		return errors.New("compression session in progress, try again later")
	}

	m.bus.Publish(events.TypeConfigReloaded,
		fmt.Sprintf("configuration reloaded from %s", m.configPath),
		database.SeverityInfo)
	m.log.Info("configuration reloaded", "path", m.configPath)
	return nil
}

// CheckDependencies verifies the external tools are runnable and
// returns an error naming the missing set.
func (m *Manager) CheckDependencies(ctx context.Context) error {
	missing := m.missingDependencies(ctx)
	if len(missing) == 0 {
		return nil
	}
	message := "Missing dependencies: " + strings.Join(missing, ", ")
	m.bus.Publish(events.TypeDependencyMissing, message, database.SeverityError)
	return errors.New(message)
}

func (m *Manager) missingDependencies(ctx context.Context) []string {
	checks := []struct {
		name string
		bin  string
		arg  string
	}{
		{"HandBrakeCLI", m.cfg.Compression.EncoderPath, "--version"},
		{"ffmpeg", "ffmpeg", "-version"},
		{"ffprobe", "ffprobe", "-version"},
	}

	var missing []string
	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, dependencyTimeout)
		err := exec.CommandContext(checkCtx, check.bin, check.arg).Run()
		cancel()
		if err != nil {
			m.log.Error("dependency check failed", "dependency", check.name, "error", err)
			missing = append(missing, check.name)
			continue
		}
		m.log.Debug("dependency available", "dependency", check.name)
	}
	return missing
}

// RunDaemon runs until ctx is cancelled: scans are launched whenever
// the scanner is idle, compression sessions only inside the window.
func (m *Manager) RunDaemon(ctx context.Context) error {
	if err := m.CheckDependencies(ctx); err != nil {
		return err
	}

	// Settings that shape the daemon itself are read before the monitor
	// surface comes up, which is the first point a reload can arrive.
	webEnabled := m.cfg.Web.Enabled
	watchRoots := m.cfg.Scanner.WatchRoots
	backupInterval := m.cfg.Recovery.DBBackupInterval
	m.log.Info("daemon started",
		"window", fmt.Sprintf("%02d:00-%02d:00", m.cfg.Schedule.StartHour, m.cfg.Schedule.EndHour))

	if webEnabled {
		go func() {
			if err := m.server.Run(ctx); err != nil {
				m.log.Error("monitor surface stopped", "error", err)
			}
		}()
	}

	go m.backupLoop(ctx, backupInterval)

	if watchRoots {
		watcher, err := scanner.NewWatcher(m.scanner, m.log)
		if err != nil {
			m.log.Warn("failed to start filesystem watcher", "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	for {
		if ctx.Err() != nil {
			return m.shutdown()
		}

		inWindow := m.withinWindow(time.Now())

		if !m.scanner.Status().Scanning {
			go func() {
				if err := m.scanner.Scan(ctx); err != nil &&
					!errors.Is(err, scanner.ErrScanInProgress) {
					m.log.Error("scan failed", "error", err)
				}
			}()
			// Let the scan settle before hitting the disk with encodes.
			if !m.sleep(ctx, scanSettleDelay) {
				return m.shutdown()
			}
		}

		if inWindow && !m.pipeline.InSession() && !m.pipeline.Paused() {
			sessionCtx, cancel := context.WithTimeout(ctx, sessionTimeout)
			_, err := m.pipeline.ProcessQueue(sessionCtx, 0, true)
			cancel()
			if err != nil && !errors.Is(err, compressor.ErrSessionInProgress) {
				m.log.Error("compression session failed", "error", err)
			}
		}

		if inWindow {
			if !m.sleep(ctx, inWindowPoll) {
				return m.shutdown()
			}
			continue
		}

		wait := time.Until(m.nextWindowStart(time.Now()))
		if wait > maxWindowWait {
			wait = maxWindowWait
		}
		m.log.Info("outside schedule window", "sleep_minutes", fmt.Sprintf("%.1f", wait.Minutes()))
		for wait > 0 {
			step := outOfWindowStride
			if wait < step {
				step = wait
			}
			if !m.sleep(ctx, step) {
				return m.shutdown()
			}
			wait -= step
		}
	}
}

// withinWindow consults the schedule under the reload lock so the
// check never overlaps a configuration swap.
func (m *Manager) withinWindow(now time.Time) bool {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	return m.monitor.WithinSchedule(now)
}

func (m *Manager) nextWindowStart(now time.Time) time.Time {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	return m.monitor.NextWindowStart(now)
}

// sleep waits for d and reports false if ctx was cancelled first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) backupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.log.Info("running scheduled catalog backup")
			if err := m.store.Backup(); err != nil {
				m.log.Error("scheduled backup failed", "error", err)
			}
		}
	}
}

// shutdown stops the pipeline and takes a final catalog backup.
func (m *Manager) shutdown() error {
	m.log.Info("shutting down")
	m.pipeline.Stop()
	if err := m.store.Backup(); err != nil {
		m.log.Error("final backup failed", "error", err)
	}
	return ErrInterrupted
}
