package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/shrinkray/internal/database"
	"github.com/mantonx/shrinkray/internal/events"
)

const debounceInterval = 2 * time.Second

// Watcher follows the media roots between scans with fsnotify and
// marks created or modified candidates in the catalog directly, so
// changes are queued without waiting for the next full scan.
type Watcher struct {
	scanner *Scanner
	watcher *fsnotify.Watcher
	log     hclog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWatcher creates a watcher over the scanner's media roots. All
// subdirectories present at start are watched; directories created
// later are added as their create events arrive.
func NewWatcher(s *Scanner, log hclog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		scanner: s,
		watcher: fsw,
		log:     log.Named("watcher"),
		pending: make(map[string]time.Time),
	}

	for _, root := range s.roots() {
		if err := w.watchTree(root); err != nil {
			w.log.Warn("failed to watch media root", "root", root, "error", err)
		}
	}

	return w, nil
}

// Run processes filesystem events until ctx is cancelled. Events are
// debounced so a file still being copied is only handled once idle.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		case <-ticker.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			if err := w.watchTree(event.Name); err != nil {
				w.log.Warn("failed to watch new directory", "dir", event.Name, "error", err)
			}
		}
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// flushSettled processes files whose last event is older than the
// debounce interval.
func (w *Watcher) flushSettled() {
	w.mu.Lock()
	var settled []string
	for path, last := range w.pending {
		if time.Since(last) >= debounceInterval {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.processFile(path)
	}
}

func (w *Watcher) processFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if !w.scanner.candidate(path, info.Size()) {
		return
	}

	var pending []database.BulkFileUpdate
	if err := w.scanner.reconcileFile(path, info.Size(), &pending); err != nil {
		w.log.Warn("failed to reconcile watched file", "path", path, "error", err)
		return
	}
	if len(pending) > 0 {
		if err := w.scanner.store.BulkUpdate(pending); err != nil {
			w.log.Error("failed to update watched file", "path", path, "error", err)
			return
		}
	}

	w.log.Info("watched file queued for next scan cycle", "path", path)
	if w.scanner.bus != nil {
		w.scanner.bus.Publish(events.TypeFileChanged, path, database.SeverityInfo)
	}
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.log.Debug("failed to watch directory", "dir", path, "error", err)
			}
		}
		return nil
	})
}
