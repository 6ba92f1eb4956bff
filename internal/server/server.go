// Package server exposes the monitor surface: a small gin API serving
// catalog statistics, scanner and pipeline status, the event log, a
// live websocket event stream and the control verbs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/shrinkray/internal/compressor"
	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/database"
	"github.com/mantonx/shrinkray/internal/events"
	"github.com/mantonx/shrinkray/internal/scanner"
)

const shutdownTimeout = 5 * time.Second

// ScannerService is the scanner interface the monitor surface needs.
type ScannerService interface {
	Scan(ctx context.Context) error
	Status() scanner.Status
}

// CompressorService is the pipeline interface the monitor surface needs.
type CompressorService interface {
	ProcessQueue(ctx context.Context, limit int, force bool) (*compressor.SessionResult, error)
	Pause()
	Resume() error
	Stop()
	Prioritize(path string, priority int) error
	Status() compressor.Status
}

// ConfigReloader re-reads the configuration at a safe point. Wired by
// the daemon; nil when running one-shot.
type ConfigReloader interface {
	Reload() error
}

// Server is the monitor surface.
type Server struct {
	cfg        *config.Config
	store      *database.Store
	bus        *events.Bus
	scanner    ScannerService
	compressor CompressorService
	reloader   ConfigReloader
	log        hclog.Logger
	upgrader   websocket.Upgrader
}

// New creates the monitor surface over the given services.
func New(cfg *config.Config, store *database.Store, bus *events.Bus,
	sc ScannerService, cp CompressorService, reloader ConfigReloader, log hclog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		scanner:    sc,
		compressor: cp,
		reloader:   reloader,
		log:        log.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from arbitrary hosts on the LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("monitor surface listening", "addr", srv.Addr, "secure", s.cfg.Web.Secure)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("monitor surface failed: %w", err)
	}
}
