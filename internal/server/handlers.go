package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/shrinkray/internal/compressor"
	"github.com/mantonx/shrinkray/internal/scanner"
)

const defaultEventLimit = 50

// getStats combines the catalog statistics with the live scanner and
// pipeline snapshots.
func (s *Server) getStats(c *gin.Context) {
	stats, err := s.store.GetStatistics()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to retrieve statistics",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"database":   stats,
		"scanner":    s.scanner.Status(),
		"compressor": s.compressor.Status(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

func (s *Server) getScannerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.scanner.Status())
}

func (s *Server) getCompressorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.compressor.Status())
}

func (s *Server) getEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	events, err := s.store.RecentEvents(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to retrieve events",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// control dispatches the verbs. Each verb is idempotent within its
// semantics; pausing a paused pipeline is a no-op.
func (s *Server) control(c *gin.Context) {
	command := c.Param("command")
	switch command {
	case "pause":
		s.compressor.Pause()
		s.success(c, "Compression paused")

	case "resume":
		if err := s.compressor.Resume(); err != nil {
			s.failure(c, http.StatusInternalServerError, err.Error())
			return
		}
		s.success(c, "Compression resumed")

	case "stop":
		s.compressor.Stop()
		s.success(c, "Compression stopped")

	case "start_scan":
		go func() {
			if err := s.scanner.Scan(context.Background()); err != nil &&
				!errors.Is(err, scanner.ErrScanInProgress) {
				s.log.Error("scan failed", "error", err)
			}
		}()
		s.success(c, "Scan started")

	case "start_compression":
		go func() {
			if _, err := s.compressor.ProcessQueue(context.Background(), 0, true); err != nil &&
				!errors.Is(err, compressor.ErrSessionInProgress) {
				s.log.Error("compression session failed", "error", err)
			}
		}()
		s.success(c, "Compression started")

	case "reload_config":
		if s.reloader == nil {
			s.failure(c, http.StatusServiceUnavailable, "Config reload not available in this mode")
			return
		}
		if err := s.reloader.Reload(); err != nil {
			s.failure(c, http.StatusInternalServerError, err.Error())
			return
		}
		s.success(c, "Configuration reloaded")

	case "prioritize":
		var req struct {
			Path     string `json:"path" binding:"required"`
			Priority int    `json:"priority"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			s.failure(c, http.StatusBadRequest, "path is required")
			return
		}
		if err := s.compressor.Prioritize(req.Path, req.Priority); err != nil {
			s.failure(c, http.StatusNotFound, err.Error())
			return
		}
		s.success(c, "File prioritized")

	default:
		s.failure(c, http.StatusBadRequest, "Unknown command: "+command)
	}
}

func (s *Server) success(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": message})
}

func (s *Server) failure(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"status": "error", "message": message})
}
