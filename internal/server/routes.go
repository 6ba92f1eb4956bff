package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/shrinkray/internal/apiroutes"
)

// Router builds the gin engine with all monitor surface routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	api := r.Group("/api")
	if s.cfg.Web.Secure {
		api.Use(gin.BasicAuth(gin.Accounts{
			s.cfg.Web.Username: s.cfg.Web.Password,
		}))
	}

	api.GET("", s.listRoutes)
	apiroutes.Register("/api", "GET", "Lists all available API endpoints.")

	api.GET("/stats", s.getStats)
	apiroutes.Register("/api/stats", "GET", "Aggregate catalog, scanner and pipeline statistics.")

	api.GET("/scanner/status", s.getScannerStatus)
	apiroutes.Register("/api/scanner/status", "GET", "Current scanner progress.")

	api.GET("/compressor/status", s.getCompressorStatus)
	apiroutes.Register("/api/compressor/status", "GET", "Current pipeline status and active jobs.")

	api.GET("/events", s.getEvents)
	apiroutes.Register("/api/events", "GET", "Recent events, newest first.")

	api.GET("/events/ws", s.streamEvents)
	apiroutes.Register("/api/events/ws", "GET", "Live event stream over websocket.")

	api.POST("/control/:command", s.control)
	apiroutes.Register("/api/control/:command", "POST",
		"Control verbs: pause, resume, stop, start_scan, start_compression, reload_config, prioritize.")

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status())
	}
}

func (s *Server) listRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"routes": apiroutes.Get()})
}
