package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const wsWriteTimeout = 10 * time.Second

// streamEvents upgrades the connection and pushes bus events as JSON
// until the client disconnects.
func (s *Server) streamEvents(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not available"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)
	s.log.Debug("websocket subscriber connected", "id", id)

	// Drain client frames so close and ping control messages are
	// processed; the stream itself is one-way.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				s.log.Debug("websocket subscriber dropped", "id", id, "error", err)
				return
			}
		}
	}
}
