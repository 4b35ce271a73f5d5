package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	feedEvent     = "change"
	feedHeartbeat = 15 * time.Second
)

// handleFeed streams claim change events as server-sent events until the
// client goes away or the backend ends the subscription.
func (s *Server) handleFeed(c *gin.Context) {
	events, cancel, err := s.backend.Subscribe(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(feedHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(feedEvent, ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", "")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
