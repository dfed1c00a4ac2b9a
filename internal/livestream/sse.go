package livestream

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ServeSSE holds the request open as a Server-Sent Events stream until the
// client disconnects or the session is unregistered.
func (h *Hub) ServeSSE(c *gin.Context, userID, sessionID string, isPWA bool) {
	h.wg.Add(1)
	defer h.wg.Done()

	cfg := h.config()
	s, res, err := h.open(userID, sessionID, isPWA)
	if err != nil {
		refuse(c, err)
		return
	}
	reason := "client gone"
	defer func() { h.close(s, reason) }()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("message", string(connectedFrame(sessionID, res.Stats)))
	c.Writer.Flush()

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-s.sink.done:
			reason = "closed"
			return false
		case frame := <-s.sink.out:
			c.SSEvent("message", string(frame))
			return true
		case <-ticker.C:
			frame, ok := h.heartbeat(s)
			if !ok {
				reason = "unregistered"
				return false
			}
			c.SSEvent("message", string(frame))
			return true
		}
	})
}
