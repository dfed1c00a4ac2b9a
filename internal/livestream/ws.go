package livestream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	logx "notifyhub/pkg/logx"
)

const wsReadLimit = 512

// clientMessage is what browsers may send over the socket.
type clientMessage struct {
	Type string `json:"type"`
}

// ServeWS upgrades the request and runs the session until either side
// closes. Reads refresh presence; all writes happen on this goroutine.
func (h *Hub) ServeWS(c *gin.Context, userID, sessionID string, isPWA bool) {
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

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		reason = "upgrade failed"
		h.log.Debug("websocket upgrade failed", logx.String("session", sessionID), logx.Err(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	readWait := 2 * cfg.HeartbeatInterval
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		h.reg.Touch(s.id)
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			var msg clientMessage
			if json.Unmarshal(data, &msg) == nil && (msg.Type == "activity" || msg.Type == "ping") {
				h.reg.Touch(s.id)
			}
		}
	}()

	write := func(frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}
	if err := write(connectedFrame(sessionID, res.Stats)); err != nil {
		reason = "write failed"
		return
	}

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sink.done:
			reason = "closed"
			return
		case frame := <-s.sink.out:
			if err := write(frame); err != nil {
				reason = "write failed"
				return
			}
		case <-ticker.C:
			frame, ok := h.heartbeat(s)
			if !ok {
				reason = "unregistered"
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session unregistered"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				reason = "ping failed"
				return
			}
			if err := write(frame); err != nil {
				reason = "write failed"
				return
			}
		}
	}
}
