// Package livestream serves long-lived client connections (Server-Sent
// Events and WebSocket). Each connection registers a session in the
// presence registry, receives notification frames through its sink, sends a
// heartbeat every interval and unregisters when it closes.
package livestream

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"notifyhub/internal/notification"
	"notifyhub/internal/presence"
	logx "notifyhub/pkg/logx"
)

type Config struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
	WriteTimeout      time.Duration
	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 16
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

type Hub struct {
	reg *presence.Registry
	log logx.Logger

	mu  sync.RWMutex
	cfg Config

	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

func NewHub(cfg Config, reg *presence.Registry, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Hub{reg: reg, log: log.With(logx.String("comp", "livestream")), cfg: cfg.withDefaults()}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Apply updates heartbeat and buffer settings for new connections.
func (h *Hub) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
}

func (h *Hub) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	allowed := h.config().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Wait blocks until every open connection handler has returned or ctx ends.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session is the per-connection state shared by both transports.
type session struct {
	id     string
	userID string
	sink   *sink
}

// open registers the connection. It fails with presence.ErrSessionOwned when
// the session id is live for another user.
func (h *Hub) open(userID, sessionID string, isPWA bool) (*session, presence.RegisterResult, error) {
	cfg := h.config()
	s := &session{id: sessionID, userID: userID, sink: newSink(cfg.SendBuffer)}
	res, err := h.reg.RegisterOwned(userID, sessionID, isPWA, s.sink)
	if err != nil {
		h.log.Warn("live session refused",
			logx.String("session", sessionID),
			logx.String("user", userID),
			logx.Err(err),
		)
		return nil, res, err
	}
	h.log.Debug("live session opened",
		logx.String("session", sessionID),
		logx.String("user", userID),
		logx.Bool("pwa", isPWA),
		logx.Int("total", res.Stats.TotalClients),
	)
	return s, res, nil
}

func refuse(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
}

func (h *Hub) close(s *session, reason string) {
	s.sink.Close()
	h.reg.UnregisterSink(s.id, s.sink)
	h.log.Debug("live session closed",
		logx.String("session", s.id),
		logx.String("user", s.userID),
		logx.String("reason", reason),
		logx.Int64("dropped", int64(s.sink.dropped.Load())),
	)
}

// heartbeat refreshes presence and builds the heartbeat frame. ok is false
// when the session was unregistered out of band, which ends the stream.
func (h *Hub) heartbeat(s *session) ([]byte, bool) {
	if !h.reg.Touch(s.id) {
		return nil, false
	}
	frame, _ := notification.EncodeFrame(notification.Frame{
		Type: notification.FrameHeartbeat,
		Data: map[string]int64{"timestamp": time.Now().UnixMilli()},
	})
	return frame, true
}

func connectedFrame(sessionID string, stats presence.Stats) []byte {
	frame, _ := notification.EncodeFrame(notification.Frame{
		Type: notification.FrameConnected,
		Data: map[string]any{"sessionId": sessionID, "stats": stats},
	})
	return frame
}
