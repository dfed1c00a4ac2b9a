package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"notifyhub/internal/notification"
	"notifyhub/internal/storage"
	"notifyhub/internal/trigger"
)

const maxListLimit = 500

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (s *Server) handleStream(ws bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := strings.TrimSpace(c.Query("session_id"))
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		pwa, _ := strconv.ParseBool(c.DefaultQuery("pwa", "false"))
		if ws {
			s.deps.Live.ServeWS(c, UserID(c), sessionID, pwa)
			return
		}
		s.deps.Live.ServeSSE(c, UserID(c), sessionID, pwa)
	}
}

type activityRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (s *Server) handleActivity(c *gin.Context) {
	var req activityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("session_id is required"))
		return
	}
	if !s.ownsSession(c, req.SessionID) {
		c.JSON(http.StatusOK, gin.H{"registered": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": s.deps.Presence.Touch(req.SessionID)})
}

func (s *Server) handleUnregister(c *gin.Context) {
	id := c.Param("id")
	if !s.ownsSession(c, id) {
		s.writeError(c, fmt.Errorf("session %s: %w", id, storage.ErrNotFound))
		return
	}
	s.deps.Presence.Unregister(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) ownsSession(c *gin.Context, sessionID string) bool {
	for _, sess := range s.deps.Presence.DetailsForUser(UserID(c)) {
		if sess.SessionID == sessionID {
			return true
		}
	}
	return false
}

func (s *Server) handlePresenceStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Presence.Stats())
}

type pushTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handlePushToken(c *gin.Context) {
	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("token is required"))
		return
	}
	if err := s.deps.Devices.SetPushToken(c.Request.Context(), UserID(c), strings.TrimSpace(req.Token)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// webPushRequest mirrors the browser's PushSubscription.toJSON().
type webPushRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

func (s *Server) handleWebPush(c *gin.Context) {
	var req webPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("endpoint and keys are required"))
		return
	}
	if !strings.HasPrefix(req.Endpoint, "https://") {
		s.writeError(c, badRequest("endpoint must be https"))
		return
	}
	sub := &storage.WebPushSubscription{
		UserID:   UserID(c),
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := s.deps.Devices.SaveWebPushSubscription(c.Request.Context(), sub); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": sub.ID})
}

func (s *Server) handleSessionStart(c *gin.Context) {
	out, err := s.deps.Triggers.SessionStarted(c.Request.Context(), UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ---- admin ----

type enqueueRequest struct {
	Kind       notification.Kind     `json:"kind"`
	Title      string                `json:"title"`
	Body       string                `json:"body"`
	ImageURL   string                `json:"image_url"`
	Data       map[string]string     `json:"data"`
	Actions    []notification.Action `json:"actions"`
	Recipients []string              `json:"recipients"`
	// ScheduledFor wins over DelaySeconds.
	ScheduledFor *time.Time `json:"scheduled_for"`
	DelaySeconds int        `json:"delay_seconds"`
}

func (r enqueueRequest) at(now time.Time) time.Time {
	switch {
	case r.ScheduledFor != nil:
		return *r.ScheduledFor
	case r.DelaySeconds > 0:
		return now.Add(time.Duration(r.DelaySeconds) * time.Second)
	default:
		return now
	}
}

type enqueueResponse struct {
	ID           string              `json:"id"`
	Status       notification.Status `json:"status"`
	ScheduledFor time.Time           `json:"scheduled_for"`
}

func (s *Server) handleEnqueue(c *gin.Context) {
	started := time.Now()
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("%v", err))
		return
	}
	rec, err := s.deps.Notifications.Enqueue(c.Request.Context(), notification.Spec{
		Kind:         req.Kind,
		Title:        req.Title,
		Body:         req.Body,
		ImageURL:     req.ImageURL,
		Data:         req.Data,
		Actions:      req.Actions,
		Recipients:   req.Recipients,
		ScheduledFor: req.at(s.now()),
	})
	if err != nil {
		s.audit(c, "notification.enqueue", "", 0, 1, started, err)
		s.writeError(c, err)
		return
	}
	s.audit(c, "notification.enqueue", rec.ID, 1, 0, started, nil)
	c.JSON(http.StatusCreated, enqueueResponse{ID: rec.ID, Status: rec.Status, ScheduledFor: rec.ScheduledFor})
}

func (s *Server) handleList(c *gin.Context) {
	var f storage.ListFilter
	if raw := c.Query("status"); raw != "" {
		st, ok := notification.ParseStatus(raw)
		if !ok {
			s.writeError(c, badRequest("unknown status %q", raw))
			return
		}
		f.Status = st
	}
	f.Limit = 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(c, badRequest("limit must be a positive integer"))
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	recs, err := s.deps.Notifications.List(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if recs == nil {
		recs = []*notification.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": recs, "count": len(recs)})
}

func (s *Server) handleGet(c *gin.Context) {
	rec, err := s.deps.Notifications.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type sweepRequest struct {
	Now *time.Time `json:"now"`
}

func (s *Server) handleSweep(c *gin.Context) {
	started := time.Now()
	var req sweepRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, badRequest("%v", err))
			return
		}
	}
	now := s.now()
	if req.Now != nil {
		now = *req.Now
	}
	res, err := s.deps.Notifications.RunSweep(c.Request.Context(), now)
	s.audit(c, "sweep", "", res.Sent, res.Failed+res.Errors, started, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type broadcastRequest struct {
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	ImageURL     string            `json:"image_url"`
	Data         map[string]string `json:"data"`
	Recipients   []string          `json:"recipients"`
	ScheduledFor *time.Time        `json:"scheduled_for"`
}

func (s *Server) handleBroadcast(c *gin.Context) {
	started := time.Now()
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("%v", err))
		return
	}
	br := trigger.BroadcastRequest{
		Title:      req.Title,
		Body:       req.Body,
		ImageURL:   req.ImageURL,
		Data:       req.Data,
		Recipients: req.Recipients,
	}
	if req.ScheduledFor != nil {
		br.ScheduledFor = *req.ScheduledFor
	}
	rec, err := s.deps.Triggers.Broadcast(c.Request.Context(), br)
	if err != nil {
		s.audit(c, "broadcast", "", 0, 1, started, err)
		s.writeError(c, err)
		return
	}
	s.audit(c, "broadcast", rec.ID, 1, 0, started, nil)
	c.JSON(http.StatusCreated, enqueueResponse{ID: rec.ID, Status: rec.Status, ScheduledFor: rec.ScheduledFor})
}

func (s *Server) handleOrderStatus(c *gin.Context) {
	started := time.Now()
	var ev trigger.OrderEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.writeError(c, badRequest("%v", err))
		return
	}
	recs, err := s.deps.Triggers.OrderStatusChanged(c.Request.Context(), ev)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	if err != nil {
		s.audit(c, "order.status", ev.OrderID, len(ids), 1, started, err)
		s.writeError(c, err)
		return
	}
	s.audit(c, "order.status", ev.OrderID, len(ids), 0, started, nil)
	c.JSON(http.StatusCreated, gin.H{"ids": ids})
}

func (s *Server) handlePresenceDetails(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":    s.deps.Presence.Stats(),
		"sessions": s.deps.Presence.Details(),
	})
}

func (s *Server) handleAdminStats(c *gin.Context) {
	counts, err := s.deps.Notifications.Counts(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": counts,
		"presence":      s.deps.Presence.Stats(),
	})
}
