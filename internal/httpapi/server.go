// Package httpapi is the HTTP surface of notifyhub: live streams, device
// registration, session triggers and the admin API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"notifyhub/internal/delivery"
	"notifyhub/internal/metrics"
	"notifyhub/internal/notification"
	"notifyhub/internal/presence"
	"notifyhub/internal/storage"
	"notifyhub/internal/trigger"
	logx "notifyhub/pkg/logx"
)

// Notifications is the delivery engine as seen by the admin API.
type Notifications interface {
	Enqueue(ctx context.Context, spec notification.Spec) (*notification.Record, error)
	Get(ctx context.Context, id string) (*notification.Record, error)
	List(ctx context.Context, f storage.ListFilter) ([]*notification.Record, error)
	Counts(ctx context.Context) (map[notification.Status]int, error)
	RunSweep(ctx context.Context, now time.Time) (delivery.SweepResult, error)
}

type Triggers interface {
	SessionStarted(ctx context.Context, userID string) (trigger.SessionOutcome, error)
	Broadcast(ctx context.Context, req trigger.BroadcastRequest) (*notification.Record, error)
	OrderStatusChanged(ctx context.Context, ev trigger.OrderEvent) ([]*notification.Record, error)
}

// Devices stores delivery targets and the admin audit trail.
type Devices interface {
	SetPushToken(ctx context.Context, userID, token string) error
	SaveWebPushSubscription(ctx context.Context, sub *storage.WebPushSubscription) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// LiveStreams serves long-lived client connections.
type LiveStreams interface {
	ServeSSE(c *gin.Context, userID, sessionID string, isPWA bool)
	ServeWS(c *gin.Context, userID, sessionID string, isPWA bool)
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MetricsPath     string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	return c
}

type Deps struct {
	Auth          *Authenticator
	Presence      *presence.Registry
	Live          LiveStreams
	Notifications Notifications
	Triggers      Triggers
	Devices       Devices
	// Metrics is optional.
	Metrics *metrics.Metrics
	Log     logx.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	router *gin.Engine
	now    func() time.Time
}

func New(cfg Config, d Deps) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	s := &Server{
		cfg:  cfg.withDefaults(),
		deps: d,
		log:  d.Log.With(logx.String("comp", "http")),
		now:  time.Now,
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.observe())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notifyhub"})
	})
	if s.deps.Metrics != nil {
		r.GET(s.cfg.MetricsPath, gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := r.Group("/api/v1")

	// Streams accept ?access_token= because EventSource cannot set headers.
	live := api.Group("/live", s.deps.Auth.Middleware(true))
	live.GET("/stream", s.handleStream(false))
	live.GET("/ws", s.handleStream(true))

	user := api.Group("", s.deps.Auth.Middleware(false))
	user.POST("/live/activity", s.handleActivity)
	user.DELETE("/live/sessions/:id", s.handleUnregister)
	user.GET("/presence/stats", s.handlePresenceStats)
	user.PUT("/devices/push-token", s.handlePushToken)
	user.POST("/devices/webpush", s.handleWebPush)
	user.POST("/triggers/session-start", s.handleSessionStart)

	admin := api.Group("/admin", s.deps.Auth.Middleware(false), s.deps.Auth.RequireAdmin())
	admin.POST("/notifications", s.handleEnqueue)
	admin.GET("/notifications", s.handleList)
	admin.GET("/notifications/:id", s.handleGet)
	admin.POST("/sweep", s.handleSweep)
	admin.POST("/broadcast", s.handleBroadcast)
	admin.POST("/orders/status", s.handleOrderStatus)
	admin.GET("/presence", s.handlePresenceDetails)
	admin.GET("/stats", s.handleAdminStats)

	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	return nil
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.reqLog(c).Error("handler panic", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": http.StatusText(http.StatusInternalServerError)})
	})
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		took := time.Since(start)
		streaming := route == "/api/v1/live/stream" || route == "/api/v1/live/ws"
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), took, streaming)
		}
		s.reqLog(c).Debug("request",
			logx.String("method", c.Request.Method),
			logx.String("route", route),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", took),
		)
	}
}

func (s *Server) reqLog(c *gin.Context) logx.Logger {
	if uid := UserID(c); uid != "" {
		return s.log.With(logx.String("user", uid))
	}
	return s.log
}

// audit records an admin action. Failures are logged, never returned.
func (s *Server) audit(c *gin.Context, action, target string, ok, fail int, started time.Time, err error) {
	e := storage.AuditEntry{
		At:      s.now().UTC(),
		ActorID: UserID(c),
		Action:  action,
		Target:  target,
		OK:      ok,
		Fail:    fail,
		TookMS:  time.Since(started).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.deps.Devices.AppendAudit(context.WithoutCancel(c.Request.Context()), e); aerr != nil {
		s.reqLog(c).Warn("audit write failed", logx.String("action", action), logx.Err(aerr))
	}
}
