// Package httpapi implements the Request Surface: the gin router exposing
// session CRUD, the duplex channel upgrade, liveness/status, and the
// operator-facing /admin subtree. Grounded on the teacher's handlers
// package (one handler struct per resource, RegisterRoutes(group) wiring
// its own routes) and its websocket_enterprise.go upgrade/readPump/
// writePump shape, adapted from a broadcast hub to one transport per
// session.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandboxd/sandboxd/internal/breaker"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/environment"
	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/metrics"
	"github.com/sandboxd/sandboxd/internal/pty"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/session"
)

// SessionEngine is the narrow Session Manager capability the Request
// Surface drives, accepted as an interface so the router can be tested
// without a real container runtime behind it.
type SessionEngine interface {
	Create(ctx context.Context, clientID string, req session.CreateRequest) (session.View, error)
	Get(sessionID string) (session.View, error)
	Destroy(ctx context.Context, sessionID, reason string) error
	Attach(ctx context.Context, sessionID, channelID string, sink session.Sink, cols, rows uint) (*pty.Transport, error)
	Detach(sessionID, channelID string)
	Touch(sessionID string)
}

// EnvironmentLister is the narrow Environment Registry capability the
// Request Surface needs.
type EnvironmentLister interface {
	List() []environment.Config
}

// ContainerAdmin is the narrow Container Manager capability the /admin
// subtree drives.
type ContainerAdmin interface {
	List(ctx context.Context, f containers.ListFilter) ([]containers.Info, error)
	Inspect(ctx context.Context, id string) (containers.Info, error)
	Restart(ctx context.Context, id string, gracePeriod time.Duration) error
	Stop(ctx context.Context, id string, gracePeriod time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Logs(ctx context.Context, id string, tailN int) (string, error)
}

// Config bundles the Request Surface's tunables.
type Config struct {
	FrontendOrigin    string
	AdminSharedHeader string
}

// Server wires gin routes over the engine's live components.
type Server struct {
	cfg Config

	sessions     SessionEngine
	environments EnvironmentLister
	containers   ContainerAdmin
	limiter      *ratelimit.Limiter
	breaker      *breaker.Breaker
	reporter     *metrics.Reporter
}

// New builds a Server bound to the engine's live components.
func New(cfg Config, sessions SessionEngine, environments EnvironmentLister, containerMgr ContainerAdmin, limiter *ratelimit.Limiter, cb *breaker.Breaker, reporter *metrics.Reporter) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		environments: environments,
		containers:   containerMgr,
		limiter:      limiter,
		breaker:      cb,
		reporter:     reporter,
	}
}

// Router builds the gin engine with every route the specification names.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.clientIDMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/environments", s.handleListEnvironments)

	r.POST("/sessions", s.handleCreateSession)
	r.GET("/sessions/:id", s.handleGetSession)
	r.DELETE("/sessions/:id", s.handleDeleteSession)
	r.GET("/sessions/:id/channel", s.handleChannel)

	admin := r.Group("/admin")
	admin.Use(s.requireAdmin())
	{
		admin.GET("/containers", s.handleListContainers)
		admin.GET("/containers/:id", s.handleGetContainer)
		admin.POST("/containers/:id/restart", s.handleRestartContainer)
		admin.POST("/containers/:id/stop", s.handleStopContainer)
		admin.DELETE("/containers/:id", s.handleDeleteContainer)
		admin.GET("/containers/:id/logs", s.handleContainerLogs)

		admin.GET("/rate-limits", s.handleListRateLimits)
		admin.GET("/rate-limits/:clientId", s.handleGetRateLimit)
		admin.POST("/rate-limits/:clientId/reset", s.handleResetRateLimit)
		admin.POST("/rate-limits/:clientId/adjust", s.handleAdjustRateLimit)

		admin.GET("/metrics/system", s.handleSystemMetrics)
		admin.GET("/metrics/sandbox", s.handleSandboxMetrics)
		admin.GET("/metrics/rate-limits", s.handleListRateLimits)
	}

	return r
}

// requestLogger mirrors the teacher's structured-access-log middleware
// shape, one zerolog line per request tagged with method/path/status/
// latency instead of gin's default combined-log writer.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.HTTP().Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_id", clientIDFrom(c)).
			Msg("request handled")
	}
}

const clientIDContextKey = "sandboxd.clientID"

// clientIDMiddleware derives the caller's stable identity from the first
// forwarded-address header present, falling back to the gin-resolved peer
// address (which itself already honors trusted X-Forwarded-For entries).
func (s *Server) clientIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.Request.Header.Get("X-Forwarded-For")
		if clientID == "" {
			clientID = c.Request.Header.Get("X-Real-IP")
		}
		if clientID == "" {
			clientID = c.ClientIP()
		}
		c.Set(clientIDContextKey, clientID)
		c.Next()
	}
}

func clientIDFrom(c *gin.Context) string {
	v, _ := c.Get(clientIDContextKey)
	id, _ := v.(string)
	return id
}

// requireAdmin is a thin courtesy check: the specification places admin
// caller authentication upstream of this process (a reverse proxy), but
// when an ADMIN_SHARED_HEADER value is configured this still refuses to
// serve the subtree to a request that arrived without it, rather than
// trusting network placement alone.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSharedHeader == "" {
			c.Next()
			return
		}
		if c.Request.Header.Get("X-Admin-Token") != s.cfg.AdminSharedHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "admin credentials rejected upstream"})
			return
		}
		c.Next()
	}
}
