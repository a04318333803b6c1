package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandboxd/sandboxd/internal/apierrors"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
)

const adminStopGracePeriod = 5 * time.Second

func (s *Server) handleListContainers(c *gin.Context) {
	filter := containers.ListFilter{
		Status:      containers.Status(c.Query("status")),
		ToolPair:    c.Query("toolPair"),
		Environment: c.Query("environment"),
	}
	if raw := c.Query("olderThan"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			filter.OlderThan = &t
		}
	}

	infos, err := s.containers.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"containers": infos})
}

func (s *Server) handleGetContainer(c *gin.Context) {
	info, err := s.containers.Inspect(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleRestartContainer(c *gin.Context) {
	if _, err := s.containers.Inspect(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	if err := s.containers.Restart(c.Request.Context(), c.Param("id"), adminStopGracePeriod); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStopContainer(c *gin.Context) {
	if _, err := s.containers.Inspect(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	if err := s.containers.Stop(c.Request.Context(), c.Param("id"), adminStopGracePeriod); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteContainer(c *gin.Context) {
	if _, err := s.containers.Inspect(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	force := c.Query("force") == "true"
	if err := s.containers.Remove(c.Request.Context(), c.Param("id"), force); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

const (
	defaultLogTail = 100
	maxLogTail     = 10000
)

func (s *Server) handleContainerLogs(c *gin.Context) {
	tail := defaultLogTail
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, apierrors.New(apierrors.CodeInvalidRequest, "tail must be a non-negative integer"))
			return
		}
		if n > maxLogTail {
			n = maxLogTail
		}
		tail = n
	}

	logs, err := s.containers.Logs(c.Request.Context(), c.Param("id"), tail)
	if err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, logs)
}

func (s *Server) handleListRateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rateLimits": s.limiter.All()})
}

func (s *Server) handleGetRateLimit(c *gin.Context) {
	tracking, err := s.limiter.Status(c.Param("clientId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tracking)
}

func (s *Server) handleResetRateLimit(c *gin.Context) {
	if err := s.limiter.Reset(c.Param("clientId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type adjustRateLimitRequest struct {
	ResetWindows bool `json:"resetWindows"`
}

func (s *Server) handleAdjustRateLimit(c *gin.Context) {
	var body adjustRateLimitRequest
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength != 0 {
		writeError(c, apierrors.New(apierrors.CodeInvalidRequest, "malformed request body"))
		return
	}

	tracking, err := s.limiter.Adjust(c.Param("clientId"), ratelimit.AdjustParams{ResetWindows: body.ResetWindows})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tracking)
}

func (s *Server) handleSystemMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.reporter.System())
}

func (s *Server) handleSandboxMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.reporter.Sandbox(c.Request.Context()))
}
