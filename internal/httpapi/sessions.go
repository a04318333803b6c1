package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandboxd/sandboxd/internal/apierrors"
	"github.com/sandboxd/sandboxd/internal/session"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.reporter.Health())
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.reporter.Status())
}

func (s *Server) handleListEnvironments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"environments": s.environments.List()})
}

type createSessionRequest struct {
	Environment string   `json:"environment"`
	Init        []string `json:"init"`
	TimeoutMs   int64    `json:"timeout"`
	ToolPair    string   `json:"toolPair"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength != 0 {
		writeError(c, apierrors.New(apierrors.CodeInvalidRequest, "malformed request body"))
		return
	}

	view, err := s.sessions.Create(c.Request.Context(), clientIDFrom(c), session.CreateRequest{
		Environment: body.Environment,
		Init:        body.Init,
		TimeoutMs:   body.TimeoutMs,
		ToolPair:    body.ToolPair,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"sessionId":   view.ID,
		"expiresAt":   view.ExpiresAt,
		"environment": view.Environment,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	view, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if _, err := s.sessions.Get(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	if err := s.sessions.Destroy(c.Request.Context(), c.Param("id"), "deleted via request surface"); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
