// Package handlers exposes the broker's REST and SSE surface on gin.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/annotation/service"
	"github.com/agentation/agentation/internal/common/logger"
)

// SessionHandlers serves session CRUD and per-session annotation routes.
type SessionHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

// RegisterSessionRoutes wires the session routes onto the router.
func RegisterSessionRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) *SessionHandlers {
	h := &SessionHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "session-handlers")),
	}
	router.GET("/sessions", h.listSessions)
	router.POST("/sessions", h.createSession)
	router.GET("/sessions/:id", h.getSession)
	router.PATCH("/sessions/:id", h.updateSession)
	router.DELETE("/sessions/:id", h.deleteSession)
	router.POST("/sessions/:id/annotations", h.createAnnotation)
	router.GET("/sessions/:id/pending", h.pendingAnnotations)
	return h
}

type createSessionRequest struct {
	URL       string `json:"url"`
	ProjectID string `json:"projectId"`
}

func (h *SessionHandlers) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.URL == "" {
		badRequest(c, "url is required")
		return
	}
	session, err := h.service.CreateSession(c.Request.Context(), req.URL, req.ProjectID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *SessionHandlers) listSessions(c *gin.Context) {
	sessions, err := h.service.Store().ListSessions(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *SessionHandlers) getSession(c *gin.Context) {
	detail, err := h.service.Store().GetSessionWithAnnotations(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

type updateSessionRequest struct {
	Status models.SessionStatus `json:"status"`
}

func (h *SessionHandlers) updateSession(c *gin.Context) {
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.Status == "" {
		badRequest(c, "status is required")
		return
	}
	session, err := h.service.UpdateSessionStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *SessionHandlers) deleteSession(c *gin.Context) {
	session, err := h.service.DeleteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "sessionId": session.ID})
}

func (h *SessionHandlers) createAnnotation(c *gin.Context) {
	var input models.AnnotationInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	a, err := h.service.AddAnnotation(c.Request.Context(), c.Param("id"), &input)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *SessionHandlers) pendingAnnotations(c *gin.Context) {
	annotations, err := h.service.Store().GetPendingAnnotations(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(annotations), "annotations": annotations})
}
