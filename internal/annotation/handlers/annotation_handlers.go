package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/annotation/service"
	"github.com/agentation/agentation/internal/common/logger"
)

// AnnotationHandlers serves annotation lookup, patch, delete, and thread
// routes, plus the cross-session pending list and the health check.
type AnnotationHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

// RegisterAnnotationRoutes wires the annotation routes onto the router.
func RegisterAnnotationRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) *AnnotationHandlers {
	h := &AnnotationHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "annotation-handlers")),
	}
	router.GET("/health", h.health)
	router.GET("/annotations/:id", h.getAnnotation)
	router.PATCH("/annotations/:id", h.updateAnnotation)
	router.DELETE("/annotations/:id", h.deleteAnnotation)
	router.POST("/annotations/:id/thread", h.addThreadMessage)
	router.GET("/pending", h.allPending)
	return h
}

func (h *AnnotationHandlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *AnnotationHandlers) getAnnotation(c *gin.Context) {
	a, err := h.service.Store().GetAnnotation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AnnotationHandlers) updateAnnotation(c *gin.Context) {
	var patch models.AnnotationPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	a, err := h.service.UpdateAnnotation(c.Request.Context(), c.Param("id"), &patch)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AnnotationHandlers) deleteAnnotation(c *gin.Context) {
	a, err := h.service.DeleteAnnotation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "annotationId": a.ID})
}

type threadMessageRequest struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

func (h *AnnotationHandlers) addThreadMessage(c *gin.Context) {
	var req threadMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	a, err := h.service.AddThreadMessage(c.Request.Context(), c.Param("id"), req.Role, req.Content)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AnnotationHandlers) allPending(c *gin.Context) {
	annotations, err := h.service.Store().ListPendingAnnotations(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(annotations), "annotations": annotations})
}
