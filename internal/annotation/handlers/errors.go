package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/annotation/store"
	"github.com/agentation/agentation/internal/common/logger"
)

// respondError maps store errors onto the wire taxonomy: validation 400,
// not-found 404, everything else 500. Expected failures log at debug only.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Debug("not found", zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case store.IsValidation(err):
		log.Debug("validation failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

func badRequest(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": reason})
}
