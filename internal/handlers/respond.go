package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/repository"
	"go.uber.org/zap"
)

// ErrorResponse sends a standardized error response and logs at caller if needed
func ErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// storeError maps repository errors to a response.
func storeError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		ErrorResponse(c, http.StatusNotFound, what+" not found")
	case errors.Is(err, repository.ErrConflict):
		ErrorResponse(c, http.StatusConflict, what+" already exists")
	default:
		log.Error("store error", zap.String("path", c.FullPath()), zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "internal error")
	}
}

func paramID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
