package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/capture"
	"github.com/tullo/streamly/internal/models"
	"github.com/tullo/streamly/internal/repository"
)

// Capturer is the part of the capture pipeline the API drives.
type Capturer interface {
	Retry(ctx context.Context, id uuid.UUID) error
	Reconcile(ctx context.Context) (capture.ReconcileResult, error)
}

type DownloadHandler struct {
	downloads repository.DownloadRepository
	capturer  Capturer
}

func NewDownloadHandler(downloads repository.DownloadRepository, capturer Capturer) *DownloadHandler {
	return &DownloadHandler{downloads: downloads, capturer: capturer}
}

// ListDownloads filters by ?stream_id and ?status
func (h *DownloadHandler) ListDownloads(c *gin.Context) {
	f := models.DownloadFilter{Limit: queryLimit(c)}
	if raw := c.Query("stream_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "invalid stream_id")
			return
		}
		f.StreamID = &id
	}
	if status := c.Query("status"); status != "" {
		f.Status = models.DownloadStatus(status)
	}

	downloads, err := h.downloads.ListDownloads(c.Request.Context(), f)
	if err != nil {
		storeError(c, err, "download")
		return
	}
	c.JSON(http.StatusOK, downloads)
}

// RetryDownload requeues a failed download with a fresh retry budget
func (h *DownloadHandler) RetryDownload(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	err := h.capturer.Retry(c.Request.Context(), id)
	switch {
	case errors.Is(err, capture.ErrNotRetryable):
		ErrorResponse(c, http.StatusConflict, err.Error())
	case err != nil:
		storeError(c, err, "download")
	default:
		c.JSON(http.StatusAccepted, gin.H{"message": "download requeued"})
	}
}
