package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/models"
	"github.com/tullo/streamly/internal/repository"
)

type StreamHandler struct {
	streams   repository.StreamRepository
	downloads repository.DownloadRepository
}

func NewStreamHandler(streams repository.StreamRepository, downloads repository.DownloadRepository) *StreamHandler {
	return &StreamHandler{streams: streams, downloads: downloads}
}

// ListStreams filters by ?channel_id and ?state
func (h *StreamHandler) ListStreams(c *gin.Context) {
	f := models.StreamFilter{Limit: queryLimit(c)}
	if raw := c.Query("channel_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "invalid channel_id")
			return
		}
		f.ChannelID = &id
	}
	if state := models.StreamState(c.Query("state")); state != "" {
		if state != models.StreamLive && state != models.StreamEnded {
			ErrorResponse(c, http.StatusBadRequest, "invalid state")
			return
		}
		f.State = state
	}

	streams, err := h.streams.ListStreams(c.Request.Context(), f)
	if err != nil {
		storeError(c, err, "stream")
		return
	}
	c.JSON(http.StatusOK, streams)
}

// GetStream returns a stream by platform video id with its downloads
func (h *StreamHandler) GetStream(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.streams.GetStreamByVideoID(ctx, c.Param("video_id"))
	if err != nil {
		storeError(c, err, "stream")
		return
	}
	downloads, err := h.downloads.ListDownloads(ctx, models.DownloadFilter{StreamID: &s.ID})
	if err != nil {
		storeError(c, err, "download")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": s, "downloads": downloads})
}
