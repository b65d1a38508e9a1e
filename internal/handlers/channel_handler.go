package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/models"
	"github.com/tullo/streamly/internal/monitor"
	"github.com/tullo/streamly/internal/platform"
	"github.com/tullo/streamly/internal/repository"
)

// Poller is the part of the scheduler the API drives.
type Poller interface {
	RunCycle(ctx context.Context) (monitor.CycleResult, error)
	PollChannel(ctx context.Context, id uuid.UUID) ([]models.Event, error)
}

const minPollInterval = 30 * time.Second

type ChannelHandler struct {
	channels        repository.ChannelRepository
	streams         repository.StreamRepository
	resolver        platform.Resolver
	poller          Poller
	defaultInterval time.Duration
}

func NewChannelHandler(channels repository.ChannelRepository, streams repository.StreamRepository, resolver platform.Resolver, poller Poller, defaultInterval time.Duration) *ChannelHandler {
	return &ChannelHandler{
		channels:        channels,
		streams:         streams,
		resolver:        resolver,
		poller:          poller,
		defaultInterval: defaultInterval,
	}
}

func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.New("invalid poll_interval")
	}
	if d < minPollInterval {
		return 0, errors.New("poll_interval must be at least 30s")
	}
	return d, nil
}

// CreateChannel registers a channel after one platform lookup
func (h *ChannelHandler) CreateChannel(c *gin.Context) {
	var req models.CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	interval := h.defaultInterval
	if req.PollInterval != "" {
		d, err := parseInterval(req.PollInterval)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		interval = d
	}
	if req.RetentionDays != nil && *req.RetentionDays < 1 {
		ErrorResponse(c, http.StatusBadRequest, "retention_days must be positive")
		return
	}

	info, err := h.resolver.Lookup(c.Request.Context(), req.URL)
	if err != nil {
		status := http.StatusBadGateway
		if platform.IsPermanent(err) {
			status = http.StatusUnprocessableEntity
		}
		ErrorResponse(c, status, err.Error())
		return
	}

	ch := &models.Channel{
		PlatformID:    info.PlatformID,
		Name:          info.Name,
		URL:           info.URL,
		Active:        true,
		PollInterval:  interval,
		RetentionDays: req.RetentionDays,
	}
	if err := h.channels.CreateChannel(c.Request.Context(), ch); err != nil {
		storeError(c, err, "channel")
		return
	}

	c.JSON(http.StatusCreated, ch)
}

// ListChannels lists channels, ?active=true for active ones only
func (h *ChannelHandler) ListChannels(c *gin.Context) {
	channels, err := h.channels.ListChannels(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		storeError(c, err, "channel")
		return
	}
	c.JSON(http.StatusOK, channels)
}

// GetChannel returns a channel with its recent streams
func (h *ChannelHandler) GetChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.channels.GetChannel(c.Request.Context(), id)
	if err != nil {
		storeError(c, err, "channel")
		return
	}
	streams, err := h.streams.ListStreams(c.Request.Context(), models.StreamFilter{ChannelID: &id, Limit: 10})
	if err != nil {
		storeError(c, err, "stream")
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "streams": streams})
}

// UpdateChannel changes the active flag, poll interval or retention
func (h *ChannelHandler) UpdateChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.UpdateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	ch, err := h.channels.GetChannel(ctx, id)
	if err != nil {
		storeError(c, err, "channel")
		return
	}

	if req.PollInterval != nil {
		d, err := parseInterval(*req.PollInterval)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		ch.PollInterval = d
	}
	if req.RetentionDays != nil {
		if *req.RetentionDays < 1 {
			ErrorResponse(c, http.StatusBadRequest, "retention_days must be positive")
			return
		}
		ch.RetentionDays = req.RetentionDays
	}
	if err := h.channels.UpdateChannel(ctx, ch); err != nil {
		storeError(c, err, "channel")
		return
	}
	if req.Active != nil && *req.Active != ch.Active {
		if err := h.channels.SetChannelActive(ctx, id, *req.Active); err != nil {
			storeError(c, err, "channel")
			return
		}
	}

	ch, err = h.channels.GetChannel(ctx, id)
	if err != nil {
		storeError(c, err, "channel")
		return
	}
	c.JSON(http.StatusOK, ch)
}

// DeleteChannel deactivates a channel; its history is kept
func (h *ChannelHandler) DeleteChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.channels.SetChannelActive(c.Request.Context(), id, false); err != nil {
		storeError(c, err, "channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "channel deactivated"})
}

// CheckChannel probes one channel now
func (h *ChannelHandler) CheckChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	evs, err := h.poller.PollChannel(c.Request.Context(), id)
	switch {
	case errors.Is(err, monitor.ErrProbeInFlight):
		ErrorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		ErrorResponse(c, http.StatusNotFound, "channel not found")
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "events": evs})
	default:
		c.JSON(http.StatusOK, gin.H{"events": evs})
	}
}
