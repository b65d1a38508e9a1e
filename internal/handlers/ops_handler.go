package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/retention"
	"go.uber.org/zap"
)

type Sweeper interface {
	Sweep(ctx context.Context) (retention.Result, error)
}

// OpsHandler exposes the manual triggers for the background jobs.
type OpsHandler struct {
	poller   Poller
	sweeper  Sweeper
	capturer Capturer
}

func NewOpsHandler(poller Poller, sweeper Sweeper, capturer Capturer) *OpsHandler {
	return &OpsHandler{poller: poller, sweeper: sweeper, capturer: capturer}
}

func (h *OpsHandler) Poll(c *gin.Context) {
	res, err := h.poller.RunCycle(c.Request.Context())
	if err != nil {
		log.Error("manual poll failed", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "poll failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *OpsHandler) Sweep(c *gin.Context) {
	res, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		log.Error("manual sweep failed", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "sweep failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *OpsHandler) Reconcile(c *gin.Context) {
	res, err := h.capturer.Reconcile(c.Request.Context())
	if err != nil {
		log.Error("manual reconcile failed", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "reconcile failed")
		return
	}
	c.JSON(http.StatusOK, res)
}
