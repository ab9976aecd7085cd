package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type healthResponse struct {
	Status      string               `json:"status"`
	Cache       string               `json:"cache"`
	Environment string               `json:"environment"`
	Maintenance map[string]time.Time `json:"maintenance,omitempty"`
}

func (h HandlerSet) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	cacheStatus := "disabled"
	if h.cache != nil {
		cacheStatus = "ok"
		if err := h.cache.Ping(ctx).Err(); err != nil {
			cacheStatus = "error"
			h.log.Error().Err(err).Msg("redis ping failed")
		}
	}

	resp := healthResponse{
		Status:      "ok",
		Cache:       cacheStatus,
		Environment: h.cfg.Environment,
	}
	if h.maintenance != nil {
		resp.Maintenance = h.maintenance.LastSuccess()
	}
	c.JSON(http.StatusOK, resp)
}
