package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"imagestudio/internal/service"
)

type tokenRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

func (h HandlerSet) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.auth.IssueToken(c.Request.Context(), req.APIKey)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}
