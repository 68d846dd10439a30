package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"resonance-trader/internal/engine"
)

const (
	defaultOrderLimit = 50
	maxOrderLimit     = 500
)

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) getSettings(c *gin.Context) {
	list, err := s.Engine.Settings(c.Request.Context())
	if err != nil {
		s.Logger.Warn("list settings failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settings unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": list})
}

func (s *Server) getOrders(c *gin.Context) {
	limit := defaultOrderLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxOrderLimit)
	}
	c.JSON(http.StatusOK, gin.H{"orders": s.Engine.RecentOrders(limit)})
}

func (s *Server) getPairs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pairs": s.Engine.Pairs()})
}

// postControl accepts the same message body as the websocket channel.
func (s *Server) postControl(c *gin.Context) {
	var cmd engine.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, engine.Ack{Ack: engine.AckError, Reason: "malformed control message"})
		return
	}
	ack := s.Engine.Apply(c.Request.Context(), cmd)
	if !ack.OK() {
		status := http.StatusBadRequest
		if errors.Is(c.Request.Context().Err(), context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, ack)
		return
	}
	c.JSON(http.StatusOK, ack)
}
