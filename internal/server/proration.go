package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func (s *Server) PreviewProration(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	toTier := strings.TrimSpace(c.Query("to_tier"))
	if toTier == "" {
		abortBadRequest(c, ErrInvalidRequest)
		return
	}

	breakdown, err := s.prorationSvc.Preview(c.Request.Context(), userID, toTier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, breakdown)
}

type applyProrationRequest struct {
	ToTier string `json:"to_tier" binding:"required"`
}

func (s *Server) ApplyProration(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}

	var req applyProrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	event, err := s.prorationSvc.Apply(c.Request.Context(), userID, req.ToTier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, event)
}

type reverseProrationRequest struct {
	UserID snowflake.ID `json:"user_id" binding:"required"`
}

func (s *Server) ReverseProration(c *gin.Context) {
	eventID, ok := pathID(c, "event_id")
	if !ok {
		return
	}

	var req reverseProrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	event, err := s.prorationSvc.Reverse(c.Request.Context(), req.UserID, eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, event)
}
