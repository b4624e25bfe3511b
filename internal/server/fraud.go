package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	frauddomain "github.com/creditrail/creditrail/internal/fraud/domain"
)

func (s *Server) ListOpenFraudEvents(c *gin.Context) {
	limit := queryInt(c, "limit", 50)

	events, err := s.fraudSvc.ListOpen(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

type reviewFraudRequest struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
	Resolution string `json:"resolution" binding:"required"`
}

func (s *Server) ReviewFraudEvent(c *gin.Context) {
	eventID, ok := pathID(c, "event_id")
	if !ok {
		return
	}

	var req reviewFraudRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}
	if req.Resolution != frauddomain.ResolutionConfirmed && req.Resolution != frauddomain.ResolutionDismissed {
		abortBadRequest(c, ErrInvalidRequest)
		return
	}

	event, err := s.fraudSvc.Review(c.Request.Context(), eventID, req.ResolvedBy, req.Resolution)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, event)
}
