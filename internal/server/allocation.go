package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	allocationdomain "github.com/creditrail/creditrail/internal/allocation/domain"
)

func (s *Server) Enroll(c *gin.Context) {
	var req allocationdomain.EnrollInput
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	allocation, err := s.allocationSvc.Enroll(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, allocation)
}

func (s *Server) AllocateMonthly(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}

	allocation, err := s.allocationSvc.AllocateMonthly(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, allocation)
}

func (s *Server) ListTiers(c *gin.Context) {
	tiers, err := s.tierSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}
