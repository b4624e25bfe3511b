package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
)

func (s *Server) LatestPrice(c *gin.Context) {
	modelID := strings.TrimSpace(c.Param("model_id"))
	if modelID == "" {
		abortBadRequest(c, ErrInvalidRequest)
		return
	}

	price, err := s.pricingSvc.Latest(c.Request.Context(), modelID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, price)
}

func (s *Server) ResolveQuote(c *gin.Context) {
	modelID := strings.TrimSpace(c.Param("model_id"))
	tier := strings.TrimSpace(c.Query("tier"))
	if modelID == "" || tier == "" {
		abortBadRequest(c, ErrInvalidRequest)
		return
	}

	quote, err := s.pricingSvc.Resolve(c.Request.Context(), modelID, tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, quote)
}

func (s *Server) RefreshPrice(c *gin.Context) {
	modelID := strings.TrimSpace(c.Param("model_id"))
	if modelID == "" {
		abortBadRequest(c, ErrInvalidRequest)
		return
	}

	var req pricingdomain.RefreshInput
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	price, err := s.pricingSvc.Refresh(c.Request.Context(), modelID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, price)
}
