package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	ledgerdomain "github.com/creditrail/creditrail/internal/ledger/domain"
	"github.com/creditrail/creditrail/pkg/db/pagination"
)

func (s *Server) DeductUsage(c *gin.Context) {
	var req ledgerdomain.DeductInput
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	entry, err := s.ledgerSvc.Deduct(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

type reverseUsageRequest struct {
	UserID snowflake.ID `json:"user_id" binding:"required"`
}

func (s *Server) ReverseUsage(c *gin.Context) {
	entryID, ok := pathID(c, "entry_id")
	if !ok {
		return
	}

	var req reverseUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	entry, err := s.ledgerSvc.Reverse(c.Request.Context(), req.UserID, entryID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (s *Server) ListUsage(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		abortBadRequest(c, err)
		return
	}

	entries, pageInfo, err := s.ledgerSvc.List(c.Request.Context(), userID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":   entries,
		"page_info": pageInfo,
	})
}

func (s *Server) GetBalance(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}

	bal, err := s.balances.Get(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if bal == nil {
		AbortWithError(c, balancedomain.ErrBalanceNotFound)
		return
	}

	c.JSON(http.StatusOK, bal)
}
