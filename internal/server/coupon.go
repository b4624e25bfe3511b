package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
	frauddomain "github.com/creditrail/creditrail/internal/fraud/domain"
)

type redeemRequest struct {
	coupondomain.RedeemInput
	DeviceFingerprint string `json:"device_fingerprint"`
}

// bindRedeemInput fills the request-derived fraud signals the client
// cannot be trusted to supply. The client IP and device fingerprint
// are hashed here; only the hashes travel further in.
func bindRedeemInput(c *gin.Context) (coupondomain.RedeemInput, bool) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return req.RedeemInput, false
	}
	req.IPHash = frauddomain.HashFingerprint(c.ClientIP())
	req.DeviceHash = frauddomain.HashFingerprint(req.DeviceFingerprint)
	req.UserAgent = c.Request.UserAgent()
	return req.RedeemInput, true
}

func (s *Server) ValidateCoupon(c *gin.Context) {
	req, ok := bindRedeemInput(c)
	if !ok {
		return
	}

	coupon, err := s.couponSvc.Validate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":  true,
		"coupon": coupon,
	})
}

func (s *Server) RedeemCoupon(c *gin.Context) {
	req, ok := bindRedeemInput(c)
	if !ok {
		return
	}

	redemption, err := s.couponSvc.Redeem(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, redemption)
}

type reverseRedemptionRequest struct {
	UserID snowflake.ID `json:"user_id" binding:"required"`
}

func (s *Server) ReverseRedemption(c *gin.Context) {
	redemptionID, ok := pathID(c, "redemption_id")
	if !ok {
		return
	}

	var req reverseRedemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	redemption, err := s.couponSvc.Reverse(c.Request.Context(), req.UserID, redemptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, redemption)
}
