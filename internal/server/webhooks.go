package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody caps webhook payload reads at 64 KiB, matching
// Stripe's own delivery limit.
const maxWebhookBody = 64 << 10

func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		abortBadRequest(c, err)
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if err := s.webhooks.HandleStripe(c.Request.Context(), payload, signature); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
