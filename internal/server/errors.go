package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
	frauddomain "github.com/creditrail/creditrail/internal/fraud/domain"
	ledgerdomain "github.com/creditrail/creditrail/internal/ledger/domain"
	paymentdomain "github.com/creditrail/creditrail/internal/payment/domain"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	prorationdomain "github.com/creditrail/creditrail/internal/proration/domain"
	tierdomain "github.com/creditrail/creditrail/internal/tier/domain"
)

var ErrInvalidRequest = errors.New("invalid_request")

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// abortBadRequest is used for body and query binding failures so
// malformed input never maps to an internal error.
func abortBadRequest(c *gin.Context, err error) {
	AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
}

func mapError(err error) (int, errorPayload) {
	var invalid *coupondomain.InvalidError
	if errors.As(err, &invalid) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "coupon_invalid",
			Message: invalid.Reason,
		}
	}

	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, balancedomain.ErrInvalidAmount),
		errors.Is(err, pricingdomain.ErrInvalidPrice),
		errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}

	case errors.Is(err, balancedomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}

	case errors.Is(err, paymentdomain.ErrPaymentDeclined):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "payment_declined",
			Message: "payment declined",
		}

	case errors.Is(err, coupondomain.ErrFraudSuspected):
		return http.StatusForbidden, errorPayload{
			Type:    "fraud_suspected",
			Message: "redemption blocked",
		}

	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}

	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}

	case errors.Is(err, pricingdomain.ErrPricingUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "pricing_unavailable",
			Message: "pricing unavailable",
		}

	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, balancedomain.ErrBalanceNotFound),
		errors.Is(err, ledgerdomain.ErrEntryNotFound),
		errors.Is(err, prorationdomain.ErrEventNotFound),
		errors.Is(err, coupondomain.ErrNotFound),
		errors.Is(err, frauddomain.ErrEventNotFound),
		errors.Is(err, tierdomain.ErrTierNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, balancedomain.ErrConcurrentModification),
		errors.Is(err, ledgerdomain.ErrAlreadyReversed),
		errors.Is(err, ledgerdomain.ErrNotReversible),
		errors.Is(err, prorationdomain.ErrAlreadyReversed),
		errors.Is(err, prorationdomain.ErrSameTier),
		errors.Is(err, coupondomain.ErrAlreadyReversed):
		return true
	default:
		return false
	}
}
