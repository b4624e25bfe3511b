package service

import (
	"context"

	"gorm.io/gorm"

	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
)

// ruleFunc is a named validation hook a coupon can opt into. A non-nil
// error rejects the redemption with the custom_rule reason.
type ruleFunc func(ctx context.Context, tx *gorm.DB, input coupondomain.RedeemInput, c *coupondomain.Coupon) error

// customRules is the registry of known hooks. Unknown names fail
// closed.
var customRules = map[string]ruleFunc{
	"new_users_only": newUsersOnly,
}

// newUsersOnly admits users with no prior redemption of any coupon.
func newUsersOnly(ctx context.Context, tx *gorm.DB, input coupondomain.RedeemInput, _ *coupondomain.Coupon) error {
	var count int64
	err := tx.WithContext(ctx).
		Model(&coupondomain.CouponRedemption{}).
		Where("user_id = ?", input.UserID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return coupondomain.Invalid(coupondomain.ReasonCustomRule)
	}
	return nil
}
