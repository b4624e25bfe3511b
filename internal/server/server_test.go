package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/creditrail/creditrail/internal/balance"
	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	"github.com/creditrail/creditrail/internal/config"
	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
	frauddomain "github.com/creditrail/creditrail/internal/fraud/domain"
	ledgerdomain "github.com/creditrail/creditrail/internal/ledger/domain"
	"github.com/creditrail/creditrail/pkg/db/pagination"
)

type ledgerServiceStub struct {
	deductEntry  *ledgerdomain.UsageLedgerEntry
	deductErr    error
	reverseEntry *ledgerdomain.UsageLedgerEntry
	reverseErr   error
}

func (s *ledgerServiceStub) Deduct(ctx context.Context, input ledgerdomain.DeductInput) (*ledgerdomain.UsageLedgerEntry, error) {
	return s.deductEntry, s.deductErr
}

func (s *ledgerServiceStub) Reverse(ctx context.Context, userID, entryID snowflake.ID) (*ledgerdomain.UsageLedgerEntry, error) {
	return s.reverseEntry, s.reverseErr
}

func (s *ledgerServiceStub) List(ctx context.Context, userID snowflake.ID, p pagination.Pagination) ([]*ledgerdomain.UsageLedgerEntry, *pagination.PageInfo, error) {
	return nil, &pagination.PageInfo{}, nil
}

func (s *ledgerServiceStub) ReconcileStale(ctx context.Context, limit int) (int, error) {
	return 0, nil
}

type couponServiceStub struct {
	redeemErr error
	lastInput coupondomain.RedeemInput
}

func (s *couponServiceStub) Validate(ctx context.Context, input coupondomain.RedeemInput) (*coupondomain.Coupon, error) {
	return &coupondomain.Coupon{Code: input.Code}, nil
}

func (s *couponServiceStub) Redeem(ctx context.Context, input coupondomain.RedeemInput) (*coupondomain.CouponRedemption, error) {
	s.lastInput = input
	if s.redeemErr != nil {
		return nil, s.redeemErr
	}
	return &coupondomain.CouponRedemption{Code: input.Code}, nil
}

func (s *couponServiceStub) Reverse(ctx context.Context, userID, redemptionID snowflake.ID) (*coupondomain.CouponRedemption, error) {
	return nil, coupondomain.ErrNotFound
}

func newTestServer(t *testing.T, ledger ledgerdomain.Service, coupon coupondomain.Service) *Server {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	s := &Server{
		engine:    engine,
		log:       zap.NewNop(),
		ledgerSvc: ledger,
		couponSvc: coupon,
	}
	RegisterRoutes(s)
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestDeductUsage_OK(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	entry := &ledgerdomain.UsageLedgerEntry{
		ID:             node.Generate(),
		RequestID:      "req-1",
		CreditsCharged: 6,
	}
	s := newTestServer(t, &ledgerServiceStub{deductEntry: entry}, &couponServiceStub{})

	w := doJSON(t, s, http.MethodPost, "/v1/usage",
		`{"user_id":"123","request_id":"req-1","model_id":"gpt-large","input_tokens":1000,"output_tokens":500}`)
	require.Equal(t, http.StatusOK, w.Code)

	var got ledgerdomain.UsageLedgerEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(6), got.CreditsCharged)
}

func TestDeductUsage_InsufficientCredits(t *testing.T) {
	s := newTestServer(t, &ledgerServiceStub{deductErr: balancedomain.ErrInsufficientCredits}, &couponServiceStub{})

	w := doJSON(t, s, http.MethodPost, "/v1/usage",
		`{"user_id":"123","request_id":"req-1","model_id":"gpt-large","input_tokens":1000,"output_tokens":500}`)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_credits", resp.Error.Type)
}

func TestDeductUsage_BadBody(t *testing.T) {
	s := newTestServer(t, &ledgerServiceStub{}, &couponServiceStub{})

	w := doJSON(t, s, http.MethodPost, "/v1/usage", `{"request_id":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReverseUsage_NotFound(t *testing.T) {
	s := newTestServer(t, &ledgerServiceStub{reverseErr: ledgerdomain.ErrEntryNotFound}, &couponServiceStub{})

	w := doJSON(t, s, http.MethodPost, "/v1/usage/12345/reverse", `{"user_id":"123"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedeemCoupon_InvalidReason(t *testing.T) {
	s := newTestServer(t, &ledgerServiceStub{}, &couponServiceStub{
		redeemErr: coupondomain.Invalid(coupondomain.ReasonExpired),
	})

	w := doJSON(t, s, http.MethodPost, "/v1/coupons/redeem", `{"user_id":"123","code":"SPRING"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "coupon_invalid", resp.Error.Type)
	assert.Equal(t, coupondomain.ReasonExpired, resp.Error.Message)
}

func TestRedeemCoupon_FraudBlocked(t *testing.T) {
	s := newTestServer(t, &ledgerServiceStub{}, &couponServiceStub{
		redeemErr: coupondomain.ErrFraudSuspected,
	})

	w := doJSON(t, s, http.MethodPost, "/v1/coupons/redeem", `{"user_id":"123","code":"SPRING"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRedeemCoupon_HashesFingerprintsAtEdge(t *testing.T) {
	coupon := &couponServiceStub{}
	s := newTestServer(t, &ledgerServiceStub{}, coupon)

	w := doJSON(t, s, http.MethodPost, "/v1/coupons/redeem",
		`{"user_id":"123","code":"SPRING","device_fingerprint":"raw-device"}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, frauddomain.HashFingerprint("raw-device"), coupon.lastInput.DeviceHash)
	assert.NotEqual(t, "raw-device", coupon.lastInput.DeviceHash)
	assert.NotEmpty(t, coupon.lastInput.IPHash)
	assert.NotContains(t, coupon.lastInput.IPHash, ".")
}

type fraudServiceStub struct {
	lastResolvedBy string
	lastResolution string
}

func (s *fraudServiceStub) Score(ctx context.Context, signals frauddomain.Signals) (*frauddomain.Assessment, error) {
	return &frauddomain.Assessment{}, nil
}

func (s *fraudServiceStub) Flagged(ctx context.Context, userID snowflake.ID, couponCode string) (bool, error) {
	return false, nil
}

func (s *fraudServiceStub) Record(ctx context.Context, signals frauddomain.Signals, assessment *frauddomain.Assessment) {
}

func (s *fraudServiceStub) Review(ctx context.Context, eventID snowflake.ID, resolvedBy, resolution string) (*frauddomain.FraudEvent, error) {
	s.lastResolvedBy = resolvedBy
	s.lastResolution = resolution
	return &frauddomain.FraudEvent{ID: eventID, ResolvedBy: resolvedBy, Resolution: resolution}, nil
}

func (s *fraudServiceStub) ListOpen(ctx context.Context, limit int) ([]*frauddomain.FraudEvent, error) {
	return nil, nil
}

func TestReviewFraudEvent_RecordsReviewer(t *testing.T) {
	fraud := &fraudServiceStub{}
	s := newTestServer(t, &ledgerServiceStub{}, &couponServiceStub{})
	s.fraudSvc = fraud

	w := doJSON(t, s, http.MethodPost, "/v1/fraud/events/12345/review",
		`{"resolved_by":"ops@creditrail.dev","resolution":"confirmed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops@creditrail.dev", fraud.lastResolvedBy)
	assert.Equal(t, frauddomain.ResolutionConfirmed, fraud.lastResolution)

	// The reviewer is part of the audit trail, not optional.
	w = doJSON(t, s, http.MethodPost, "/v1/fraud/events/12345/review",
		`{"resolution":"confirmed"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBalance_UnknownUser(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&balancedomain.CreditBalance{}))

	s := newTestServer(t, &ledgerServiceStub{}, &couponServiceStub{})
	s.balances = balance.NewMutator(balance.MutatorParam{
		DB:  db,
		Log: zap.NewNop(),
		Cfg: config.Config{LockTimeout: 2 * time.Second},
	})

	w := doJSON(t, s, http.MethodGet, "/v1/users/123/balance", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
