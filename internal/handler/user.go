package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/coursewallet/wallet-service/internal/auth"
	"github.com/coursewallet/wallet-service/internal/config"
	appctx "github.com/coursewallet/wallet-service/internal/context"
	"github.com/coursewallet/wallet-service/internal/coupon"
	"github.com/coursewallet/wallet-service/internal/model"
	"github.com/coursewallet/wallet-service/internal/referral"
	"github.com/coursewallet/wallet-service/internal/service"
	"github.com/coursewallet/wallet-service/internal/wallet"
)

// UserHandler handles user-facing wallet endpoints.
type UserHandler struct {
	userSvc     auth.UserService
	walletSvc   wallet.Service
	referralSvc *referral.Service
	svc         *service.WalletService
	cfg         *config.Config
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(userSvc auth.UserService, walletSvc wallet.Service, referralSvc *referral.Service, svc *service.WalletService, cfg *config.Config) *UserHandler {
	return &UserHandler{
		userSvc:     userSvc,
		walletSvc:   walletSvc,
		referralSvc: referralSvc,
		svc:         svc,
		cfg:         cfg,
	}
}

// RegisterRoutes registers user routes on the api group.
func (h *UserHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/me", h.Me)
	api.POST("/me/reset-key", h.ResetAPIKey)
	api.GET("/me/balance", h.MyBalance)
	api.GET("/me/transactions", h.MyTransactions)
	api.GET("/me/referral", h.MyReferralCode)
	api.POST("/topup/quote", h.QuoteTopup)
	api.POST("/purchase", h.Purchase)
	api.POST("/coupons/check", h.CheckCoupon)
}

// ─────────────────────────────────────────────
// GET /api/v1/me
// ─────────────────────────────────────────────

// Me returns the authenticated user's profile with the wallet total.
func (h *UserHandler) Me(c *gin.Context) {
	user := appctx.MustGetUser(c)

	total, err := h.walletSvc.Total(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":     user,
		"balance":  total,
		"currency": h.cfg.Currency,
	})
}

// ─────────────────────────────────────────────
// POST /api/v1/me/reset-key
// ─────────────────────────────────────────────

type ResetKeyResponse struct {
	APIKey string `json:"api_key"`
}

// ResetAPIKey regenerates the user's API key.
func (h *UserHandler) ResetAPIKey(c *gin.Context) {
	user := appctx.MustGetUser(c)

	updatedUser, err := h.userSvc.ResetAPIKey(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset api key"})
		return
	}

	c.JSON(http.StatusOK, ResetKeyResponse{
		APIKey: updatedUser.APIKey,
	})
}

// ─────────────────────────────────────────────
// GET /api/v1/me/balance
// ─────────────────────────────────────────────

// MyBalance returns the full wallet snapshot: total, per-pool amounts
// and the category sub-balances.
func (h *UserHandler) MyBalance(c *gin.Context) {
	user := appctx.MustGetUser(c)

	bal, err := h.walletSvc.Get(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get balance"})
		return
	}

	c.JSON(http.StatusOK, model.BalanceResponse{
		Total:         bal.Total(),
		Refundable:    bal.Refundable,
		Nonrefundable: bal.Nonrefundable,
		FreeGift:      bal.FreeGift,
		Categories:    bal.Categories(),
	})
}

// ─────────────────────────────────────────────
// GET /api/v1/me/transactions
// ─────────────────────────────────────────────

// MyTransactions lists the user's ledger entries. Query parameters:
// type (credit|debit), from/to (unix seconds), amount, sort (column
// name), dir (asc|desc), limit, offset. Unknown sort columns fall
// back to newest-first.
func (h *UserHandler) MyTransactions(c *gin.Context) {
	user := appctx.MustGetUser(c)

	q := wallet.Query{
		UserID:  user.ID,
		Type:    wallet.TransactionType(c.Query("type")),
		SortKey: c.Query("sort"),
		SortAsc: c.Query("dir") == "asc",
		Limit:   intQuery(c, "limit", 50),
		Offset:  intQuery(c, "offset", 0),
	}
	if v := c.Query("from"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.From = time.Unix(ts, 0)
		}
	}
	if v := c.Query("to"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.To = time.Unix(ts, 0)
		}
	}
	if v := c.Query("amount"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			q.Amount = &d
		}
	}

	txns, err := h.walletSvc.Transactions(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// ─────────────────────────────────────────────
// GET /api/v1/me/referral
// ─────────────────────────────────────────────

// MyReferralCode returns the user's referral code, generating it on
// first call.
func (h *UserHandler) MyReferralCode(c *gin.Context) {
	user := appctx.MustGetUser(c)

	if !h.referralSvc.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "referral program not enabled"})
		return
	}

	code, err := h.referralSvc.IssueCode(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue referral code"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": code})
}

// ─────────────────────────────────────────────
// POST /api/v1/topup/quote
// ─────────────────────────────────────────────

// QuoteTopup resolves the discount tier for a top-up value and
// returns the cash to collect plus the payable item id the gateway
// references on confirmation.
func (h *UserHandler) QuoteTopup(c *gin.Context) {
	var req model.TopupQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := appctx.MustGetUser(c)

	resp, err := h.svc.QuoteTopup(c.Request.Context(), user.ID, &req)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "top-up value must be positive"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to quote top-up"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// POST /api/v1/purchase
// ─────────────────────────────────────────────

// Purchase debits the wallet for an enrolment instance, applying the
// coupon travelling with the request and crediting cashback.
func (h *UserHandler) Purchase(c *gin.Context) {
	var req model.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := appctx.MustGetUser(c)

	resp, err := h.svc.Purchase(c.Request.Context(), user.ID, &req)
	if err != nil {
		writePurchaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// POST /api/v1/coupons/check
// ─────────────────────────────────────────────

// CheckCoupon validates a code without consuming a use.
func (h *UserHandler) CheckCoupon(c *gin.Context) {
	var req model.CouponCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := appctx.MustGetUser(c)

	resp, err := h.svc.CheckCoupon(c.Request.Context(), user.ID, &req)
	if err != nil {
		writePurchaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// writePurchaseError maps the spending-flow sentinel errors to HTTP
// statuses.
func writePurchaseError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, coupon.ErrCouponNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, coupon.ErrCouponExpired),
		errors.Is(err, coupon.ErrCouponNotApplicable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, coupon.ErrCouponUsageExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrConcurrencyConflict):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "wallet busy, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// intQuery parses an integer query parameter with a fallback.
func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}
