package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/coursewallet/wallet-service/internal/auth"
	"github.com/coursewallet/wallet-service/internal/coupon"
	"github.com/coursewallet/wallet-service/internal/discount"
	"github.com/coursewallet/wallet-service/internal/wallet"
)

// AdminHandler handles admin-only endpoints.
type AdminHandler struct {
	userSvc     auth.UserService
	walletSvc   wallet.Service
	couponSvc   *coupon.Service
	discountSvc *discount.Service
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(userSvc auth.UserService, walletSvc wallet.Service, couponSvc *coupon.Service, discountSvc *discount.Service) *AdminHandler {
	return &AdminHandler{
		userSvc:     userSvc,
		walletSvc:   walletSvc,
		couponSvc:   couponSvc,
		discountSvc: discountSvc,
	}
}

// RegisterRoutes registers admin routes on the admin group.
func (h *AdminHandler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.PUT("/users/:id/status", h.SetUserStatus)
	admin.POST("/users/:id/credits", h.AddCredits)
	admin.GET("/users/:id/transactions", h.UserTransactions)
	admin.GET("/users/:id/audit", h.AuditBalance)
	admin.POST("/coupons", h.CreateCoupon)
	admin.GET("/coupons", h.ListCoupons)
	admin.GET("/coupons/:code/usages", h.CouponUsages)
	admin.POST("/discounts", h.CreateTier)
	admin.GET("/discounts", h.ListTiers)
}

// ─────────────────────────────────────────────
// PUT /api/v1/admin/users/:id/status
// ─────────────────────────────────────────────

type SetUserStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active banned suspended"`
}

// SetUserStatus updates a user's account status (admin-only).
// Valid statuses: active, banned, suspended.
func (h *AdminHandler) SetUserStatus(c *gin.Context) {
	userID := c.Param("id")

	var req SetUserStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.userSvc.SetStatus(c.Request.Context(), userID, req.Status); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "status updated to " + req.Status})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/credits
// ─────────────────────────────────────────────

type AddCreditsRequest struct {
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Kind     string          `json:"kind" binding:"omitempty,oneof=refundable nonrefundable freegift"`
	Category string          `json:"category"`
	Remark   string          `json:"remark"`
}

// AddCredits adds credit to a user's wallet (admin-only). Kind picks
// the pool, refundable by default.
func (h *AdminHandler) AddCredits(c *gin.Context) {
	userID := c.Param("id")

	var req AddCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := wallet.CreditKind(req.Kind)
	if kind == "" {
		kind = wallet.KindRefundable
	}
	remark := req.Remark
	if remark == "" {
		remark = "credit added by administrator"
	}

	bal, err := h.walletSvc.Credit(c.Request.Context(), userID, req.Amount, kind, req.Category, remark)
	if err != nil {
		writePurchaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "balance": bal.Total()})
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/users/:id/transactions
// ─────────────────────────────────────────────

// UserTransactions lists any user's ledger (admin-only). Shares the
// query grammar of the owner-facing listing.
func (h *AdminHandler) UserTransactions(c *gin.Context) {
	q := wallet.Query{
		UserID:  c.Param("id"),
		Type:    wallet.TransactionType(c.Query("type")),
		SortKey: c.Query("sort"),
		SortAsc: c.Query("dir") == "asc",
		Limit:   intQuery(c, "limit", 50),
		Offset:  intQuery(c, "offset", 0),
	}

	txns, err := h.walletSvc.Transactions(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/users/:id/audit
// ─────────────────────────────────────────────

// AuditBalance replays the user's full ledger from zero and reports
// the reconstructed totals next to the stored balance, so drift is
// visible without touching the database directly.
func (h *AdminHandler) AuditBalance(c *gin.Context) {
	userID := c.Param("id")
	ctx := c.Request.Context()

	bal, err := h.walletSvc.Get(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get balance"})
		return
	}

	total, norefund, err := h.walletSvc.Replay(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stored_total":      bal.Total(),
		"stored_norefund":   bal.NonrefundTotal(),
		"replayed_total":    total,
		"replayed_norefund": norefund,
		"consistent":        bal.Total().Equal(total) && bal.NonrefundTotal().Equal(norefund),
	})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/coupons
// ─────────────────────────────────────────────

// CreateCoupon stores a new coupon definition (admin-only).
func (h *AdminHandler) CreateCoupon(c *gin.Context) {
	var cp coupon.Coupon
	if err := c.ShouldBindJSON(&cp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.couponSvc.Create(c.Request.Context(), &cp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, cp)
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/coupons
// ─────────────────────────────────────────────

// ListCoupons returns all coupons, newest first (admin-only).
func (h *AdminHandler) ListCoupons(c *gin.Context) {
	coupons, err := h.couponSvc.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list coupons"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"coupons": coupons})
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/coupons/:code/usages
// ─────────────────────────────────────────────

// CouponUsages returns the redemption history of a code (admin-only).
func (h *AdminHandler) CouponUsages(c *gin.Context) {
	usages, err := h.couponSvc.Usages(c.Request.Context(), c.Param("code"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list usages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usages": usages})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/discounts
// ─────────────────────────────────────────────

// CreateTier stores a new conditional discount tier (admin-only).
func (h *AdminHandler) CreateTier(c *gin.Context) {
	var t discount.Tier
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.discountSvc.Create(c.Request.Context(), &t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, t)
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/discounts
// ─────────────────────────────────────────────

// ListTiers returns all discount tiers, newest first (admin-only).
func (h *AdminHandler) ListTiers(c *gin.Context) {
	tiers, err := h.discountSvc.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list discounts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"discounts": tiers})
}
