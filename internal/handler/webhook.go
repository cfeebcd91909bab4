package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/coursewallet/wallet-service/internal/gateway"
	"github.com/coursewallet/wallet-service/internal/model"
	"github.com/coursewallet/wallet-service/internal/service"
	"github.com/coursewallet/wallet-service/internal/wallet"
)

// WebhookHandler handles signed callbacks from the payment gateway
// and the host learning platform.
type WebhookHandler struct {
	svc  *service.WalletService
	auth *gateway.Authenticator
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(svc *service.WalletService, auth *gateway.Authenticator) *WebhookHandler {
	return &WebhookHandler{svc: svc, auth: auth}
}

// RegisterRoutes registers webhook routes on the Gin engine. The
// endpoints authenticate via an ED25519 body signature, not API keys.
func (h *WebhookHandler) RegisterRoutes(r *gin.Engine) {
	hooks := r.Group("/hooks/v1")
	{
		hooks.POST("/payment-confirmed", h.PaymentConfirmed)
		hooks.POST("/course-completed", h.CourseCompleted)
	}
}

// verifiedBody reads the raw request body and checks the
// X-Gateway-Signature header against it. Returns nil after writing
// the error response when verification fails.
func (h *WebhookHandler) verifiedBody(c *gin.Context) []byte {
	sig := c.GetHeader("X-Gateway-Signature")
	if sig == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Gateway-Signature header required"})
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return nil
	}

	if err := h.auth.VerifyBody(body, sig); err != nil {
		log.Warnf("[handler] webhook signature rejected: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return nil
	}
	return body
}

// ─────────────────────────────────────────────
// POST /hooks/v1/payment-confirmed
// ─────────────────────────────────────────────

// PaymentConfirmed credits a quoted top-up once the gateway confirms
// the funds. Idempotent: a redelivered event finds the item already
// consumed and reports the current balance without crediting again.
func (h *WebhookHandler) PaymentConfirmed(c *gin.Context) {
	body := h.verifiedBody(c)
	if body == nil {
		return
	}

	var ev model.PaymentConfirmedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event payload"})
		return
	}
	if ev.ItemID == 0 || ev.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "itemid and userid are required"})
		return
	}

	bal, err := h.svc.HandlePaymentConfirmed(c.Request.Context(), &ev)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrItemNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrItemMismatch):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, wallet.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process payment"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": bal.Total()})
}

// ─────────────────────────────────────────────
// POST /hooks/v1/course-completed
// ─────────────────────────────────────────────

// CourseCompleted credits the graded completion award. Idempotent:
// redelivered events report amount zero.
func (h *WebhookHandler) CourseCompleted(c *gin.Context) {
	body := h.verifiedBody(c)
	if body == nil {
		return
	}

	var ev model.CourseCompletionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event payload"})
		return
	}
	if ev.UserID == "" || ev.InstanceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userid and instanceid are required"})
		return
	}

	amount, err := h.svc.HandleCourseCompletion(c.Request.Context(), &ev)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process completion"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"awarded": amount})
}
