// Package invoices serves the user-facing invoice surface: listing and
// paying renewal invoices with internal credit or an external gateway.
package invoices

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/database"
	apperrors "nebulapanel-backend/internal/errors"
	"nebulapanel-backend/internal/gateway"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/orders"
	"nebulapanel-backend/internal/settings"
)

// Handlers exposes invoice listing and renewal payment.
type Handlers struct {
	orch     *orders.Orchestrator
	gateways *gateway.Registry
	settings *settings.Store
}

func NewHandlers(orch *orders.Orchestrator, reg *gateway.Registry, store *settings.Store) *Handlers {
	return &Handlers{orch: orch, gateways: reg, settings: store}
}

// HandleListInvoices returns the caller's invoices, newest first.
func (h *Handlers) HandleListInvoices(c *gin.Context) {
	userID := c.GetUint("user_id")

	query := database.DB.Where("user_id = ?", userID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var invoices []models.Invoice
	if err := query.Order("created_at desc").Find(&invoices).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch invoices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices, "total": len(invoices)})
}

// HandleGetInvoice returns one of the caller's invoices.
func (h *Handlers) HandleGetInvoice(c *gin.Context) {
	userID := c.GetUint("user_id")
	id := c.Param("id")

	var invoice models.Invoice
	err := database.DB.Where("id = ? AND user_id = ?", id, userID).First(&invoice).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch invoice"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": invoice})
}

// HandlePayInvoice settles a pending renewal invoice. Internal credit
// settles inline; external gateways hand back a redirect and finish through
// the shared order callback.
func (h *Handlers) HandlePayInvoice(c *gin.Context) {
	userID := c.GetUint("user_id")
	id := c.Param("id")

	var req struct {
		Gateway string `json:"gateway" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var invoice models.Invoice
	err := database.DB.Where("id = ? AND user_id = ?", id, userID).First(&invoice).Error
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
		return
	}
	if invoice.Status != models.InvoicePending {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invoice is already settled"})
		return
	}

	gw, err := h.gateways.ForName(req.Gateway)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown payment gateway"})
		return
	}
	if !gw.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": apperrors.ErrGatewayNotConfigured.Message})
		return
	}

	if gw.Name() == "balance" {
		h.payWithBalance(c, &invoice)
		return
	}

	var user models.User
	if err := database.DB.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	orderID := uuid.NewString()
	base := h.settings.Get("app_url", "http://localhost:8080")
	init, err := gw.Initiate(c.Request.Context(), gateway.OrderContext{
		OrderID:     orderID,
		UserID:      user.ID,
		Email:       user.Email,
		Amount:      invoice.CurrencyAmount,
		AmountUSD:   invoice.AmountUSD,
		Currency:    invoice.CurrencyCode,
		Description: fmt.Sprintf("Renewal invoice #%d", invoice.ID),
		CallbackURL: base + "/api/v1/orders/callback",
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Could not start payment"})
		return
	}

	pending := models.PendingPayment{
		OrderID:      orderID,
		Gateway:      gw.Name(),
		GatewayRef:   init.Reference,
		UserID:       user.ID,
		Type:         models.InvoiceRenewal,
		InvoiceID:    &invoice.ID,
		FinalPrice:   invoice.CurrencyAmount,
		PriceUSD:     invoice.AmountUSD,
		CurrencyCode: invoice.CurrencyCode,
		Status:       models.PendingOpen,
	}
	if err := database.DB.Create(&pending).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start payment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":     orderID,
		"status":       "redirect",
		"redirect_url": init.RedirectURL,
	})
}

// payWithBalance debits internal credit and settles inline. The debit is a
// conditional update; if the invoice turns out to be settled concurrently
// the debit is reversed.
func (h *Handlers) payWithBalance(c *gin.Context, invoice *models.Invoice) {
	res := database.DB.Model(&models.User{}).
		Where("id = ? AND balance >= ?", invoice.UserID, invoice.AmountUSD).
		Update("balance", gorm.Expr("balance - ?", invoice.AmountUSD))
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process payment"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": apperrors.ErrInsufficientFunds.Message})
		return
	}

	settled, err := h.orch.SettleRenewalInvoice(c.Request.Context(), invoice.ID, "balance")
	if err != nil {
		if refundErr := database.DB.Model(&models.User{}).
			Where("id = ?", invoice.UserID).
			Update("balance", gorm.Expr("balance + ?", invoice.AmountUSD)).Error; refundErr != nil {
			logrus.WithError(refundErr).Errorf("Failed to refund balance for invoice %d", invoice.ID)
		}
		c.JSON(http.StatusConflict, gin.H{"error": "Invoice could not be settled"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoice": settled, "message": "Invoice paid"})
}
