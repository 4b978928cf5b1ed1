package orders

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/database"
	apperrors "nebulapanel-backend/internal/errors"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/pkg/utils"
)

// Handlers exposes the checkout and server HTTP surface.
type Handlers struct {
	orch *Orchestrator
}

func NewHandlers(orch *Orchestrator) *Handlers {
	return &Handlers{orch: orch}
}

// HandleQuote returns a checkout price preview.
func (h *Handlers) HandleQuote(c *gin.Context) {
	userID := c.GetUint("user_id")

	var req struct {
		PlanID     uint   `form:"plan_id" binding:"required"`
		LocationID uint   `form:"location_id" binding:"required"`
		CouponCode string `form:"coupon_code"`
		Currency   string `form:"currency"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	if err := database.DB.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	quote, err := h.orch.Price(&user, req.PlanID, req.LocationID, req.CouponCode, req.Currency)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// HandleCheckout starts a purchase.
func (h *Handlers) HandleCheckout(c *gin.Context) {
	userID := c.GetUint("user_id")

	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.orch.StartCheckout(c.Request.Context(), userID, req)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleCallback is the unauthenticated gateway return URL. Only the
// merchant order id is read from the request; settlement is verified
// against the gateway before anything happens.
func (h *Handlers) HandleCallback(c *gin.Context) {
	orderID := c.Query("order_id")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing order_id"})
		return
	}

	result, err := h.orch.HandleCallback(c.Request.Context(), orderID)
	if err != nil {
		if result != nil && result.Status == "provision_failed" {
			// Money is settled; the buyer gets a support path, not a retry.
			c.JSON(http.StatusOK, gin.H{
				"order_id": result.OrderID,
				"status":   result.Status,
				"message":  "Payment received. Server setup hit a problem and our team has been notified.",
			})
			return
		}
		utils.CaptureSentryError(c, err, "order callback failed", map[string]interface{}{"order_id": orderID})
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleListServers returns the caller's servers.
func (h *Handlers) HandleListServers(c *gin.Context) {
	userID := c.GetUint("user_id")

	var servers []models.ActiveServer
	if err := database.DB.Preload("Plan").Preload("Location").
		Where("user_id = ?", userID).Order("created_at desc").Find(&servers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch servers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers, "total": len(servers)})
}

// HandleGetServer returns one of the caller's servers.
func (h *Handlers) HandleGetServer(c *gin.Context) {
	userID := c.GetUint("user_id")
	id := c.Param("id")

	var server models.ActiveServer
	err := database.DB.Preload("Plan").Preload("Location").
		Where("id = ? AND user_id = ?", id, userID).First(&server).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Server not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch server"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": server})
}

// HandleCancelServer marks a server cancelled. It stays up until its paid
// term ends; the purge job removes it afterwards.
func (h *Handlers) HandleCancelServer(c *gin.Context) {
	userID := c.GetUint("user_id")
	id := c.Param("id")

	res := database.DB.Model(&models.ActiveServer{}).
		Where("id = ? AND user_id = ? AND status IN ?", id, userID,
			[]string{models.ServerActive, models.ServerSuspended}).
		Update("status", models.ServerCancelled)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel server"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Server not found or not cancellable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Server cancelled; it will be removed at the end of the paid period"})
}

// HandleRetryProvision re-runs provisioning on a failed order. Admin only.
func (h *Handlers) HandleRetryProvision(c *gin.Context) {
	var req struct {
		ServerID uint `json:"server_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	server, err := h.orch.RetryProvision(c.Request.Context(), req.ServerID)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": server, "message": "Provisioning retry succeeded"})
}

func respondOrderError(c *gin.Context, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		utils.CaptureSentryError(c, err, "order operation failed", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	status := http.StatusBadRequest
	switch appErr.Code {
	case "GATEWAY_NOT_CONFIGURED", "GATEWAY_UNAVAILABLE", "PANEL_UNAVAILABLE":
		status = http.StatusServiceUnavailable
	case "INSUFFICIENT_FUNDS", "PAYMENT_DECLINED":
		status = http.StatusPaymentRequired
	case "PLAN_NOT_FOUND", "LOCATION_NOT_FOUND", "ORDER_NOT_FOUND", "SERVER_NOT_FOUND", "INVOICE_NOT_FOUND":
		status = http.StatusNotFound
	case "UNAUTHORIZED":
		status = http.StatusUnauthorized
	case "PROVISION_FAILED":
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": appErr.Message, "code": appErr.Code})
}
