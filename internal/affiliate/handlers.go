package affiliate

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/database"
	"nebulapanel-backend/internal/models"
)

// Handlers exposes the affiliate HTTP surface.
type Handlers struct {
	engine *Engine
}

func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// HandleEnroll creates (or returns) the caller's affiliate record.
func (h *Handlers) HandleEnroll(c *gin.Context) {
	userID := c.GetUint("user_id")

	aff, err := h.engine.Enroll(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enroll in affiliate program"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"affiliate": aff})
}

// HandleGetStats returns the caller's affiliate record and referral count.
func (h *Handlers) HandleGetStats(c *gin.Context) {
	userID := c.GetUint("user_id")

	var aff models.Affiliate
	if err := database.DB.Where("user_id = ?", userID).First(&aff).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not enrolled in affiliate program"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch affiliate record"})
		}
		return
	}

	var referrals int64
	database.DB.Model(&models.Referral{}).Where("affiliate_id = ?", aff.ID).Count(&referrals)

	c.JSON(http.StatusOK, gin.H{
		"affiliate": aff,
		"referrals": referrals,
	})
}

// HandleWithdraw moves earned commission into the user's account credit.
// The balance check and debit are a single conditional update so two
// concurrent withdrawals cannot both drain the same balance.
func (h *Handlers) HandleWithdraw(c *gin.Context) {
	userID := c.GetUint("user_id")

	var req struct {
		Amount float64 `json:"amount" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if min := h.engine.settings.GetFloat("affiliate_min_payout", 0); req.Amount < min {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Minimum withdrawal amount not reached"})
		return
	}

	err := database.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Affiliate{}).
			Where("user_id = ? AND active = ? AND balance >= ?", userID, true, req.Amount).
			Update("balance", gorm.Expr("balance - ?", req.Amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("balance", gorm.Expr("balance + ?", req.Amount)).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Insufficient affiliate balance"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to withdraw affiliate balance"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Balance transferred to account credit"})
}
