package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"nebulapanel-backend/internal/affiliate"
	"nebulapanel-backend/internal/database"
	"nebulapanel-backend/internal/models"
)

// Handlers exposes registration, login, and profile endpoints.
type Handlers struct {
	affiliates *affiliate.Engine
}

func NewHandlers(aff *affiliate.Engine) *Handlers {
	return &Handlers{affiliates: aff}
}

type registerRequest struct {
	Email        string `json:"email" binding:"required,email"`
	Password     string `json:"password" binding:"required,min=8"`
	Name         string `json:"name" binding:"required,min=2,max=64"`
	ReferralCode string `json:"referral_code"`
}

// HandleRegister creates a user account. A valid referral code links the
// account to its referrer; a bad code is ignored silently.
func (h *Handlers) HandleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var count int64
	database.DB.Model(&models.User{}).Where("email = ?", email).Count(&count)
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "An account with this email already exists"})
		return
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
		return
	}

	user := models.User{
		Email:             email,
		Password:          hashed,
		Name:              strings.TrimSpace(req.Name),
		Role:              "user",
		Active:            true,
		PreferredCurrency: "USD",
	}
	if err := database.DB.Create(&user).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
		return
	}

	if req.ReferralCode != "" {
		if referrerID := h.affiliates.RecordSignup(req.ReferralCode, user.ID); referrerID != nil {
			database.DB.Model(&models.User{}).Where("id = ?", user.ID).
				Update("referred_by", *referrerID)
		}
	}

	token, expiry, err := GenerateToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	logrus.WithField("user_id", user.ID).Info("User registered")
	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"expires_at": expiry,
		"user":       user,
	})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// HandleLogin authenticates a user and issues a token.
func (h *Handlers) HandleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	err := database.DB.Where("email = ?", strings.ToLower(strings.TrimSpace(req.Email))).First(&user).Error
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	if IsAccountLocked(&user) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Account is temporarily locked, try again later"})
		return
	}

	if !CheckPassword(req.Password, user.Password) {
		if err := RecordFailedLogin(database.DB, &user); err != nil {
			logrus.WithError(err).Warn("Failed to record failed login")
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	if !user.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "User account is disabled"})
		return
	}

	if err := RecordSuccessfulLogin(database.DB, &user); err != nil {
		logrus.WithError(err).Warn("Failed to reset login counters")
	}

	token, expiry, err := GenerateToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiry,
		"user":       user,
	})
}

// HandleLogout revokes the current token.
func (h *Handlers) HandleLogout(c *gin.Context) {
	token := c.GetString("token")
	userID := c.GetUint("user_id")
	expiry, _ := c.Get("token_expiry")

	exp, ok := expiry.(time.Time)
	if !ok {
		exp = time.Now().Add(24 * time.Hour)
	}
	BlacklistToken(database.DB, token, userID, exp)

	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// HandleMe returns the authenticated user's profile.
func (h *Handlers) HandleMe(c *gin.Context) {
	userID := c.GetUint("user_id")

	var user models.User
	if err := database.DB.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

type updateProfileRequest struct {
	Name              string `json:"name"`
	PreferredCurrency string `json:"preferred_currency"`
	Password          string `json:"password"`
	CurrentPassword   string `json:"current_password"`
}

// HandleUpdateProfile updates name, display currency, or password. A
// password change requires the current password.
func (h *Handlers) HandleUpdateProfile(c *gin.Context) {
	userID := c.GetUint("user_id")

	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	if err := database.DB.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	updates := map[string]interface{}{}
	if name := strings.TrimSpace(req.Name); name != "" {
		updates["name"] = name
	}
	if code := strings.ToUpper(strings.TrimSpace(req.PreferredCurrency)); code != "" {
		updates["preferred_currency"] = code
	}
	if req.Password != "" {
		if len(req.Password) < 8 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Password must be at least 8 characters"})
			return
		}
		if !CheckPassword(req.CurrentPassword, user.Password) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Current password is incorrect"})
			return
		}
		hashed, err := HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update password"})
			return
		}
		updates["password"] = hashed
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to update"})
		return
	}

	if err := database.DB.Model(&user).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update profile"})
		return
	}

	database.DB.First(&user, userID)
	c.JSON(http.StatusOK, gin.H{"user": user})
}
