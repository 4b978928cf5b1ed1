// Package admin is the operator surface: catalog management, settings,
// users, failed orders, and one-shot triggers for the lifecycle jobs.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/database"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/scheduler"
	"nebulapanel-backend/internal/settings"
)

// Handlers wires the admin endpoints to the settings store and scheduler.
type Handlers struct {
	settings *settings.Store
	sched    *scheduler.Scheduler
}

func NewHandlers(store *settings.Store, sched *scheduler.Scheduler) *Handlers {
	return &Handlers{settings: store, sched: sched}
}

// --- settings ---

// HandleGetSettings returns every persisted setting. Secrets stay readable
// here; the route sits behind the admin middleware.
func (h *Handlers) HandleGetSettings(c *gin.Context) {
	all, err := h.settings.All()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": all})
}

// HandleUpdateSettings upserts a batch of settings.
func (h *Handlers) HandleUpdateSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No settings provided"})
		return
	}

	for key, value := range req {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := h.settings.Set(key, value); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update setting " + key})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Settings updated", "updated": len(req)})
}

// --- plans ---

func (h *Handlers) HandleCreatePlan(c *gin.Context) {
	var plan models.Plan
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if plan.Name == "" || plan.PriceUSD < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Plan needs a name and a non-negative price"})
		return
	}
	if err := database.DB.Create(&plan).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create plan"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan": plan})
}

func (h *Handlers) HandleListPlans(c *gin.Context) {
	var plans []models.Plan
	if err := database.DB.Order("id asc").Find(&plans).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "total": len(plans)})
}

// bindPartialUpdate decodes the body into dest and returns the column names
// the client actually sent. Selecting those columns keeps zero values like
// visible=false or price_usd=0 in the UPDATE, which a plain struct Updates
// would drop. The JSON tags on the catalog models match their column names.
func bindPartialUpdate(c *gin.Context, dest interface{}) ([]string, error) {
	body, err := c.GetRawData()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return nil, err
	}
	var sent map[string]json.RawMessage
	if err := json.Unmarshal(body, &sent); err != nil {
		return nil, err
	}

	cols := make([]string, 0, len(sent))
	for col := range sent {
		switch col {
		case "id", "created_at", "updated_at":
			continue
		}
		cols = append(cols, col)
	}
	return cols, nil
}

func (h *Handlers) HandleUpdatePlan(c *gin.Context) {
	var plan models.Plan
	if err := database.DB.First(&plan, "id = ?", c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Plan not found"})
		return
	}

	var updates models.Plan
	cols, err := bindPartialUpdate(c, &updates)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(cols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No fields provided"})
		return
	}
	if err := database.DB.Model(&plan).Select(cols).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update plan"})
		return
	}
	database.DB.First(&plan, plan.ID)
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// HandleDeletePlan hides a plan instead of deleting it when servers still
// reference it.
func (h *Handlers) HandleDeletePlan(c *gin.Context) {
	id := c.Param("id")

	var inUse int64
	database.DB.Model(&models.ActiveServer{}).Where("plan_id = ?", id).Count(&inUse)
	if inUse > 0 {
		if err := database.DB.Model(&models.Plan{}).Where("id = ?", id).
			Update("visible", false).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hide plan"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Plan has active servers; hidden from the store instead"})
		return
	}

	if err := database.DB.Delete(&models.Plan{}, "id = ?", id).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete plan"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Plan deleted"})
}

// --- locations ---

func (h *Handlers) HandleCreateLocation(c *gin.Context) {
	var loc models.Location
	if err := c.ShouldBindJSON(&loc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if loc.Multiplier <= 0 {
		loc.Multiplier = 1
	}
	if err := database.DB.Create(&loc).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create location"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"location": loc})
}

func (h *Handlers) HandleListLocations(c *gin.Context) {
	var locations []models.Location
	if err := database.DB.Order("id asc").Find(&locations).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch locations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": locations, "total": len(locations)})
}

func (h *Handlers) HandleUpdateLocation(c *gin.Context) {
	var loc models.Location
	if err := database.DB.First(&loc, "id = ?", c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Location not found"})
		return
	}

	var updates models.Location
	cols, err := bindPartialUpdate(c, &updates)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(cols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No fields provided"})
		return
	}
	if err := database.DB.Model(&loc).Select(cols).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update location"})
		return
	}
	database.DB.First(&loc, loc.ID)
	c.JSON(http.StatusOK, gin.H{"location": loc})
}

// --- coupons ---

func (h *Handlers) HandleCreateCoupon(c *gin.Context) {
	var coupon models.Coupon
	if err := c.ShouldBindJSON(&coupon); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	coupon.Code = strings.ToUpper(strings.TrimSpace(coupon.Code))
	if coupon.Code == "" || coupon.Percent <= 0 || coupon.Percent > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Coupon needs a code and a percent between 0 and 100"})
		return
	}
	coupon.Uses = 0
	coupon.Active = true
	if err := database.DB.Create(&coupon).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Coupon code already exists"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"coupon": coupon})
}

func (h *Handlers) HandleListCoupons(c *gin.Context) {
	var coupons []models.Coupon
	if err := database.DB.Order("id asc").Find(&coupons).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch coupons"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"coupons": coupons, "total": len(coupons)})
}

func (h *Handlers) HandleDeactivateCoupon(c *gin.Context) {
	res := database.DB.Model(&models.Coupon{}).Where("id = ?", c.Param("id")).
		Update("active", false)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deactivate coupon"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Coupon not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Coupon deactivated"})
}

// --- users ---

func (h *Handlers) HandleListUsers(c *gin.Context) {
	query := database.DB.Order("id asc")
	if email := c.Query("email"); email != "" {
		query = query.Where("email LIKE ?", "%"+strings.ToLower(email)+"%")
	}

	var users []models.User
	if err := query.Limit(200).Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "total": len(users)})
}

// HandleAdjustBalance credits or debits a user's internal balance. Debits
// are conditional so an adjustment can never push a balance negative.
func (h *Handlers) HandleAdjustBalance(c *gin.Context) {
	var req struct {
		Amount float64 `json:"amount" binding:"required"`
		Reason string  `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	query := database.DB.Model(&models.User{}).Where("id = ?", c.Param("id"))
	if req.Amount < 0 {
		query = query.Where("balance >= ?", -req.Amount)
	}
	res := query.Update("balance", gorm.Expr("balance + ?", req.Amount))
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to adjust balance"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User not found or balance would go negative"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Balance adjusted"})
}

func (h *Handlers) HandleSetUserActive(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := database.DB.Model(&models.User{}).Where("id = ?", c.Param("id")).
		Update("active", *req.Active)
	if res.Error != nil || res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User updated"})
}

// --- servers and orders ---

// HandleListFailedServers returns orders that paid but never provisioned.
func (h *Handlers) HandleListFailedServers(c *gin.Context) {
	var servers []models.ActiveServer
	err := database.DB.Preload("Plan").Preload("User").
		Where("status = ?", models.ServerFailed).Order("updated_at desc").
		Find(&servers).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch failed servers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers, "total": len(servers)})
}

// HandleListRadarResults returns the latest radar verdicts, worst first.
func (h *Handlers) HandleListRadarResults(c *gin.Context) {
	query := database.DB.Order("scanned_at desc")
	if class := c.Query("classification"); class != "" {
		query = query.Where("classification = ?", class)
	}

	var results []models.RadarResult
	if err := query.Limit(500).Find(&results).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch radar results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "total": len(results)})
}

// --- lifecycle job triggers ---

// HandleRunJob triggers one lifecycle job immediately.
func (h *Handlers) HandleRunJob(c *gin.Context) {
	job := c.Param("job")
	ctx := c.Request.Context()

	switch job {
	case "renewal-invoices":
		n, err := h.sched.GenerateRenewalInvoices(ctx)
		respondJob(c, job, n, err)
	case "suspend-overdue":
		n, err := h.sched.SuspendOverdue(ctx)
		respondJob(c, job, n, err)
	case "purge-suspended":
		n, err := h.sched.PurgeSuspended(ctx)
		respondJob(c, job, n, err)
	case "radar-scan":
		respondJob(c, job, 0, h.sched.RunRadar(ctx))
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown job"})
	}
}

func respondJob(c *gin.Context, job string, affected int, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "job": job})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "affected": affected, "message": "Job completed"})
}
