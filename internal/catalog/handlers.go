// Package catalog serves the public storefront data: purchasable plans,
// regions, and the currencies prices can be shown in.
package catalog

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"nebulapanel-backend/internal/database"
	"nebulapanel-backend/internal/gateway"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/settings"
)

// Handlers exposes the read-only storefront endpoints.
type Handlers struct {
	settings *settings.Store
	gateways *gateway.Registry
}

func NewHandlers(store *settings.Store, reg *gateway.Registry) *Handlers {
	return &Handlers{settings: store, gateways: reg}
}

// HandleListPlans returns plans visible to buyers.
func (h *Handlers) HandleListPlans(c *gin.Context) {
	var plans []models.Plan
	if err := database.DB.Where("visible = ?", true).Order("price_usd asc").Find(&plans).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "total": len(plans)})
}

// HandleListLocations returns purchasable regions.
func (h *Handlers) HandleListLocations(c *gin.Context) {
	var locations []models.Location
	if err := database.DB.Where("public = ?", true).Order("name asc").Find(&locations).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch locations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": locations, "total": len(locations)})
}

// HandleCheckoutOptions returns what the checkout form needs: enabled
// gateways and supported display currencies.
func (h *Handlers) HandleCheckoutOptions(c *gin.Context) {
	currencies := h.settings.GetList("supported_currencies")
	if len(currencies) == 0 {
		currencies = []string{"USD"}
	}

	var gateways []string
	for _, name := range h.gateways.Names() {
		gw, err := h.gateways.ForName(name)
		if err != nil || !gw.Configured() {
			continue
		}
		gateways = append(gateways, name)
	}

	c.JSON(http.StatusOK, gin.H{
		"gateways":   gateways,
		"currencies": currencies,
	})
}
