// Package tickets is the support-ticket surface.
package tickets

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/database"
	"nebulapanel-backend/internal/models"
)

// HandleCreateTicket opens a ticket with its first message.
func HandleCreateTicket(c *gin.Context) {
	userID := c.GetUint("user_id")

	var req struct {
		Subject string `json:"subject" binding:"required,min=3,max=128"`
		Body    string `json:"body" binding:"required,min=3"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket := models.Ticket{
		UserID:  userID,
		Subject: req.Subject,
		Status:  "open",
	}
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ticket).Error; err != nil {
			return err
		}
		return tx.Create(&models.TicketMessage{
			TicketID: ticket.ID,
			UserID:   userID,
			Body:     req.Body,
		}).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create ticket"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"ticket": ticket})
}

// HandleListTickets returns the caller's tickets; admins see all.
func HandleListTickets(c *gin.Context) {
	userID := c.GetUint("user_id")
	role := c.GetString("role")

	query := database.DB.Order("updated_at desc")
	if role != "admin" {
		query = query.Where("user_id = ?", userID)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var tickets []models.Ticket
	if err := query.Find(&tickets).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch tickets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "total": len(tickets)})
}

func loadTicket(c *gin.Context) (*models.Ticket, bool) {
	userID := c.GetUint("user_id")
	role := c.GetString("role")
	id := c.Param("id")

	query := database.DB.Preload("Messages")
	if role != "admin" {
		query = query.Where("user_id = ?", userID)
	}

	var ticket models.Ticket
	if err := query.First(&ticket, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Ticket not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch ticket"})
		}
		return nil, false
	}
	return &ticket, true
}

// HandleGetTicket returns a ticket with its messages.
func HandleGetTicket(c *gin.Context) {
	ticket, ok := loadTicket(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket})
}

// HandleReplyTicket appends a message. A staff reply marks the ticket
// answered; a user reply reopens it.
func HandleReplyTicket(c *gin.Context) {
	ticket, ok := loadTicket(c)
	if !ok {
		return
	}
	if ticket.Status == "closed" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ticket is closed"})
		return
	}

	var req struct {
		Body string `json:"body" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	staff := c.GetString("role") == "admin"
	status := "open"
	if staff {
		status = "answered"
	}

	err := database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.TicketMessage{
			TicketID: ticket.ID,
			UserID:   c.GetUint("user_id"),
			Staff:    staff,
			Body:     req.Body,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
			Update("status", status).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add reply"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Reply added"})
}

// HandleCloseTicket closes a ticket.
func HandleCloseTicket(c *gin.Context) {
	ticket, ok := loadTicket(c)
	if !ok {
		return
	}

	if err := database.DB.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
		Update("status", "closed").Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to close ticket"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Ticket closed"})
}
