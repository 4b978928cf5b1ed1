// Package affiliate tracks referral signups and credits commissions on
// completed purchases.
package affiliate

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/settings"
)

// Engine credits commissions. Callers invoke ProcessCommission exactly once
// per settled purchase; the engine does not deduplicate on its own.
type Engine struct {
	db       *gorm.DB
	settings *settings.Store
}

func NewEngine(db *gorm.DB, store *settings.Store) *Engine {
	return &Engine{db: db, settings: store}
}

// Enroll creates an affiliate record for a user with a fresh referral code.
// Enrolling twice returns the existing record.
func (e *Engine) Enroll(userID uint) (*models.Affiliate, error) {
	var existing models.Affiliate
	err := e.db.Where("user_id = ?", userID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("look up affiliate: %w", err)
	}

	aff := models.Affiliate{
		UserID: userID,
		Code:   strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		Active: true,
	}
	if err := e.db.Create(&aff).Error; err != nil {
		return nil, fmt.Errorf("create affiliate: %w", err)
	}
	return &aff, nil
}

// RecordSignup links a newly registered user to the affiliate owning code.
// Unknown or inactive codes are ignored so registration never fails on a
// stale referral link.
func (e *Engine) RecordSignup(code string, newUserID uint) *uint {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}

	var aff models.Affiliate
	if err := e.db.Where("code = ? AND active = ?", code, true).First(&aff).Error; err != nil {
		return nil
	}
	if aff.UserID == newUserID {
		return nil
	}

	ref := models.Referral{AffiliateID: aff.ID, ReferredUserID: newUserID}
	if err := e.db.Create(&ref).Error; err != nil {
		// uniqueIndex on referred_user_id: a user is referred at most once
		logrus.Warnf("Failed to record referral for user %d: %v", newUserID, err)
		return nil
	}
	return &aff.UserID
}

// ProcessCommission credits the buyer's referrer a percentage of a settled
// invoice, in USD. A buyer without a referrer, or a referrer without an
// active affiliate account, is a no-op.
func (e *Engine) ProcessCommission(invoiceID uint) {
	var invoice models.Invoice
	if err := e.db.First(&invoice, invoiceID).Error; err != nil {
		logrus.Errorf("Commission skipped, invoice %d could not be loaded: %v", invoiceID, err)
		return
	}
	if invoice.AmountUSD <= 0 {
		return
	}

	var buyer models.User
	if err := e.db.First(&buyer, invoice.UserID).Error; err != nil {
		logrus.Errorf("Commission skipped, invoice %d references missing user %d", invoiceID, invoice.UserID)
		return
	}
	if buyer.ReferredBy == nil {
		return
	}

	var aff models.Affiliate
	if err := e.db.Where("user_id = ?", *buyer.ReferredBy).First(&aff).Error; err != nil {
		return
	}
	if !aff.Active {
		return
	}

	rate := aff.RatePercent
	if rate <= 0 {
		rate = e.settings.GetFloat("affiliate_default_rate", 5)
	}
	commission := math.Round(invoice.AmountUSD*rate) / 100

	err := e.db.Model(&models.Affiliate{}).
		Where("id = ?", aff.ID).
		Updates(map[string]interface{}{
			"balance":      gorm.Expr("balance + ?", commission),
			"total_earned": gorm.Expr("total_earned + ?", commission),
		}).Error
	if err != nil {
		logrus.Errorf("Failed to credit commission to affiliate %d: %v", aff.ID, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"affiliate_id": aff.ID,
		"invoice_id":   invoiceID,
		"commission":   commission,
	}).Info("Affiliate commission credited")
}
