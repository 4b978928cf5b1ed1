// Package bootstrap seeds the database on first boot: default settings,
// an admin account, and a starter catalog so a fresh install is usable.
package bootstrap

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/auth"
	"nebulapanel-backend/internal/config"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/settings"
)

// defaultSettings are written with SetDefault so operator overrides survive
// restarts.
var defaultSettings = map[string]string{
	"app_url":              "http://localhost:8080",
	"tax_rate":             "0",
	"supported_currencies": "USD,EUR,GBP,INR",

	"currency_rate_usd": "1",
	"currency_rate_eur": "0.92",
	"currency_rate_gbp": "0.79",
	"currency_rate_inr": "83",

	"currency_symbol_usd": "$",
	"currency_symbol_eur": "€",
	"currency_symbol_gbp": "£",
	"currency_symbol_inr": "₹",

	"paypal_enabled":   "false",
	"stripe_enabled":   "false",
	"razorpay_enabled": "false",

	"affiliate_default_rate": "5",
	"affiliate_min_payout":   "1",
	"purge_grace_days":       "7",

	"radar_enabled":          "true",
	"radar_scan_interval":    "1h",
	"radar_cpu_warning":      "80",
	"radar_cpu_danger":       "95",
	"radar_disk_warning":     "85",
	"radar_disk_danger":      "97",
	"radar_suspicious_files": "xmrig,xmrig.exe,cpuminer,minerd,kdevtmpfsi",
}

// Run seeds defaults. It is idempotent and safe to call on every start.
func Run(db *gorm.DB, store *settings.Store) error {
	if err := seedSettings(store); err != nil {
		return err
	}
	if err := seedAdmin(db); err != nil {
		return err
	}
	return seedCatalog(db)
}

func seedSettings(store *settings.Store) error {
	for key, value := range defaultSettings {
		if err := store.SetDefault(key, value); err != nil {
			return err
		}
	}
	return nil
}

// seedAdmin creates the initial admin account from ADMIN_EMAIL and
// ADMIN_PASSWORD. Skipped when either is unset or an admin already exists.
func seedAdmin(db *gorm.DB) error {
	email := config.GetEnv("ADMIN_EMAIL", "")
	password := config.GetEnv("ADMIN_PASSWORD", "")
	if email == "" || password == "" {
		return nil
	}

	var count int64
	if err := db.Model(&models.User{}).Where("role = ?", "admin").Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	admin := models.User{
		Email:    email,
		Password: hash,
		Name:     "Administrator",
		Role:     "admin",
		Active:   true,
	}
	if err := db.Create(&admin).Error; err != nil {
		return err
	}
	logrus.WithField("email", email).Info("Seeded initial admin account")
	return nil
}

// seedCatalog creates one visible plan and one location on an empty install
// so the storefront has something to sell.
func seedCatalog(db *gorm.DB) error {
	var plans int64
	if err := db.Model(&models.Plan{}).Count(&plans).Error; err != nil {
		return err
	}
	if plans == 0 {
		starter := models.Plan{
			Name:          "Starter",
			Description:   "2 GB of memory and 10 GB of disk, one port",
			PriceUSD:      5,
			Memory:        2048,
			Disk:          10240,
			CPU:           100,
			IO:            500,
			Backups:       1,
			Databases:     1,
			BillingPeriod: "monthly",
			Visible:       true,
		}
		if err := db.Create(&starter).Error; err != nil {
			return err
		}
		logrus.Info("Seeded starter plan")
	}

	var locations int64
	if err := db.Model(&models.Location{}).Count(&locations).Error; err != nil {
		return err
	}
	if locations == 0 {
		loc := models.Location{
			Name:            "Default",
			PteroLocationID: 1,
			Multiplier:      1,
			Public:          true,
		}
		if err := db.Create(&loc).Error; err != nil {
			return err
		}
		logrus.Info("Seeded default location")
	}
	return nil
}
