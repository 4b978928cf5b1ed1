// Package scheduler runs the recurring billing lifecycle: issue renewal
// invoices ahead of time, suspend servers that go overdue, purge servers
// whose grace period ran out, and sweep the abuse radar.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/currency"
	"nebulapanel-backend/internal/metrics"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/notify"
	"nebulapanel-backend/internal/pricing"
	"nebulapanel-backend/internal/radar"
	"nebulapanel-backend/internal/settings"
	"nebulapanel-backend/pkg/utils"
)

// PanelOps is the panel slice the lifecycle jobs need.
type PanelOps interface {
	Suspend(ctx context.Context, serverID uint) error
	Delete(ctx context.Context, serverID uint) error
}

// Scheduler owns the recurring jobs. Every job is also callable one-shot
// from the admin surface.
type Scheduler struct {
	db        *gorm.DB
	settings  *settings.Store
	converter *currency.Converter
	panel     PanelOps
	scanner   *radar.Scanner
	notifier  notify.Notifier
}

func New(db *gorm.DB, store *settings.Store, conv *currency.Converter, panel PanelOps, scanner *radar.Scanner, notifier notify.Notifier) *Scheduler {
	return &Scheduler{
		db:        db,
		settings:  store,
		converter: conv,
		panel:     panel,
		scanner:   scanner,
		notifier:  notifier,
	}
}

// Start launches the job loops. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx, "renewal_invoices", time.Hour, func(ctx context.Context) error {
		_, err := s.GenerateRenewalInvoices(ctx)
		return err
	})
	go s.loop(ctx, "suspend_overdue", time.Hour, func(ctx context.Context) error {
		_, err := s.SuspendOverdue(ctx)
		return err
	})
	go s.loop(ctx, "purge_suspended", 6*time.Hour, func(ctx context.Context) error {
		_, err := s.PurgeSuspended(ctx)
		return err
	})
	go s.radarLoop(ctx)
	logrus.Info("Lifecycle scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, job func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job(ctx); err != nil {
				logrus.WithError(err).Errorf("Scheduled job %s failed", name)
				utils.CaptureSentryError(nil, err, "scheduled job "+name, nil)
			}
		}
	}
}

// RadarInterval returns the configured sweep interval clamped to a sane
// band: never more often than every 10 minutes, never rarer than daily.
func (s *Scheduler) RadarInterval() time.Duration {
	interval := s.settings.GetDuration("radar_scan_interval", time.Hour)
	if interval < 10*time.Minute {
		interval = 10 * time.Minute
	}
	if interval > 24*time.Hour {
		interval = 24 * time.Hour
	}
	return interval
}

func (s *Scheduler) radarLoop(ctx context.Context) {
	for {
		interval := s.RadarInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if !s.settings.GetBool("radar_enabled", true) {
				continue
			}
			if err := s.scanner.ScanAll(ctx); err != nil {
				logrus.WithError(err).Error("Radar sweep failed")
			}
		}
	}
}

const renewalLookahead = 5 * 24 * time.Hour

// GenerateRenewalInvoices creates pending renewal invoices for servers whose
// term ends within the lookahead window. Running it twice never produces a
// second invoice for the same term: an existing pending renewal invoice for
// the server suppresses issuance.
func (s *Scheduler) GenerateRenewalInvoices(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(renewalLookahead)

	var servers []models.ActiveServer
	err := s.db.Preload("Plan").Preload("Location").Preload("User").
		Where("status = ? AND renewal_date <= ?", models.ServerActive, cutoff).
		Find(&servers).Error
	if err != nil {
		return 0, fmt.Errorf("list servers due for renewal: %w", err)
	}

	issued := 0
	for i := range servers {
		server := &servers[i]

		var existing int64
		err := s.db.Model(&models.Invoice{}).
			Where("server_id = ? AND type = ? AND status = ?",
				server.ID, models.InvoiceRenewal, models.InvoicePending).
			Count(&existing).Error
		if err != nil {
			logrus.WithError(err).Errorf("Renewal check failed for server %d", server.ID)
			continue
		}
		if existing > 0 {
			continue
		}

		invoice, err := s.buildRenewalInvoice(server)
		if err != nil {
			logrus.WithError(err).Errorf("Could not price renewal for server %d", server.ID)
			continue
		}
		if err := s.db.Create(invoice).Error; err != nil {
			logrus.WithError(err).Errorf("Could not issue renewal invoice for server %d", server.ID)
			continue
		}
		issued++

		s.notifier.Notify(ctx, notify.Event{
			Title: "Renewal invoice issued",
			Body: fmt.Sprintf("%s is due for renewal on %s",
				server.Name, server.RenewalDate.Format("2006-01-02")),
			Level: "info",
			Fields: map[string]string{
				"user":   server.User.Email,
				"amount": fmt.Sprintf("%.2f %s", invoice.CurrencyAmount, invoice.CurrencyCode),
			},
		})
	}

	if issued > 0 {
		logrus.WithField("issued", issued).Info("Renewal invoices issued")
	}
	return issued, nil
}

// buildRenewalInvoice prices a renewal the same way checkout does, minus
// coupons: resolved currency price, location multiplier, tax.
func (s *Scheduler) buildRenewalInvoice(server *models.ActiveServer) (*models.Invoice, error) {
	code := server.User.PreferredCurrency
	price, rate, _, err := s.converter.Resolve(&server.Plan, code)
	if err != nil {
		// Operator removed the rate since purchase; bill in USD instead of
		// skipping the renewal.
		code = "USD"
		price, rate = server.Plan.PriceUSD, 1
	}

	taxRate := s.settings.GetFloat("tax_rate", 0)
	quote := pricing.Quote(pricing.QuoteInput{
		CurrencyPrice: price,
		CurrencyRate:  rate,
		Multiplier:    server.Location.Multiplier,
		TaxPercent:    taxRate,
	})

	due := server.RenewalDate
	return &models.Invoice{
		UserID:         server.UserID,
		ServerID:       &server.ID,
		Status:         models.InvoicePending,
		Type:           models.InvoiceRenewal,
		AmountUSD:      quote.PriceUSD,
		CurrencyCode:   code,
		CurrencyAmount: quote.FinalPrice,
		Subtotal:       pricing.Round2(quote.Subtotal),
		TaxRate:        taxRate,
		TaxAmount:      pricing.Round2(quote.TaxAmount),
		DueDate:        &due,
	}, nil
}

// SuspendOverdue suspends active servers whose renewal date has passed.
// Each server is handled in isolation; one panel failure never blocks the
// rest of the sweep.
func (s *Scheduler) SuspendOverdue(ctx context.Context) (int, error) {
	var servers []models.ActiveServer
	err := s.db.Where("status = ? AND renewal_date < ?", models.ServerActive, time.Now()).
		Find(&servers).Error
	if err != nil {
		return 0, fmt.Errorf("list overdue servers: %w", err)
	}

	suspended := 0
	for i := range servers {
		server := &servers[i]
		if server.PteroServerID != nil {
			if err := s.panel.Suspend(ctx, *server.PteroServerID); err != nil {
				logrus.WithError(err).Errorf("Could not suspend server %d on panel", server.ID)
				continue
			}
		}

		now := time.Now()
		err := s.db.Model(&models.ActiveServer{}).
			Where("id = ? AND status = ?", server.ID, models.ServerActive).
			Updates(map[string]interface{}{
				"status":       models.ServerSuspended,
				"suspended_at": now,
			}).Error
		if err != nil {
			logrus.WithError(err).Errorf("Could not mark server %d suspended", server.ID)
			continue
		}
		suspended++
		metrics.ServersSuspended.Inc()
	}

	if suspended > 0 {
		logrus.WithField("suspended", suspended).Info("Overdue servers suspended")
		s.notifier.Notify(ctx, notify.Event{
			Title: "Servers suspended for non-payment",
			Body:  fmt.Sprintf("%d server(s) suspended", suspended),
			Level: "warning",
		})
	}
	return suspended, nil
}

// PurgeSuspended deletes servers whose suspension outlived the grace
// period, plus cancelled servers past their paid term. The panel delete
// must succeed (404 counts as success) before the local row goes; a panel
// that errors keeps the server on the books for the next sweep.
func (s *Scheduler) PurgeSuspended(ctx context.Context) (int, error) {
	graceDays := s.settings.GetInt("purge_grace_days", 7)
	graceCutoff := time.Now().Add(-time.Duration(graceDays) * 24 * time.Hour)

	var servers []models.ActiveServer
	err := s.db.
		Where("(status = ? AND suspended_at < ?) OR (status = ? AND renewal_date < ?)",
			models.ServerSuspended, graceCutoff, models.ServerCancelled, time.Now()).
		Find(&servers).Error
	if err != nil {
		return 0, fmt.Errorf("list purgeable servers: %w", err)
	}

	purged := 0
	for i := range servers {
		server := &servers[i]
		if server.PteroServerID != nil {
			if err := s.panel.Delete(ctx, *server.PteroServerID); err != nil {
				logrus.WithError(err).Errorf("Panel delete failed for server %d, keeping local record", server.ID)
				continue
			}
		}

		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("server_id = ?", server.ID).Delete(&models.RadarResult{}).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Invoice{}).
				Where("server_id = ? AND status = ?", server.ID, models.InvoicePending).
				Update("status", models.InvoiceVoid).Error; err != nil {
				return err
			}
			return tx.Delete(&models.ActiveServer{}, server.ID).Error
		})
		if err != nil {
			logrus.WithError(err).Errorf("Could not remove purged server %d", server.ID)
			continue
		}
		purged++
		metrics.ServersPurged.Inc()
	}

	if purged > 0 {
		logrus.WithField("purged", purged).Info("Expired servers purged")
	}
	return purged, nil
}

// RunRadar triggers one radar sweep, for the admin endpoint.
func (s *Scheduler) RunRadar(ctx context.Context) error {
	return s.scanner.ScanAll(ctx)
}
